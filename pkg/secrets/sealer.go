package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required size of the master key.
	KeySize = 32 // 256 bits for AES-256

	// infoPrefix provides domain separation for HKDF-derived keys.
	infoPrefix = "billing-gateway-secrets-v1:"
)

// Sealer encrypts credential fields with AES-256-GCM. Each scope (usually
// a provider name) gets its own key derived from the master key, so a
// ciphertext copied between providers fails to open.
type Sealer struct {
	master []byte
}

// NewSealer creates a Sealer from a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidMasterKey
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Sealer{master: key}, nil
}

// NewSealerFromHex parses a hex encoded master key, as kept in the environment.
func NewSealerFromHex(encoded string) (*Sealer, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, errors.Join(ErrInvalidMasterKey, err)
	}
	return NewSealer(key)
}

// Seal encrypts plaintext for scope and returns base64 of nonce + ciphertext + tag.
func (s *Sealer) Seal(scope, plaintext string) (string, error) {
	aead, err := s.aead(scope)
	if err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Join(ErrEncryptionFailed, err)
	}

	// Scope doubles as associated data to bind the ciphertext to its owner.
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same scope.
func (s *Sealer) Open(scope, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Join(ErrInvalidCiphertext, err)
	}

	aead, err := s.aead(scope)
	if err != nil {
		return "", errors.Join(ErrDecryptionFailed, err)
	}

	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, body := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, []byte(scope))
	if err != nil {
		return "", errors.Join(ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (s *Sealer) aead(scope string) (cipher.AEAD, error) {
	key, err := deriveKey(s.master, scope)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey expands the master key into a scope-specific key using HKDF-SHA256.
func deriveKey(master []byte, scope string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(infoPrefix+scope))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Join(ErrKeyDerivationFailed, err)
	}
	return key, nil
}

// GenerateKey creates a new random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
