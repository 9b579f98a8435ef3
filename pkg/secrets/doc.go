// Package secrets seals payment gateway credentials at rest.
//
// A single 32-byte master key (hex encoded in BILLING_MASTER_KEY) is expanded
// with HKDF-SHA-256 into one AES-256-GCM key per scope. The scope is also
// passed as associated data, so a ciphertext stored for one provider cannot be
// opened as another provider's secret. Sealed values are base64 strings of
// nonce + ciphertext + tag.
//
//	sealer, err := secrets.NewSealerFromHex(os.Getenv("BILLING_MASTER_KEY"))
//	if err != nil {
//		// handle error
//	}
//	enc, _ := sealer.Seal("card", "pdl_live_apikey_...")
//	plain, _ := sealer.Open("card", enc)
//
// Mask produces previews for admin views without revealing the value.
package secrets
