// Package slug builds URL-safe identifiers for plans.
//
// Make folds diacritics with golang.org/x/text (NFD decomposition followed by
// removal of combining marks), lowercases, and joins ASCII words with a
// separator. Unique appends "-2", "-3", ... until the caller's existence
// check reports a free slug.
package slug

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLength bounds generated slugs; suffixes fit inside it.
const DefaultMaxLength = 64

// maxAttempts caps the collision search.
const maxAttempts = 1000

var (
	ErrEmptySlug       = errors.New("slug: input produces an empty slug")
	ErrTooManyAttempts = errors.New("slug: no free slug found")
)

// ExistsFunc reports whether a slug is already taken.
type ExistsFunc func(ctx context.Context, slug string) (bool, error)

// Make creates a lowercase slug from s using "-" as separator.
func Make(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastWasSep := true // avoids a leading separator

	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if b.Len() >= DefaultMaxLength {
				break
			}
			b.WriteRune(r)
			lastWasSep = false
			continue
		}
		if !lastWasSep {
			b.WriteByte('-')
			lastWasSep = true
		}
	}

	return strings.Trim(b.String(), "-")
}

// Unique returns Make(name), or the first "<slug>-N" for which exists
// reports false.
func Unique(ctx context.Context, name string, exists ExistsFunc) (string, error) {
	base := Make(name)
	if base == "" {
		return "", ErrEmptySlug
	}

	candidate := base
	for n := 2; n < maxAttempts+2; n++ {
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}

		suffix := "-" + strconv.Itoa(n)
		trimmed := base
		if len(trimmed)+len(suffix) > DefaultMaxLength {
			trimmed = strings.TrimRight(trimmed[:DefaultMaxLength-len(suffix)], "-")
		}
		candidate = trimmed + suffix
	}
	return "", ErrTooManyAttempts
}
