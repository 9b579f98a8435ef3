package secrets

import "strings"

const maskRune = "•"

// Mask returns a preview safe to show in admin screens: up to four leading
// characters of a known prefix (like "sk_l") and the last four characters.
// Values of eight characters or fewer are fully masked.
func Mask(value string) string {
	r := []rune(value)
	if len(r) == 0 {
		return ""
	}
	if len(r) <= 8 {
		return strings.Repeat(maskRune, len(r))
	}

	head := 0
	if i := strings.IndexAny(value, "_-"); i > 0 && i < 4 {
		head = min(i+2, 4)
	}
	return string(r[:head]) + strings.Repeat(maskRune, 4) + string(r[len(r)-4:])
}
