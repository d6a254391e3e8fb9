package license

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// License key shape: PRIV-XXXX-XXXX-XXXX-XXXX
const (
	KeyPrefix     = "PRIV"
	KeyGroupSize  = 4
	KeyGroups     = 5
	KeyAlnumChars = KeyGroupSize * KeyGroups        // 20
	KeyLength     = KeyAlnumChars + (KeyGroups - 1) // 24 including dashes
)

var keyPattern = regexp.MustCompile(`^PRIV-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// NormalizeKey trims surrounding whitespace and uppercases the key. It does
// not otherwise reshape it.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidateKeyFormat normalizes key and checks it against the required
// shape. The normalized key is returned even when validation fails.
func ValidateKeyFormat(key string) (string, error) {
	normalized := NormalizeKey(key)
	if !keyPattern.MatchString(normalized) {
		return normalized, fmt.Errorf("%w: expected %s-XXXX-XXXX-XXXX-XXXX", ErrInvalidFormat, KeyPrefix)
	}
	return normalized, nil
}

// IsValidKeyFormat reports whether key matches the required shape once
// normalized.
func IsValidKeyFormat(key string) bool {
	_, err := ValidateKeyFormat(key)
	return err == nil
}

// FormatKeyInput reshapes partial user input as it is typed: characters
// other than ASCII letters and digits are dropped, letters are uppercased,
// the result is grouped in blocks of four separated by dashes and capped
// at the full key length.
func FormatKeyInput(raw string) string {
	var clean strings.Builder
	clean.Grow(KeyAlnumChars)
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			clean.WriteRune(r)
			if clean.Len() == KeyAlnumChars {
				break
			}
		}
	}

	chars := clean.String()
	var out strings.Builder
	out.Grow(KeyLength)
	for i := 0; i < len(chars); i++ {
		if i > 0 && i%KeyGroupSize == 0 {
			out.WriteByte('-')
		}
		out.WriteByte(chars[i])
	}
	return out.String()
}

// MaskLicenseKey hides the middle of a key for logs.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// hashLicenseKey returns a short stable hash for correlating audit logs.
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}
