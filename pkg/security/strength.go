// Package security rates passphrases and stored secrets.
//
// Ratings follow NIST SP 800-63B: length is the primary factor and
// composition rules are only suggestions. Nothing here blocks an
// operation; callers print the result.
package security

import (
	"strings"
	"unicode/utf8"
)

// PasswordStrength represents the strength level of a passphrase or token.
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of the strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// MinPassphraseLength is the length below which a passphrase is weak.
const MinPassphraseLength = 8

// Result is the rating of a passphrase.
type Result struct {
	Strength PasswordStrength
	Warnings []string
}

// CheckPassphrase rates a vault passphrase.
func CheckPassphrase(p []byte) Result {
	s := string(p)
	res := Result{Strength: calculatePasswordStrength(s)}

	n := utf8.RuneCountInString(s)
	if n < MinPassphraseLength {
		res.Warnings = append(res.Warnings, "Passphrase is shorter than 8 characters")
	} else if n < 14 {
		res.Warnings = append(res.Warnings, "Longer passphrases (14+ characters) are more secure")
	}
	if strings.TrimSpace(s) != s {
		res.Warnings = append(res.Warnings, "Passphrase starts or ends with a space")
	}
	if n > 1 && strings.Count(s, string([]rune(s)[:1])) == n {
		res.Warnings = append(res.Warnings, "Passphrase repeats a single character")
	}
	return res
}

// ValueStrength rates a stored secret. Names that look like tokens or API
// keys use the entropy scale for machine-generated values.
func ValueStrength(name, value string) PasswordStrength {
	if IsTokenName(name) {
		return calculateAPIKeyStrength(value)
	}
	return calculatePasswordStrength(value)
}

// IsTokenName reports whether a secret name suggests a generated token.
func IsTokenName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range []string{"token", "api_key", "apikey", "api-key", "secret_key", "access_key"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// calculatePasswordStrength evaluates human-created passwords by length.
func calculatePasswordStrength(value string) PasswordStrength {
	length := utf8.RuneCountInString(value)

	switch {
	case length >= 20:
		return PasswordStrong
	case length >= 14:
		return PasswordGood
	case length >= MinPassphraseLength:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

// calculateAPIKeyStrength evaluates machine-generated tokens. For random
// strings, length directly correlates with entropy:
//   - 32+ chars (~128 bits for alphanumeric): Strong
//   - 20+ chars (~80 bits): Good
//   - 16+ chars (~64 bits): Fair
func calculateAPIKeyStrength(value string) PasswordStrength {
	length := len(value)

	switch {
	case length >= 32:
		return PasswordStrong
	case length >= 20:
		return PasswordGood
	case length >= 16:
		return PasswordFair
	default:
		return PasswordWeak
	}
}
