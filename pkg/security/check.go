package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DuplicateGroup represents a group of secrets sharing the same value.
type DuplicateGroup struct {
	Names []string `json:"names"`
	Count int      `json:"count"`
}

// WeakSecret is a stored value rated weak.
type WeakSecret struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
	Token  bool   `json:"token"`
}

// Report is the outcome of checking the decrypted secrets of a vault.
type Report struct {
	Checked    int              `json:"checked"`
	Weak       []WeakSecret     `json:"weak,omitempty"`
	Duplicates []DuplicateGroup `json:"duplicates,omitempty"`
}

// Check rates every value and groups values that are shared between names.
//
// Values are compared through HMAC-SHA256 with a key generated for this
// call only, so no comparable digest outlives the check.
func Check(secrets map[string][]byte) (*Report, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: failed to generate comparison key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	report := &Report{}
	groups := make(map[string][]string)
	for _, name := range names {
		value := normalizeValue(string(secrets[name]))
		if value == "" {
			continue
		}
		report.Checked++

		if ValueStrength(name, value) == PasswordWeak {
			report.Weak = append(report.Weak, WeakSecret{
				Name:   name,
				Length: len([]rune(value)),
				Token:  IsTokenName(name),
			})
		}

		hash := computeValueHash(value, key)
		groups[hash] = append(groups[hash], name)
	}

	for _, members := range groups {
		if len(members) > 1 {
			report.Duplicates = append(report.Duplicates, DuplicateGroup{Names: members, Count: len(members)})
		}
	}
	// Most duplicated first, then by first name for a stable order.
	sort.Slice(report.Duplicates, func(i, j int) bool {
		a, b := report.Duplicates[i], report.Duplicates[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Names[0] < b.Names[0]
	})

	return report, nil
}

// computeValueHash computes HMAC-SHA256 of a value with the session key.
func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeValue trims surrounding whitespace and applies Unicode NFC.
func normalizeValue(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}
