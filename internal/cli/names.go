// Package cli selects secret names for CLI commands.
package cli

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNoMatch is returned when a pattern selects no name.
var ErrNoMatch = errors.New("no secret matches")

// NormalizeName applies Unicode NFC so that names typed on different
// systems compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// IsPattern reports whether s contains glob characters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Match returns the names selected by pattern, in the order of names.
// A pattern without glob characters must equal a name exactly. Names are
// matched with path.Match, so '*' does not cross '/'.
func Match(pattern string, names []string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !IsPattern(pattern) {
		for _, name := range names {
			if name == pattern {
				return []string{name}, nil
			}
		}
		return nil, fmt.Errorf("%w: '%s'", ErrNoMatch, pattern)
	}

	var matches []string
	for _, name := range names {
		if ok, _ := path.Match(pattern, name); ok {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w pattern '%s'", ErrNoMatch, pattern)
	}
	return matches, nil
}

// Select normalizes every pattern, matches it against names and returns
// the union, sorted and without duplicates. No patterns selects all names.
func Select(patterns, names []string) ([]string, error) {
	if len(patterns) == 0 {
		return Sorted(names), nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, p := range patterns {
		matches, err := Match(NormalizeName(p), names)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			if !seen[name] {
				seen[name] = true
				result = append(result, name)
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

// Sorted returns a sorted copy of names.
func Sorted(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return sorted
}
