// Package notify drains unsent drop events and fans them out over push and
// email, filtered by the recipient's effective venue notify-list.
package notify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeVenueName canonicalizes a venue name for matching: Unicode
// compatibility decomposition with combining marks stripped, casefolded,
// whitespace collapsed. "Rezdôra " and "rezdora" normalize identically.
func NormalizeVenueName(name string) string {
	out, _, err := transform.String(stripMarks, name)
	if err != nil {
		out = name
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// MatchesAny reports whether the normalized venue name matches any entry of
// the notify set, as a substring in either direction. "carbone" matches both
// "Carbone" and "Carbone Vino e Cucina".
func MatchesAny(normalizedName string, notifySet map[string]struct{}) bool {
	if normalizedName == "" {
		return false
	}
	if _, exact := notifySet[normalizedName]; exact {
		return true
	}
	for entry := range notifySet {
		if entry == "" {
			continue
		}
		if strings.Contains(normalizedName, entry) || strings.Contains(entry, normalizedName) {
			return true
		}
	}
	return false
}
