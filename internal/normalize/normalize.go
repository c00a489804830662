// Package normalize derives the canonical lookup keys used to match source
// entities against the target snapshot.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MaxKeyRunes caps lookup keys. Longer names are truncated before matching.
const MaxKeyRunes = 255

var folder = cases.Fold()

// Name returns the display form of a name: NFC-normalized, trimmed, with
// inner whitespace runs collapsed to a single space. Case is preserved.
func Name(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Key returns the case-insensitive lookup key for s, or "" when s has no
// usable content.
func Key(s string) string {
	k := folder.String(Name(s))
	// Folding may decompose; recompose so equal keys are byte-equal.
	k = norm.NFC.String(k)
	return truncateRunes(k, MaxKeyRunes)
}

// Truncate caps s at n runes.
func Truncate(s string, n int) string {
	return truncateRunes(s, n)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// SplitDisplayName splits "Ada King Lovelace" into ("Ada", "King Lovelace").
// A single word becomes the first name with the login as a fallback surname.
func SplitDisplayName(display, fallback string) (first, last string) {
	parts := strings.Fields(Name(display))
	switch len(parts) {
	case 0:
		return fallback, fallback
	case 1:
		return parts[0], fallback
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
