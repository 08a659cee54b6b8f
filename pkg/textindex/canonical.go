// Package textindex holds the matching and scoring primitives shared by
// C3 (lore), C4 (events), C5 (state index), and NPC identity resolution:
// a canonicalizer for case/punctuation-insensitive name matching and a CJK
// bigram/trigram keyword scorer for free-text search.
package textindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// isJoiner reports whether r is punctuation that commonly appears inside a
// name or term and should be preserved rather than treated as a word break.
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘',
		'-', '–', '—',
		'·', '.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

func isSeparator(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || isJoiner(r) {
		return false
	}
	return true
}

// CanonicalizeForMatch NFKC-normalizes s, then folds it into a matching key:
// lowercase, letters/digits/joiners preserved, every run of separators
// collapsed to a single space, leading/trailing space trimmed. Two NPC
// names that differ only by punctuation, case, or full/half-width form
// canonicalize to the same key.
func CanonicalizeForMatch(s string) string {
	s = norm.NFKC.String(s)

	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if len(result) > 0 && result[len(result)-1] == ' ' {
		result = result[:len(result)-1]
	}
	return result
}

// SameEntity reports whether a and b canonicalize to the same matching key.
func SameEntity(a, b string) bool {
	return CanonicalizeForMatch(a) == CanonicalizeForMatch(b)
}
