package heuristic

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minCandidateLen is the shortest letter run considered a name.
const minCandidateLen = 3

// DictionaryChecker flags display names whose first name-like token is in a
// curated set. Matching ignores case and diacritics.
type DictionaryChecker struct {
	names map[string]struct{}
}

// NewDictionaryChecker builds a checker over names.
func NewDictionaryChecker(names []string) *DictionaryChecker {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if key := fold(strings.TrimSpace(n)); key != "" {
			set[key] = struct{}{}
		}
	}
	return &DictionaryChecker{names: set}
}

// IsSuspicious reports whether displayName's candidate token is listed.
func (d *DictionaryChecker) IsSuspicious(displayName string) bool {
	if d == nil || len(d.names) == 0 {
		return false
	}
	candidate := CandidateName(displayName)
	if candidate == "" {
		return false
	}
	_, ok := d.names[candidate]
	return ok
}

// Len reports the dictionary size.
func (d *DictionaryChecker) Len() int {
	if d == nil {
		return 0
	}
	return len(d.names)
}

// CandidateName returns the first run of at least three letters in
// displayName, folded. Digits and symbols separate runs.
func CandidateName(displayName string) string {
	folded := fold(displayName)
	words := strings.FieldsFunc(folded, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if len([]rune(w)) >= minCandidateLen {
			return w
		}
	}
	return ""
}

// fold strips diacritics and applies Unicode case folding.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}
