package schema

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldKey lowercases, strips accents and snake-cases a key so that
// "Économique", "economique" and "ECONOMIQUE " compare equal.
func FoldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending {
				b.WriteByte('_')
				pending = false
			}
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			pending = true
		}
	}
	return b.String()
}

// DisplayLabel renders a raw key for display: separators become spaces and
// each word is capitalised. Accents and existing capitals are kept.
func DisplayLabel(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Title(language.French, cases.NoLower).String(s)
}
