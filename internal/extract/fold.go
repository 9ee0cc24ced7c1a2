package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold normalizes s for accent- and case-insensitive comparison:
// Unicode decomposition, combining marks removed, lowercased, trimmed.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.TrimSpace(strings.ToLower(out))
}

// foldedText is a folded copy of a message that remembers where each folded
// byte came from, so matches found on the folded text can be sliced out of
// the original with accents intact.
type foldedText struct {
	text    string
	orig    string
	offsets []int // folded byte offset -> original byte offset
}

func newFoldedText(orig string) foldedText {
	var b strings.Builder
	offsets := make([]int, 0, len(orig)+1)
	for i, r := range orig {
		folded := foldRune(r)
		for j := 0; j < len(string(folded)); j++ {
			offsets = append(offsets, i)
		}
		b.WriteRune(folded)
	}
	offsets = append(offsets, len(orig))
	return foldedText{text: b.String(), orig: orig, offsets: offsets}
}

// slice returns the original text covering folded bytes [i, j).
func (f foldedText) slice(i, j int) string {
	if i < 0 || j > len(f.text) || i >= j {
		return ""
	}
	return f.orig[f.offsets[i]:f.offsets[j]]
}

func foldRune(r rune) rune {
	if r < 0x80 {
		return unicode.ToLower(r)
	}
	decomposed := norm.NFD.String(string(r))
	for _, base := range decomposed {
		return unicode.ToLower(base)
	}
	return unicode.ToLower(r)
}
