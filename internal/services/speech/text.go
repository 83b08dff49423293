package speech

import (
	"regexp"
	"strings"
	"unicode"
)

// Romanised catch-phrases the default persona is told to use.
var hindiPhrases = []string{
	"chamak raha hai",
	"haanji",
	"swaad",
	"baap concept",
}

var devanagari = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x0900, Hi: 0x097F, Stride: 1}},
}

// quoted or bracketed fragments, which is where the persona puts its Hindi phrases
var hindiFragment = regexp.MustCompile(`"[^"]*"|\([^)]*\)|'[^']*'|「[^」]*」`)

// HindiPlaceholder replaces Hindi fragments that cannot be pronounced in English
const HindiPlaceholder = "[Hindi phrase]"

// ContainsHindi reports whether text has Devanagari script or known Hindi phrases
func ContainsHindi(text string) bool {
	for _, r := range text {
		if unicode.Is(devanagari, r) {
			return true
		}
	}
	for _, p := range hindiPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ExtractEnglish masks quoted fragments so an English voice does not read them
func ExtractEnglish(text string) string {
	return hindiFragment.ReplaceAllString(text, HindiPlaceholder)
}
