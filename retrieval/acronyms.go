package retrieval

import (
	"regexp"
	"strings"
)

// acronyms maps UK immigration shorthand to its expansion. Expansions
// keep the acronym so exact-match lexical hits still score.
var acronyms = map[string]string{
	"BNO":  "British National Overseas BNO",
	"ILR":  "Indefinite Leave to Remain ILR",
	"EUSS": "EU Settlement Scheme EUSS",
	"CoS":  "Certificate of Sponsorship CoS",
	"PBS":  "Points Based System PBS",
	"UKVI": "UK Visas and Immigration UKVI",
	"HO":   "Home Office HO",
	"CTA":  "Common Travel Area CTA",
	"BRP":  "Biometric Residence Permit BRP",
	"EEA":  "European Economic Area EEA",
}

var acronymPatterns = buildAcronymPatterns()

type acronymPattern struct {
	re        *regexp.Regexp
	expansion string
}

func buildAcronymPatterns() []acronymPattern {
	patterns := make([]acronymPattern, 0, len(acronyms))
	for acr, exp := range acronyms {
		// Whole-word, case-insensitive. \b keeps "BRP" from firing
		// inside e.g. "fibre".
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(acr) + `\b`)
		patterns = append(patterns, acronymPattern{re: re, expansion: exp})
	}
	return patterns
}

// ExpandAcronyms rewrites known immigration acronyms in a query to their
// full form. Returns the rewritten query and whether anything changed.
func ExpandAcronyms(query string) (string, bool) {
	out := query
	for _, p := range acronymPatterns {
		out = p.re.ReplaceAllString(out, p.expansion)
	}
	return out, !strings.EqualFold(out, query)
}
