// Package names canonicalizes contact display names so that spelling
// variants of the same person or organization consolidate onto one
// record. Normalize is deterministic and idempotent; the exported tables
// are shared with the cross-system alignment processor.
package names

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Abbreviations expands well-known all-caps acronyms when a name consists
// of exactly that acronym. The expansions are themselves run through the
// rest of the rule chain, so an acronym and its spelled-out form converge.
var Abbreviations = map[string]string{
	"USFWS": "U.S. Fish and Wildlife Service",
	"FWS":   "U.S. Fish and Wildlife Service",
	"USGS":  "U.S. Geological Survey",
	"USFS":  "U.S. Forest Service",
	"NPS":   "National Park Service",
	"BLM":   "Bureau of Land Management",
	"BIA":   "Bureau of Indian Affairs",
	"TNC":   "The Nature Conservancy",
	"LCC":   "Landscape Conservation Cooperative",
}

// letterPairs rejoins spaced single-letter abbreviations left over from
// period stripping ("U. S." becomes "U S" becomes "US").
var letterPairs = [][2]string{
	{"U S ", "US "},
	{"U C ", "UC "},
}

// prefixes re-applies canonical casing to known leading tokens after the
// chain has lower-cased them. Ordered: longer keys first.
var prefixes = [][2]string{
	{"Usda ", "USDA "},
	{"Usgs ", "USGS "},
	{"Noaa ", "NOAA "},
	{"Us ", "U.S. "},
	{"US ", "U.S. "},
	{"Uc ", "UC "},
}

// smallWords are conjunctions and particles kept lower-case when not
// leading the name.
var smallWords = [][2]string{
	{" And ", " and "},
	{" Of ", " of "},
	{" The ", " the "},
	{" For ", " for "},
	{" In ", " in "},
}

var titler = cases.Title(language.AmericanEnglish)

// Normalize canonicalizes a contact display name.
func Normalize(name string) string {
	s := strings.Join(strings.Fields(name), " ")
	if s == "" {
		return s
	}

	if expanded, ok := Abbreviations[s]; ok {
		s = expanded
	}

	words := strings.Fields(s)
	for i, w := range words {
		if isAcronym(w) {
			continue
		}
		words[i] = titler.String(strings.ToLower(w))
	}
	s = strings.Join(words, " ")

	s = strings.ReplaceAll(s, ".", "")

	s = strings.ReplaceAll(s, " & ", " and ")
	for _, p := range letterPairs {
		s = strings.ReplaceAll(s+" ", p[0], p[1])
		s = strings.TrimSuffix(s, " ")
	}

	for _, p := range prefixes {
		target := strings.TrimSuffix(p[0], " ")
		if s == target {
			s = strings.TrimSuffix(p[1], " ")
			break
		}
		if strings.HasPrefix(s, p[0]) {
			s = p[1] + s[len(p[0]):]
			break
		}
	}

	for _, w := range smallWords {
		s = strings.ReplaceAll(s, w[0], w[1])
	}

	return s
}

// isAcronym reports whether a word is a genuine all-caps acronym: at
// least two letters, none of them lower-case.
func isAcronym(w string) bool {
	letters := 0
	for _, r := range w {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= 'A' && r <= 'Z':
			letters++
		}
	}
	return letters >= 2
}
