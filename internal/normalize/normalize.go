// Package normalize standardizes names, addresses and phone numbers so that
// records from different sources compare equal when they describe the same
// place.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes lists legal entity suffixes stripped from organization names.
var legalSuffixes = []string{
	" LLC", " INC", " INCORPORATED", " CORP", " CORPORATION",
	" LTD", " LIMITED", " LLP", " LP", " PLLC", " PC", " PA", " CO",
	" NFP", " NONPROFIT",
}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	zipRe        = regexp.MustCompile(`^(\d{5})(?:-?\d{4})?$`)
)

var punctReplacer = strings.NewReplacer(
	",", " ",
	".", "",
	"'", "",
	"’", "",
	"\"", "",
	"&", " AND ",
	"-", " ",
	"/", " ",
	"#", " ",
	"(", " ",
	")", " ",
)

// fold strips diacritics and applies compatibility decomposition.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func clean(s string) string {
	s = strings.ToUpper(fold(strings.TrimSpace(s)))
	s = punctReplacer.Replace(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Name standardizes an organization, location or service name for matching:
// uppercased, diacritics and punctuation removed, a leading "THE" and
// trailing legal suffixes dropped.
func Name(name string) string {
	name = clean(name)
	if name == "" {
		return ""
	}
	name = strings.TrimPrefix(name, "THE ")
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	return strings.TrimSpace(name)
}

var streetAbbrev = map[string]string{
	"STREET": "ST", "AVENUE": "AVE", "AV": "AVE", "ROAD": "RD", "DRIVE": "DR",
	"BOULEVARD": "BLVD", "LANE": "LN", "COURT": "CT", "PLACE": "PL",
	"HIGHWAY": "HWY", "PARKWAY": "PKWY", "CIRCLE": "CIR", "TERRACE": "TER",
	"SUITE": "STE", "APARTMENT": "APT", "BUILDING": "BLDG", "FLOOR": "FL",
	"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
}

// Street standardizes a street line: uppercased, punctuation removed and
// common USPS suffix and directional words abbreviated.
func Street(line string) string {
	words := strings.Fields(clean(line))
	for i, w := range words {
		if abbr, ok := streetAbbrev[w]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}

// PostalCode returns the five-digit ZIP, or the cleaned input when it is not
// a US ZIP code.
func PostalCode(code string) string {
	code = strings.TrimSpace(code)
	if m := zipRe.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return clean(code)
}

// Address builds the comparable form of an address from its parts. Empty
// parts are skipped; an address with no street line normalizes to "".
func Address(street, city, state, postal string) string {
	s := Street(street)
	if s == "" {
		return ""
	}
	parts := []string{s}
	for _, p := range []string{clean(city), clean(state), PostalCode(postal)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "|")
}

// Phone returns a US phone number formatted as (AAA) BBB-CCCC. ok is false
// when the input does not contain a plausible ten-digit number.
func Phone(raw string) (string, bool) {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 || digits[0] == '0' || digits[0] == '1' {
		return "", false
	}
	return "(" + digits[:3] + ") " + digits[3:6] + "-" + digits[6:], true
}

// PhoneDigits returns only the digits of raw, for grounding comparisons.
func PhoneDigits(raw string) string {
	d := nonDigitRe.ReplaceAllString(raw, "")
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d
}

var placeholderStreets = map[string]bool{
	"":                 true,
	"N A":              true,
	"NA":               true,
	"NONE":             true,
	"UNKNOWN":          true,
	"TBD":              true,
	"NULL":             true,
	"ADDRESS":          true,
	"123 MAIN ST":      true,
	"1234 MAIN ST":     true,
	"NOT AVAILABLE":    true,
	"CONFIDENTIAL":     true,
	"CALL FOR ADDRESS": true,
}

// IsPlaceholderAddress reports whether a street line is filler text rather
// than a real address.
func IsPlaceholderAddress(line string) bool {
	s := Street(line)
	if placeholderStreets[s] {
		return true
	}
	return !strings.ContainsFunc(s, unicode.IsLetter)
}

// Similarity returns a 0..1 edit-distance similarity of two normalized
// strings. Empty inputs never match.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// Tokens returns the words of a normalized string.
func Tokens(s string) []string {
	return strings.Fields(s)
}

// Text returns the cleaned, uppercased form of free text, suitable for word
// containment checks against normalized names.
func Text(s string) string {
	return clean(s)
}
