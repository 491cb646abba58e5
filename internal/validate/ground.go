package validate

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
)

var phoneInTextRe = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}`)

// source is the candidate's text in the forms the grounding checks need.
type source struct {
	lower  string
	words  string
	phones map[string]bool
	host   string
}

func newSource(c model.CandidateRecord) source {
	text := c.SourceText()
	s := source{
		lower:  strings.ToLower(text),
		words:  strings.ToLower(normalize.Text(text)),
		phones: make(map[string]bool),
		host:   hostOf(c.SourceURL),
	}
	for _, m := range phoneInTextRe.FindAllString(text, -1) {
		s.phones[normalize.PhoneDigits(m)] = true
	}
	return s
}

// hasPhone reports whether the phone number appears anywhere in the source.
func (s source) hasPhone(phone string) bool {
	return s.phones[normalize.PhoneDigits(phone)]
}

func (s source) hasEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	return email != "" && strings.Contains(s.lower, email)
}

// hasWebsite matches on host so "https://www.x.org/about" is grounded by a
// bare "x.org" in the text or by the page the record was scraped from.
func (s source) hasWebsite(site string) bool {
	host := hostOf(site)
	if host == "" {
		return false
	}
	if s.host != "" && (s.host == host || strings.HasSuffix(s.host, "."+host)) {
		return true
	}
	return strings.Contains(s.lower, host)
}

// hasName reports whether at least half of the name's words appear as whole
// words in the source.
func (s source) hasName(name string) bool {
	tokens := normalize.Tokens(strings.ToLower(normalize.Name(name)))
	if len(tokens) == 0 {
		return false
	}
	found := 0
	for _, tok := range tokens {
		if containsWord(s.words, tok) {
			found++
		}
	}
	return found*2 >= len(tokens)
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

// containsWord checks if text contains needle as a whole word. Both should
// already be lowercased.
func containsWord(text, needle string) bool {
	if needle == "" || text == "" {
		return false
	}
	start := 0
	for {
		idx := strings.Index(text[start:], needle)
		if idx < 0 {
			return false
		}
		absIdx := start + idx
		endIdx := absIdx + len(needle)

		leftOK := absIdx == 0 || !isAlphaNum(text[absIdx-1])
		rightOK := endIdx == len(text) || !isAlphaNum(text[endIdx])
		if leftOK && rightOK {
			return true
		}
		start = absIdx + 1
	}
}

func isAlphaNum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// abbrToState maps lowercase state abbreviations to lowercase full names.
var abbrToState = map[string]string{
	"al": "alabama", "ak": "alaska", "az": "arizona", "ar": "arkansas",
	"ca": "california", "co": "colorado", "ct": "connecticut", "de": "delaware",
	"fl": "florida", "ga": "georgia", "hi": "hawaii", "id": "idaho",
	"il": "illinois", "in": "indiana", "ia": "iowa", "ks": "kansas",
	"ky": "kentucky", "la": "louisiana", "me": "maine", "md": "maryland",
	"ma": "massachusetts", "mi": "michigan", "mn": "minnesota", "ms": "mississippi",
	"mo": "missouri", "mt": "montana", "ne": "nebraska", "nv": "nevada",
	"nh": "new hampshire", "nj": "new jersey", "nm": "new mexico", "ny": "new york",
	"nc": "north carolina", "nd": "north dakota", "oh": "ohio", "ok": "oklahoma",
	"or": "oregon", "pa": "pennsylvania", "ri": "rhode island", "sc": "south carolina",
	"sd": "south dakota", "tn": "tennessee", "tx": "texas", "ut": "utah",
	"vt": "vermont", "va": "virginia", "wa": "washington", "wv": "west virginia",
	"wi": "wisconsin", "wy": "wyoming", "dc": "district of columbia",
	"pr": "puerto rico", "gu": "guam", "vi": "virgin islands",
}

var stateToAbbr = func() map[string]string {
	m := make(map[string]string, len(abbrToState))
	for abbr, full := range abbrToState {
		m[full] = abbr
	}
	return m
}()

// knownState accepts a US state or territory by abbreviation or full name.
func knownState(state string) bool {
	lower := strings.ToLower(strings.TrimSpace(state))
	if _, ok := abbrToState[lower]; ok {
		return true
	}
	_, ok := stateToAbbr[lower]
	return ok
}
