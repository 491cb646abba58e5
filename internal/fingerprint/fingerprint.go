// Package fingerprint computes content fingerprints for candidate records and
// caches enrichment results by fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/locsync/internal/model"
)

// domain separates candidate fingerprints from any other sha256 use. The
// version suffix changes whenever Normalize changes.
const domain = "locsync/candidate/v1"

var folder = cases.Fold()

// Normalize reduces text to the form fingerprints are computed over:
// diacritics stripped, case folded, punctuation treated as whitespace and
// whitespace collapsed.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = folder.String(out)

	var b strings.Builder
	b.Grow(len(out))
	space := true
	for _, r := range out {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Compute returns the fingerprint of the text a candidate would send to the
// enrichment provider. The source id and collection time are not part of it,
// so the same content from two adapters hashes the same.
func Compute(c model.CandidateRecord) string {
	return hashWithDomain(domain, []byte(Normalize(c.SourceText())))
}

// Short returns the log-friendly prefix of a fingerprint.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
