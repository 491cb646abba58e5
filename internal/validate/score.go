package validate

import (
	"math"
	"regexp"

	"github.com/sells-group/locsync/internal/model"
)

// Dimension maxima. They add up to 100.
const (
	completenessMax = 40.0
	coherenceMax    = 30.0
	groundingMax    = 30.0
)

var zipRe = regexp.MustCompile(`^\d{5}(?:-?\d{4})?$`)

// ScoreBreakdown holds the individual dimension scores and the final score.
type ScoreBreakdown struct {
	Completeness float64 `json:"completeness"`
	Coherence    float64 `json:"coherence"`
	Grounding    float64 `json:"grounding"`
	Provider     float64 `json:"provider"`
	Penalty      float64 `json:"penalty"`
	Final        float64 `json:"final"`
}

// checks are the findings collected while correcting an enrichment result.
type checks struct {
	// coherence deductions
	invalidPhones  int
	invalidEmails  int
	placeholder    bool
	missingCoords  bool
	badState       bool
	badPostal      bool
	geoUnavailable bool

	// grounding tallies
	checked  int
	grounded int

	approximate bool
}

func (c *checks) ground(ok bool) {
	c.checked++
	if ok {
		c.grounded++
	}
}

// scoreCompleteness awards points for the fields reconciliation and the
// published dataset rely on.
func scoreCompleteness(e *model.Enrichment) float64 {
	has := func(fs model.FieldSet, field string) bool {
		v, ok := fs.Get(field)
		return ok && v != ""
	}

	score := 0.0
	if has(e.Organization, model.FieldName) {
		score += 12
	}
	if has(e.Location, model.FieldName) {
		score += 4
	}
	if has(e.Location, model.FieldAddress) {
		score += 8
	}
	if (has(e.Location, model.FieldCity) && has(e.Location, model.FieldStateProvince)) || has(e.Location, model.FieldPostalCode) {
		score += 6
	}
	if has(e.Location, model.FieldLatitude) && has(e.Location, model.FieldLongitude) {
		score += 4
	}
	for _, fs := range []model.FieldSet{e.Organization, e.Location, e.Service} {
		if has(fs, model.FieldPhone) || has(fs, model.FieldEmail) || has(fs, model.FieldWebsite) {
			score += 6
			break
		}
	}
	return score
}

func scoreCoherence(c checks) float64 {
	score := coherenceMax
	score -= 10 * float64(c.invalidPhones)
	score -= 5 * float64(c.invalidEmails)
	if c.placeholder {
		score -= 10
	}
	if c.missingCoords {
		score -= 5
	}
	if c.geoUnavailable {
		score -= 5
	}
	if c.badState {
		score -= 5
	}
	if c.badPostal {
		score -= 5
	}
	return math.Max(score, 0)
}

func scoreGrounding(c checks) float64 {
	if c.checked == 0 {
		return 0
	}
	return groundingMax * float64(c.grounded) / float64(c.checked)
}

// providerConfidence normalizes the provider's self-reported confidence to
// 0..100. Values above 1 are taken to be percentages already.
func providerConfidence(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	p := *v
	if p <= 1 {
		p *= 100
	}
	return math.Min(math.Max(p, 0), 100), true
}

// computeScore blends the rule-based dimensions with the provider's
// confidence when it reported one.
func computeScore(e *model.Enrichment, c checks, cfg Config) ScoreBreakdown {
	b := ScoreBreakdown{
		Completeness: scoreCompleteness(e),
		Coherence:    scoreCoherence(c),
		Grounding:    scoreGrounding(c),
	}
	rules := b.Completeness + b.Coherence + b.Grounding

	final := rules
	if p, ok := providerConfidence(e.Confidence); ok {
		b.Provider = p
		final = rules*(1-cfg.ProviderWeight) + p*cfg.ProviderWeight
	}
	if c.approximate {
		b.Penalty = cfg.ApproximatePenalty
		final -= b.Penalty
	}
	final = math.Min(math.Max(final, 0), 100)
	b.Final = math.Round(final*10) / 10
	return b
}
