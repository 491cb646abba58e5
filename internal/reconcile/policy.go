package reconcile

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/locsync/internal/model"
)

// TieBreak decides equal-confidence disagreements.
type TieBreak string

const (
	TieKeepExisting   TieBreak = "keep_existing"
	TiePreferIncoming TieBreak = "prefer_incoming"
)

// Policy is the merge and matching configuration.
type Policy struct {
	Defaults FieldPolicy            `yaml:"defaults"`
	Fields   map[string]FieldPolicy `yaml:"fields"`
	Match    MatchConfig            `yaml:"match"`
}

// FieldPolicy configures how one field merges.
type FieldPolicy struct {
	// Enumerable fields take a small set of values and may be decided by a
	// quorum of distinct sources instead of by confidence alone.
	Enumerable bool     `yaml:"enumerable"`
	QuorumMin  int      `yaml:"quorum_min"`
	TieBreak   TieBreak `yaml:"tie_break"`
}

// MatchConfig holds the entity resolution thresholds.
type MatchConfig struct {
	LocationRadiusM        float64 `yaml:"location_radius_m"`
	LocationNameSimilarity float64 `yaml:"location_name_similarity"`
	OrgNameSimilarity      float64 `yaml:"org_name_similarity"`
	ServiceNameSimilarity  float64 `yaml:"service_name_similarity"`

	// AmbiguityMargin is the score gap under which two same-tier candidates
	// are considered equally strong.
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`
	NamePrefixLen   int     `yaml:"name_prefix_len"`
	CandidateLimit  int     `yaml:"candidate_limit"`
}

// DefaultPolicy returns the built-in policy: status is enumerable with a
// quorum of two sources, and ties keep the existing value.
func DefaultPolicy() Policy {
	return Policy{
		Defaults: FieldPolicy{QuorumMin: 2, TieBreak: TieKeepExisting},
		Fields: map[string]FieldPolicy{
			model.FieldStatus: {Enumerable: true, QuorumMin: 2, TieBreak: TieKeepExisting},
		},
		Match: MatchConfig{
			LocationRadiusM:        100,
			LocationNameSimilarity: 0.6,
			OrgNameSimilarity:      0.85,
			ServiceNameSimilarity:  0.85,
			AmbiguityMargin:        0.05,
			NamePrefixLen:          3,
			CandidateLimit:         50,
		},
	}
}

// LoadPolicy reads a policy file. Keys missing from the file keep their
// defaults; per-field entries inherit unset values from the file's defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrapf(err, "reconcile: read policy %s", path)
	}

	var wrapper struct {
		Reconcile Policy `yaml:"reconcile"`
	}
	wrapper.Reconcile = p
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return p, eris.Wrap(err, "reconcile: parse policy")
	}
	p = wrapper.Reconcile
	if err := p.normalize(); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Policy) normalize() error {
	def := DefaultPolicy()
	if p.Defaults.QuorumMin <= 0 {
		p.Defaults.QuorumMin = def.Defaults.QuorumMin
	}
	if p.Defaults.TieBreak == "" {
		p.Defaults.TieBreak = def.Defaults.TieBreak
	}
	if err := p.Defaults.TieBreak.validate(); err != nil {
		return err
	}
	for key, fp := range p.Fields {
		if fp.QuorumMin <= 0 {
			fp.QuorumMin = p.Defaults.QuorumMin
		}
		if fp.TieBreak == "" {
			fp.TieBreak = p.Defaults.TieBreak
		}
		if err := fp.TieBreak.validate(); err != nil {
			return eris.Wrapf(err, "field %s", key)
		}
		p.Fields[key] = fp
	}

	m := &p.Match
	if m.LocationRadiusM <= 0 {
		m.LocationRadiusM = def.Match.LocationRadiusM
	}
	if m.LocationNameSimilarity <= 0 {
		m.LocationNameSimilarity = def.Match.LocationNameSimilarity
	}
	if m.OrgNameSimilarity <= 0 {
		m.OrgNameSimilarity = def.Match.OrgNameSimilarity
	}
	if m.ServiceNameSimilarity <= 0 {
		m.ServiceNameSimilarity = def.Match.ServiceNameSimilarity
	}
	if m.AmbiguityMargin < 0 {
		m.AmbiguityMargin = def.Match.AmbiguityMargin
	}
	if m.NamePrefixLen <= 0 {
		m.NamePrefixLen = def.Match.NamePrefixLen
	}
	if m.CandidateLimit <= 0 {
		m.CandidateLimit = def.Match.CandidateLimit
	}
	return nil
}

func (t TieBreak) validate() error {
	switch t {
	case TieKeepExisting, TiePreferIncoming:
		return nil
	}
	return eris.Errorf("reconcile: unknown tie_break %q", t)
}

// Field returns the policy for a field, falling back to defaults.
func (p *Policy) Field(field string) FieldPolicy {
	if fp, ok := p.Fields[field]; ok {
		return fp
	}
	return p.Defaults
}
