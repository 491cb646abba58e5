// Package validate implements the confidence gate between enrichment and
// reconciliation. The gate scores an enrichment result, applies data-quality
// corrections and decides whether the result may be merged. It never writes
// to the canonical store.
package validate

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
	"github.com/sells-group/locsync/pkg/geocode"
)

// Config controls the gate.
type Config struct {
	// RejectThreshold is the minimum final score (0-100). Default: 30.
	RejectThreshold float64 `yaml:"reject_threshold" mapstructure:"reject_threshold"`

	// ProviderWeight is the share of the final score taken from the
	// provider's own confidence. Default: 0.3.
	ProviderWeight float64 `yaml:"provider_weight" mapstructure:"provider_weight"`

	// ApproximatePenalty is subtracted when coordinates come from an
	// approximate geocode. Default: 5.
	ApproximatePenalty float64 `yaml:"approximate_penalty" mapstructure:"approximate_penalty"`
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{RejectThreshold: 30, ProviderWeight: 0.3, ApproximatePenalty: 5}
}

// Geocoder resolves an address to coordinates. *geocode.Chain satisfies it.
type Geocoder interface {
	Geocode(ctx context.Context, addr geocode.AddressInput) (*geocode.Outcome, error)
}

// Gate validates enrichment results.
type Gate struct {
	cfg      Config
	geocoder Geocoder
}

// New creates a Gate. geocoder may be nil, in which case missing coordinates
// are dropped instead of repaired.
func New(cfg Config, geocoder Geocoder) *Gate {
	def := DefaultConfig()
	if cfg.RejectThreshold <= 0 {
		cfg.RejectThreshold = def.RejectThreshold
	}
	if cfg.ProviderWeight <= 0 || cfg.ProviderWeight > 1 {
		cfg.ProviderWeight = def.ProviderWeight
	}
	if cfg.ApproximatePenalty < 0 {
		cfg.ApproximatePenalty = def.ApproximatePenalty
	}
	return &Gate{cfg: cfg, geocoder: geocoder}
}

// Threshold returns the configured rejection threshold.
func (g *Gate) Threshold() float64 { return g.cfg.RejectThreshold }

// Validate scores enr against the candidate it was extracted from. The
// returned result carries a corrected copy of enr; the input is not
// modified. seed keys the deterministic default geocode; callers pass the
// job id, so a replay of the same job lands on the same point.
func (g *Gate) Validate(ctx context.Context, c model.CandidateRecord, enr *model.Enrichment, seed string) (*model.ValidationResult, error) {
	res := &model.ValidationResult{Threshold: g.cfg.RejectThreshold}
	if enr == nil {
		res.Rejected = true
		res.Reasons = append(res.Reasons, "no enrichment result")
		res.Enrichment = &model.Enrichment{}
		return res, nil
	}

	work := enr.Clone()
	work.Sanitize()
	if work.Organization == nil {
		work.Organization = model.FieldSet{}
	}
	if work.Location == nil {
		work.Location = model.FieldSet{}
	}
	res.Enrichment = work

	src := newSource(c)
	var chk checks

	g.correctContacts(res, src, &chk)
	g.correctAddress(res, &chk)

	if name, ok := work.Organization.Get(model.FieldName); ok && strings.TrimSpace(name) != "" {
		chk.ground(src.hasName(name))
	} else {
		res.Rejected = true
		res.Reasons = append(res.Reasons, "missing organization name")
	}
	if len(work.Location) == 0 {
		res.Rejected = true
		res.Reasons = append(res.Reasons, "missing location")
	}

	// Geocoding calls out to providers, so rejected results skip it.
	if !res.Rejected {
		if err := g.correctCoordinates(ctx, res, seed, &chk); err != nil {
			return nil, err
		}
	}

	score := computeScore(work, chk, g.cfg)
	res.Confidence = score.Final
	if score.Final < g.cfg.RejectThreshold {
		res.Rejected = true
		res.Reasons = append(res.Reasons, fmt.Sprintf("confidence %.1f below threshold %.1f", score.Final, g.cfg.RejectThreshold))
	}

	log := zap.L().With(
		zap.String("source_id", c.SourceID),
		zap.Float64("score", score.Final),
		zap.Float64("completeness", score.Completeness),
		zap.Float64("coherence", score.Coherence),
		zap.Float64("grounding", score.Grounding),
		zap.Int("corrections", len(res.Corrections)),
	)
	if res.Rejected {
		log.Info("gate: rejected", zap.Strings("reasons", res.Reasons))
	} else {
		log.Debug("gate: passed")
	}
	return res, nil
}

func (g *Gate) correct(res *model.ValidationResult, t model.EntityType, field string, to *string, reason string) {
	fs := res.Enrichment.Fields(t)
	from := fs[field]
	if to == nil {
		delete(fs, field)
	} else {
		fs[field] = to
	}
	res.Corrections = append(res.Corrections, model.Correction{
		Entity: t,
		Field:  field,
		From:   from,
		To:     to,
		Reason: reason,
	})
}

// correctContacts normalizes phone numbers and drops contact values that are
// malformed or do not appear in the source text.
func (g *Gate) correctContacts(res *model.ValidationResult, src source, chk *checks) {
	for _, t := range []model.EntityType{model.EntityOrganization, model.EntityLocation, model.EntityService} {
		fs := res.Enrichment.Fields(t)
		if fs == nil {
			continue
		}

		if raw, ok := fs.Get(model.FieldPhone); ok {
			formatted, valid := normalize.Phone(raw)
			switch {
			case !valid:
				chk.invalidPhones++
				g.correct(res, t, model.FieldPhone, nil, "invalid phone number")
			case !src.hasPhone(raw):
				chk.ground(false)
				g.correct(res, t, model.FieldPhone, nil, "phone not found in source")
			default:
				chk.ground(true)
				if formatted != raw {
					g.correct(res, t, model.FieldPhone, &formatted, "normalized phone format")
				}
			}
		}

		if raw, ok := fs.Get(model.FieldEmail); ok {
			addr, err := mail.ParseAddress(strings.TrimSpace(raw))
			switch {
			case err != nil:
				chk.invalidEmails++
				g.correct(res, t, model.FieldEmail, nil, "invalid email address")
			case !src.hasEmail(addr.Address):
				chk.ground(false)
				g.correct(res, t, model.FieldEmail, nil, "email not found in source")
			default:
				chk.ground(true)
				if lower := strings.ToLower(addr.Address); lower != raw {
					g.correct(res, t, model.FieldEmail, &lower, "normalized email")
				}
			}
		}

		if raw, ok := fs.Get(model.FieldWebsite); ok {
			grounded := src.hasWebsite(raw)
			chk.ground(grounded)
			if !grounded {
				g.correct(res, t, model.FieldWebsite, nil, "website not found in source")
			}
		}
	}
}

// correctAddress drops placeholder street lines and records incoherent
// state and postal values.
func (g *Gate) correctAddress(res *model.ValidationResult, chk *checks) {
	loc := res.Enrichment.Location
	if street, ok := loc[model.FieldAddress]; ok && street != nil && normalize.IsPlaceholderAddress(*street) {
		chk.placeholder = true
		g.correct(res, model.EntityLocation, model.FieldAddress, nil, "placeholder address")
	}
	if state, ok := loc.Get(model.FieldStateProvince); ok && state != "" && !knownState(state) {
		chk.badState = true
	}
	if postal, ok := loc.Get(model.FieldPostalCode); ok && postal != "" && !zipRe.MatchString(strings.TrimSpace(postal)) {
		chk.badPostal = true
	}
}

// correctCoordinates replaces missing, out-of-range or (0,0) coordinates
// through the geocoding chain.
func (g *Gate) correctCoordinates(ctx context.Context, res *model.ValidationResult, seed string, chk *checks) error {
	loc := res.Enrichment.Location
	if validCoordinates(loc) {
		return nil
	}
	chk.missingCoords = true

	addr := geocode.AddressInput{
		City:    value(loc, model.FieldCity),
		State:   value(loc, model.FieldStateProvince),
		ZipCode: value(loc, model.FieldPostalCode),
		Seed:    seed,
	}
	if street, ok := loc.Get(model.FieldAddress); ok {
		addr.Street = street
	}

	var result *geocode.Result
	if g.geocoder != nil && (addr.Street != "" || addr.City != "" || addr.ZipCode != "") {
		out, err := g.geocoder.Geocode(ctx, addr)
		if err != nil {
			return eris.Wrap(err, "gate: geocode")
		}
		if out != nil {
			result = out.Result
			zap.L().Debug("gate: geocode attempts", zap.Any("attempts", out.Attempts))
		}
	}

	if result == nil || !result.Matched {
		chk.geoUnavailable = true
		for _, f := range []string{model.FieldLatitude, model.FieldLongitude} {
			if _, ok := loc[f]; ok {
				g.correct(res, model.EntityLocation, f, nil, "coordinates unavailable")
			}
		}
		return nil
	}

	lat := strconv.FormatFloat(result.Latitude, 'f', 6, 64)
	lon := strconv.FormatFloat(result.Longitude, 'f', 6, 64)
	reason := "geocoded via " + result.Source
	g.correct(res, model.EntityLocation, model.FieldLatitude, &lat, reason)
	g.correct(res, model.EntityLocation, model.FieldLongitude, &lon, reason)
	res.GeoSource = result.Source
	chk.approximate = result.Approximate()
	return nil
}

func validCoordinates(fs model.FieldSet) bool {
	lat, err1 := strconv.ParseFloat(value(fs, model.FieldLatitude), 64)
	lon, err2 := strconv.ParseFloat(value(fs, model.FieldLongitude), 64)
	if err1 != nil || err2 != nil {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return lat != 0 || lon != 0
}

func value(fs model.FieldSet, field string) string {
	v, _ := fs.Get(field)
	return strings.TrimSpace(v)
}
