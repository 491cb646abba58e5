package reconcile

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
	"github.com/sells-group/locsync/internal/store"
)

// Match tiers, strongest first.
const (
	tierExact = 3 // same normalized name and address
	tierFuzzy = 2 // nearby or same address, similar name
)

type scored struct {
	entity model.Entity
	cand   model.MatchCandidate
}

// matcher finds the existing entity an incoming record refers to.
type matcher struct {
	st  store.Store
	cfg MatchConfig
}

// location matches by exact name and address, then by proximity or shared
// address combined with a similar name. When either side has no name the
// address or proximity alone decides. Every key the creation guard checks
// is found here as an exact match.
func (m matcher) location(ctx context.Context, k normalize.Keys) (*model.Entity, error) {
	q := store.MatchQuery{
		Type:       model.EntityLocation,
		MatchKey:   k.Match,
		AddressKey: k.Address,
		Limit:      m.cfg.CandidateLimit,
	}
	here := pointOf(k)
	if here != nil {
		q.Near = &store.Point{Lat: here.Y(), Lon: here.X()}
		q.RadiusM = m.cfg.LocationRadiusM
	}
	if q.MatchKey == "" && q.AddressKey == "" && q.Near == nil {
		return nil, nil
	}
	found, err := m.st.FindCandidates(ctx, q)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: find location candidates")
	}

	var out []scored
	for _, e := range found {
		ek := normalize.ForEntity(&e)
		c := model.MatchCandidate{EntityID: e.ID}
		there := pointOf(ek)
		if here != nil && there != nil {
			c.Distance = math.Round(distanceM(here, there)*10) / 10
		}

		if k.Match != "" && ek.Match == k.Match {
			c.Tier, c.Score = tierExact, 1
			out = append(out, scored{entity: e, cand: c})
			continue
		}
		near := here != nil && there != nil && c.Distance <= m.cfg.LocationRadiusM
		sameAddress := k.Address != "" && ek.Address == k.Address
		if k.Name == "" || ek.Name == "" {
			switch {
			case sameAddress:
				c.Tier, c.Score = tierFuzzy, 1
			case near && k.Name == "":
				c.Tier, c.Score = tierFuzzy, round3(1-c.Distance/m.cfg.LocationRadiusM)
			default:
				continue
			}
			out = append(out, scored{entity: e, cand: c})
			continue
		}
		sim := normalize.Similarity(k.Name, ek.Name)
		if (near || sameAddress) && sim >= m.cfg.LocationNameSimilarity {
			c.Tier, c.Score = tierFuzzy, round3(sim)
			out = append(out, scored{entity: e, cand: c})
		}
	}
	return pick(model.EntityLocation, out, m.cfg.AmbiguityMargin)
}

// organization matches by exact normalized name, then by name similarity
// among entities sharing a name prefix.
func (m matcher) organization(ctx context.Context, k normalize.Keys) (*model.Entity, error) {
	return m.byName(ctx, model.EntityOrganization, "", k, m.cfg.OrgNameSimilarity)
}

// service matches within one organization.
func (m matcher) service(ctx context.Context, orgID string, k normalize.Keys) (*model.Entity, error) {
	return m.byName(ctx, model.EntityService, orgID, k, m.cfg.ServiceNameSimilarity)
}

func (m matcher) byName(ctx context.Context, t model.EntityType, parentID string, k normalize.Keys, threshold float64) (*model.Entity, error) {
	if k.Name == "" {
		return nil, nil
	}
	found, err := m.st.FindCandidates(ctx, store.MatchQuery{
		Type:       t,
		ParentID:   parentID,
		MatchKey:   k.Match,
		NamePrefix: prefix(k.Name, m.cfg.NamePrefixLen),
		Limit:      m.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: find %s candidates", t)
	}

	var out []scored
	for _, e := range found {
		ek := normalize.ForEntity(&e)
		c := model.MatchCandidate{EntityID: e.ID}
		sim := normalize.Similarity(k.Name, ek.Name)
		switch {
		case ek.Name == k.Name:
			c.Tier, c.Score = tierExact, 1
		case sim >= threshold:
			c.Tier, c.Score = tierFuzzy, round3(sim)
		default:
			continue
		}
		out = append(out, scored{entity: e, cand: c})
	}
	return pick(t, out, m.cfg.AmbiguityMargin)
}

// serviceAtLocation finds the existing link between a service and a
// location.
func (m matcher) serviceAtLocation(ctx context.Context, k normalize.Keys) (*model.Entity, error) {
	found, err := m.st.FindCandidates(ctx, store.MatchQuery{
		Type:     model.EntityServiceAtLocation,
		MatchKey: k.Match,
		Limit:    2,
	})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: find service_at_location")
	}
	for i := range found {
		if normalize.ForEntity(&found[i]).Match == k.Match {
			return &found[i], nil
		}
	}
	return nil, nil
}

// pick returns the strongest candidate. Two candidates in the same tier
// whose scores are within margin are ambiguous.
func pick(t model.EntityType, cands []scored, margin float64) (*model.Entity, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].cand, cands[j].cand
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.EntityID < b.EntityID
	})

	best := cands[0].cand
	var tied []model.MatchCandidate
	for _, c := range cands {
		if c.cand.Tier == best.Tier && best.Score-c.cand.Score <= margin {
			tied = append(tied, c.cand)
		}
	}
	if len(tied) > 1 {
		return nil, &AmbiguousMatchError{EntityType: t, Candidates: tied}
	}
	e := cands[0].entity
	return &e, nil
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
