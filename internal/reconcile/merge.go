package reconcile

import (
	"github.com/sells-group/locsync/internal/model"
)

// votes counts distinct sources per value of one field.
type votes map[string]int

// tally counts the distinct sources behind each non-null observed value,
// including the incoming one.
func tally(obs []model.Observation, incoming *string, sourceID string) votes {
	seen := make(map[string]map[string]bool)
	add := func(v *string, src string) {
		if v == nil || src == "" {
			return
		}
		if seen[*v] == nil {
			seen[*v] = make(map[string]bool)
		}
		seen[*v][src] = true
	}
	for _, o := range obs {
		src := o.SourceID
		if src == "" {
			src = o.JobID
		}
		add(o.Value, src)
	}
	add(incoming, sourceID)

	out := make(votes, len(seen))
	for v, srcs := range seen {
		out[v] = len(srcs)
	}
	return out
}

// decide reports whether the incoming value replaces the current one and
// why. cur is nil when the field was never set.
func decide(fp FieldPolicy, cur *model.FieldState, incoming *string, conf float64, v votes) (bool, string) {
	var existing *string
	if cur != nil {
		existing = cur.Value
	}
	if model.EqualValues(existing, incoming) {
		return false, "unchanged"
	}
	if existing == nil || *existing == "" {
		if incoming == nil {
			return false, "both empty"
		}
		return true, "existing empty"
	}
	if conf > cur.Confidence {
		return true, "higher confidence"
	}
	if fp.Enumerable && incoming != nil {
		pro, con := v[*incoming], v[*existing]
		if pro >= fp.QuorumMin && pro > con {
			return true, "quorum"
		}
	}
	if conf == cur.Confidence && fp.TieBreak == TiePreferIncoming {
		return true, "tie prefers incoming"
	}
	return false, "existing kept"
}
