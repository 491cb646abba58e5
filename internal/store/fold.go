package store

import (
	"fmt"
	"sort"

	"github.com/sells-group/locsync/internal/model"
)

// Fold projects version events into entities. Events are applied per entity
// in (occurred_at, seq) order; the input slice is not modified.
func Fold(events []model.VersionEvent) map[string]*model.Entity {
	sorted := make([]model.VersionEvent, len(events))
	copy(sorted, events)
	sortEvents(sorted)

	out := make(map[string]*model.Entity)
	for _, ev := range sorted {
		e, ok := out[ev.EntityID]
		if !ok {
			e = &model.Entity{ID: ev.EntityID, Type: ev.EntityType, Fields: map[string]model.FieldState{}}
			out[ev.EntityID] = e
		}
		applyEvent(e, ev)
	}
	return out
}

func sortEvents(events []model.VersionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].Seq < events[j].Seq
	})
}

// applyEvent sets one field and advances the entity's version and
// timestamps. It is the only place projection state changes.
func applyEvent(e *model.Entity, ev model.VersionEvent) {
	if e.Fields == nil {
		e.Fields = map[string]model.FieldState{}
	}
	if e.Type == "" {
		e.Type = ev.EntityType
	}
	var v *string
	if ev.NewValue != nil {
		s := *ev.NewValue
		v = &s
	}
	e.Fields[ev.Field] = model.FieldState{
		Value:      v,
		JobID:      ev.JobID,
		Confidence: ev.Confidence,
		EventSeq:   ev.Seq,
		UpdatedAt:  ev.OccurredAt,
	}
	if e.CreatedAt.IsZero() || ev.OccurredAt.Before(e.CreatedAt) {
		e.CreatedAt = ev.OccurredAt
	}
	if ev.OccurredAt.After(e.UpdatedAt) {
		e.UpdatedAt = ev.OccurredAt
	}
	if ev.Seq > e.Version {
		e.Version = ev.Seq
	}
}

// diffEntities reports differences between a stored projection and a fold.
func diffEntities(stored, folded map[string]*model.Entity) []Drift {
	var out []Drift
	ids := make([]string, 0, len(folded)+len(stored))
	for id := range folded {
		ids = append(ids, id)
	}
	for id := range stored {
		if _, ok := folded[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		want, got := folded[id], stored[id]
		switch {
		case got == nil:
			out = append(out, Drift{EntityID: id, Detail: "entity missing from projection"})
			continue
		case want == nil:
			out = append(out, Drift{EntityID: id, Detail: "entity has no events"})
			continue
		}
		if want.Version != got.Version {
			out = append(out, Drift{EntityID: id, Detail: fmt.Sprintf("version %d, log says %d", got.Version, want.Version)})
		}
		if want.Type != got.Type {
			out = append(out, Drift{EntityID: id, Detail: fmt.Sprintf("type %s, log says %s", got.Type, want.Type)})
		}
		fields := make([]string, 0, len(want.Fields))
		for f := range want.Fields {
			fields = append(fields, f)
		}
		for f := range got.Fields {
			if _, ok := want.Fields[f]; !ok {
				fields = append(fields, f)
			}
		}
		sort.Strings(fields)
		for _, f := range fields {
			w, wok := want.Fields[f]
			g, gok := got.Fields[f]
			switch {
			case !gok:
				out = append(out, Drift{EntityID: id, Field: f, Detail: "field missing from projection"})
			case !wok:
				out = append(out, Drift{EntityID: id, Field: f, Detail: "field has no event"})
			case !model.EqualValues(w.Value, g.Value):
				out = append(out, Drift{EntityID: id, Field: f, Detail: fmt.Sprintf("value %s, log says %s", show(g.Value), show(w.Value))})
			case w.JobID != g.JobID || w.EventSeq != g.EventSeq:
				out = append(out, Drift{EntityID: id, Field: f, Detail: fmt.Sprintf("attributed to %s/%d, log says %s/%d", g.JobID, g.EventSeq, w.JobID, w.EventSeq)})
			}
		}
	}
	return out
}

func show(v *string) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%q", *v)
}

func sortedEntities(m map[string]*model.Entity) []*model.Entity {
	out := make([]*model.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
