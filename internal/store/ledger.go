package store

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
)

// ledgerTx is the per-backend surface applyChangeSet needs inside one
// transaction.
type ledgerTx interface {
	reconciled(ctx context.Context, jobID string) (*model.ReconcileResult, error)
	// loadEntity returns the projected entity, locking its row for the rest
	// of the transaction. It returns nil when the entity does not exist.
	loadEntity(ctx context.Context, id string) (*model.Entity, error)
	// matchKeyTaken serializes creators of key and reports whether an active
	// entity of type t other than exceptID already holds it.
	matchKeyTaken(ctx context.Context, t model.EntityType, key, exceptID string) (bool, error)
	insertEvent(ctx context.Context, ev *model.VersionEvent) error
	saveEntity(ctx context.Context, e *model.Entity, k normalize.Keys) error
	insertObservation(ctx context.Context, o model.Observation) error
	markReconciled(ctx context.Context, jobID string, res *model.ReconcileResult, at time.Time) error
}

// applyChangeSet writes a change set through tx. A job that was already
// applied returns its recorded result and writes nothing.
func applyChangeSet(ctx context.Context, tx ledgerTx, cs *ChangeSet, now time.Time) (*model.ReconcileResult, error) {
	if cs.JobID == "" {
		return nil, eris.New("store: change set has no job id")
	}
	prior, err := tx.reconciled(ctx, cs.JobID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		prior.AlreadyApplied = true
		return prior, nil
	}

	res := cs.Result
	res.JobID = cs.JobID
	res.Events = 0
	res.AlreadyApplied = false

	for _, ch := range cs.Changes {
		if len(ch.Events) == 0 {
			continue
		}
		cur, err := tx.loadEntity(ctx, ch.EntityID)
		if err != nil {
			return nil, err
		}
		switch {
		case ch.Create && cur != nil:
			return nil, eris.Wrapf(ErrConflict, "entity %s already exists", ch.EntityID)
		case !ch.Create && cur == nil:
			return nil, eris.Wrapf(ErrConflict, "entity %s does not exist", ch.EntityID)
		case !ch.Create && cur.Version != ch.ExpectedVersion:
			return nil, eris.Wrapf(ErrConflict, "entity %s at version %d, expected %d", ch.EntityID, cur.Version, ch.ExpectedVersion)
		}
		if cur == nil {
			cur = &model.Entity{ID: ch.EntityID, Type: ch.EntityType, Fields: map[string]model.FieldState{}}
		}

		// Events on one entity never go back in time, so folding by
		// timestamp reproduces commit order.
		at := now
		if cur.UpdatedAt.After(at) {
			at = cur.UpdatedAt
		}
		action := model.ActionUpdate
		if ch.Create {
			action = model.ActionCreate
		}

		for _, ev := range ch.Events {
			prev, set := cur.Fields[ev.Field]
			ev.EntityID = ch.EntityID
			ev.EntityType = ch.EntityType
			ev.PrevValue = prev.Value
			ev.PrevSet = set
			ev.Action = action
			ev.JobID = cs.JobID
			ev.Actor = cs.Actor
			ev.OccurredAt = at
			if ev.ID == "" {
				ev.ID = uuid.NewString()
			}
			if err := tx.insertEvent(ctx, &ev); err != nil {
				return nil, err
			}
			applyEvent(cur, ev)
			res.Events++
		}

		keys := normalize.ForEntity(cur)
		if ch.Create && !ch.SkipCreateGuard && keys.Match != "" {
			taken, err := tx.matchKeyTaken(ctx, ch.EntityType, keys.Match, ch.EntityID)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, eris.Wrapf(ErrConflict, "%s created concurrently", keys.Match)
			}
		}
		if err := tx.saveEntity(ctx, cur, keys); err != nil {
			return nil, err
		}
	}

	for _, o := range cs.Observations {
		o.JobID = cs.JobID
		if o.ObservedAt.IsZero() {
			o.ObservedAt = now
		}
		if err := tx.insertObservation(ctx, o); err != nil {
			return nil, err
		}
	}
	if err := tx.markReconciled(ctx, cs.JobID, &res, now); err != nil {
		return nil, err
	}
	return &res, nil
}

// boundingBox returns the lat/lon box enclosing a circle of radiusM around p.
func boundingBox(p Point, radiusM float64) (minLat, maxLat, minLon, maxLon float64) {
	const metersPerDegree = 111320.0
	dLat := radiusM / metersPerDegree
	cos := math.Cos(p.Lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := radiusM / (metersPerDegree * cos)
	return p.Lat - dLat, p.Lat + dLat, p.Lon - dLon, p.Lon + dLon
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal")
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(s), v), "store: unmarshal")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
