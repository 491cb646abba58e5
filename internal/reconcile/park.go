package reconcile

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/internal/store"
)

// Park records an ambiguous match for operator review. Parking the same job
// twice keeps the first open entry.
func (e *Engine) Park(ctx context.Context, jobID string, payload model.JobPayload, amb *AmbiguousMatchError) (*model.ParkedMatch, error) {
	pm := &model.ParkedMatch{
		JobID:      jobID,
		EntityType: amb.EntityType,
		Candidates: amb.Candidates,
		Payload:    payload,
		Status:     model.ParkedOpen,
	}
	if err := e.store.SaveParked(ctx, pm); err != nil {
		return nil, eris.Wrapf(err, "reconcile: park job %s", jobID)
	}
	zap.L().Info("reconcile: parked",
		zap.String("job_id", jobID),
		zap.String("parked_id", pm.ID),
		zap.String("entity_type", string(amb.EntityType)),
	)
	return pm, nil
}

// Resolve closes a parked match with the operator's choice, either an
// existing entity id or ForceNew, and returns the job payload with the
// choice recorded in Forced. The caller re-queues the job at the
// reconciliation stage.
func (e *Engine) Resolve(ctx context.Context, parkedID, choice string) (*model.ParkedMatch, error) {
	pm, err := e.store.GetParked(ctx, parkedID)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: load parked %s", parkedID)
	}
	if pm.Status != model.ParkedOpen {
		return nil, resilience.NewPermanentError(eris.Errorf("reconcile: parked match %s is already %s", parkedID, pm.Status))
	}
	if choice == "" {
		return nil, resilience.NewPermanentError(eris.New("reconcile: a resolution choice is required"))
	}

	resolution := "new"
	if choice != ForceNew {
		ent, err := e.store.GetEntity(ctx, choice)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: load chosen entity %s", choice)
		}
		if ent.Type != pm.EntityType {
			return nil, resilience.NewPermanentError(eris.Errorf("reconcile: entity %s is a %s, parked match needs a %s", choice, ent.Type, pm.EntityType))
		}
		resolution = "entity:" + choice
	}

	if err := e.store.ResolveParked(ctx, parkedID, resolution); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, eris.Wrapf(err, "reconcile: resolve parked %s", parkedID)
	}

	if pm.Payload.Forced == nil {
		pm.Payload.Forced = make(map[model.EntityType]string)
	}
	pm.Payload.Forced[pm.EntityType] = choice
	pm.Status = model.ParkedResolved
	pm.Resolution = resolution
	return pm, nil
}
