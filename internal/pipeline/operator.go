package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
	"github.com/sells-group/locsync/internal/reconcile"
)

// ResolveParked applies an operator's choice to a parked match and puts the
// job back at reconciliation with the match forced. choice is an entity id
// or reconcile.ForceNew.
func (p *Pipeline) ResolveParked(ctx context.Context, parkedID, choice string) (*model.ParkedMatch, error) {
	pm, err := p.engine.Resolve(ctx, parkedID, choice)
	if err != nil {
		return nil, err
	}
	if err := p.queue.Requeue(ctx, pm.JobID, model.StageReconciliation, &pm.Payload); err != nil {
		return nil, eris.Wrapf(err, "pipeline: requeue parked job %s", pm.JobID)
	}
	zap.L().Info("pipeline: parked match resolved",
		zap.String("parked_id", parkedID),
		zap.String("job_id", pm.JobID),
		zap.String("resolution", pm.Resolution),
	)
	return pm, nil
}

// Requeue retries a terminal job at the stage it failed in.
func (p *Pipeline) Requeue(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := p.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State == queue.StateParked {
		return nil, eris.Wrapf(queue.ErrNotRequeueable, "job %s is parked; resolve the parked match instead", jobID)
	}
	if err := p.queue.Requeue(ctx, jobID, job.Stage, nil); err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: job requeued", zap.String("job_id", jobID), zap.String("stage", string(job.Stage)))
	return p.queue.Get(ctx, jobID)
}

// ForceNew re-exports the parked-match choice that creates a new entity.
const ForceNew = reconcile.ForceNew
