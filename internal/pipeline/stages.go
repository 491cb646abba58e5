package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/archive"
	"github.com/sells-group/locsync/internal/fingerprint"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
	"github.com/sells-group/locsync/internal/reconcile"
	"github.com/sells-group/locsync/internal/resilience"
)

// enrichStage calls the provider through the fingerprint loader, which
// re-checks the cache and shares in-process calls for the same
// fingerprint.
func (p *Pipeline) enrichStage(ctx context.Context, job *queue.Job, owner string, payload model.JobPayload, log *zap.Logger) (string, error) {
	fp := payload.Fingerprint
	if fp == "" {
		fp = fingerprint.Compute(payload.Candidate)
		payload.Fingerprint = fp
	}

	enr, src, err := p.loader.Load(ctx, fp, func(ctx context.Context) (*model.Enrichment, error) {
		e, err := p.enricher.Enrich(ctx, job.ID, payload.Candidate)
		if err != nil {
			p.metrics.ObserveEnrichment(string(resilience.Classify(err)))
			return nil, err
		}
		p.metrics.ObserveEnrichment("ok")
		return e, nil
	})
	if err != nil {
		return "", err
	}

	payload.Enrichment = enr
	payload.CacheHit = src == fingerprint.SourceCache
	if payload.CacheHit {
		log.Debug("pipeline: fingerprint cache hit at enrichment")
	}
	if err := p.queue.Advance(ctx, job.ID, owner, model.StageValidation, payload); err != nil {
		return "", err
	}
	return outcomeAdvanced, nil
}

// validateStage runs the gate. Rejections are saved for review, archived
// and end the job; everything else moves on to reconciliation.
func (p *Pipeline) validateStage(ctx context.Context, job *queue.Job, owner string, payload model.JobPayload, log *zap.Logger) (string, error) {
	if payload.Enrichment == nil {
		return "", resilience.NewPermanentError(eris.Errorf("pipeline: job %s reached validation without an enrichment", job.ID))
	}

	res, err := p.gate.Validate(ctx, payload.Candidate, payload.Enrichment, job.ID)
	if err != nil {
		return "", err
	}
	payload.Validation = res

	if res.Rejected {
		return p.reject(ctx, job, owner, payload, log)
	}
	if err := p.queue.Advance(ctx, job.ID, owner, model.StageReconciliation, payload); err != nil {
		return "", err
	}
	return outcomeAdvanced, nil
}

func (p *Pipeline) reject(ctx context.Context, job *queue.Job, owner string, payload model.JobPayload, log *zap.Logger) (string, error) {
	res := payload.Validation
	rej := &model.Rejection{
		ID:         job.ID,
		JobID:      job.ID,
		SourceID:   payload.Candidate.SourceID,
		Confidence: res.Confidence,
		Reasons:    res.Reasons,
		Result:     res,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.SaveRejection(ctx, rej); err != nil {
		return "", eris.Wrapf(err, "pipeline: save rejection for job %s", job.ID)
	}
	if err := p.archiveAs(ctx, job.ID, payload, archive.OutcomeRejected); err != nil {
		return "", err
	}

	reason := rejectionReason(res)
	if err := p.queue.Reject(ctx, job.ID, owner, reason); err != nil {
		return "", err
	}
	log.Warn("pipeline: rejected",
		zap.Float64("confidence", res.Confidence),
		zap.String("reason", reason),
	)
	return outcomeRejected, nil
}

func rejectionReason(res *model.ValidationResult) string {
	msg := fmt.Sprintf("confidence %.1f below threshold %.1f", res.Confidence, res.Threshold)
	if len(res.Reasons) > 0 {
		msg += ": " + strings.Join(res.Reasons, "; ")
	}
	return msg
}

// reconcileStage merges the validated record. Ambiguous matches are parked
// for an operator.
func (p *Pipeline) reconcileStage(ctx context.Context, job *queue.Job, owner string, payload model.JobPayload, log *zap.Logger) (string, error) {
	res, err := p.engine.Reconcile(ctx, reconcile.InputFromPayload(job.ID, payload, model.ActorReconcile))

	var amb *reconcile.AmbiguousMatchError
	switch {
	case errors.As(err, &amb):
		return p.park(ctx, job, owner, payload, amb, log)
	case errors.Is(err, reconcile.ErrRejected):
		if err := p.queue.Reject(ctx, job.ID, owner, err.Error()); err != nil {
			return "", err
		}
		return outcomeRejected, nil
	case err != nil:
		return "", err
	}

	payload.Result = res
	if !res.AlreadyApplied {
		p.metrics.AddVersionEvents(res.Events)
	}
	log.Debug("pipeline: reconciled",
		zap.Int("events", res.Events),
		zap.Bool("already_applied", res.AlreadyApplied),
	)
	if err := p.queue.Advance(ctx, job.ID, owner, model.StageArchival, payload); err != nil {
		return "", err
	}
	return outcomeAdvanced, nil
}

func (p *Pipeline) park(ctx context.Context, job *queue.Job, owner string, payload model.JobPayload, amb *reconcile.AmbiguousMatchError, log *zap.Logger) (string, error) {
	pm, err := p.engine.Park(ctx, job.ID, payload, amb)
	if err != nil {
		return "", err
	}
	payload.Result = &model.ReconcileResult{JobID: job.ID, Parked: true, ParkedID: pm.ID}
	if err := p.archiveAs(ctx, job.ID, payload, archive.OutcomeParked); err != nil {
		return "", err
	}
	if err := p.queue.Park(ctx, job.ID, owner, amb.Error()); err != nil {
		return "", err
	}
	log.Warn("pipeline: parked ambiguous match",
		zap.String("parked_id", pm.ID),
		zap.String("entity_type", string(amb.EntityType)),
	)
	return outcomeParked, nil
}

// archiveStage writes the finished job to the archive and completes it.
// A redelivered job may append a second row; replay skips it as already
// applied.
func (p *Pipeline) archiveStage(ctx context.Context, job *queue.Job, owner string, payload model.JobPayload, log *zap.Logger) (string, error) {
	if payload.Result == nil {
		return "", resilience.NewPermanentError(eris.Errorf("pipeline: job %s reached archival without a result", job.ID))
	}
	if err := p.archiveAs(ctx, job.ID, payload, archive.OutcomeApplied); err != nil {
		return "", err
	}
	if err := p.queue.Complete(ctx, job.ID, owner, &payload); err != nil {
		return "", err
	}
	log.Info("pipeline: job complete", zap.Any("entity_ids", payload.Result.EntityIDs))
	return outcomeSucceeded, nil
}

func (p *Pipeline) archiveAs(ctx context.Context, jobID string, payload model.JobPayload, outcome archive.Outcome) error {
	rec, err := archive.NewRecord(jobID, payload, outcome, p.now())
	if err != nil {
		return err
	}
	if _, err := p.archive.Append(ctx, rec); err != nil {
		return eris.Wrapf(err, "pipeline: archive job %s", jobID)
	}
	return nil
}
