// Package pipeline drives candidate records through the job queue:
// enrichment, validation, reconciliation and archival. Each stage handler
// reads the job payload, does its work and either advances the same job to
// the next stage or moves it to a final state.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/archive"
	"github.com/sells-group/locsync/internal/enrich"
	"github.com/sells-group/locsync/internal/fingerprint"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/monitoring"
	"github.com/sells-group/locsync/internal/queue"
	"github.com/sells-group/locsync/internal/reconcile"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/internal/store"
	"github.com/sells-group/locsync/internal/validate"
)

// Deps are the collaborators a Pipeline needs. Cache and Metrics may be nil.
type Deps struct {
	Queue    *queue.Queue
	Store    store.Store
	Cache    fingerprint.Cache
	Enricher enrich.Enricher
	Gate     *validate.Gate
	Engine   *reconcile.Engine
	Archive  *archive.Writer
	Metrics  *monitoring.Metrics
}

// Pipeline submits candidates and handles leased jobs.
type Pipeline struct {
	queue    *queue.Queue
	store    store.Store
	cache    fingerprint.Cache
	loader   *fingerprint.Loader
	enricher enrich.Enricher
	gate     *validate.Gate
	engine   *reconcile.Engine
	archive  *archive.Writer
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for submission and archive
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(d Deps, opts ...Option) (*Pipeline, error) {
	if d.Queue == nil || d.Store == nil || d.Enricher == nil || d.Gate == nil || d.Engine == nil || d.Archive == nil {
		return nil, eris.New("pipeline: queue, store, enricher, gate, engine and archive are required")
	}
	p := &Pipeline{
		queue:    d.Queue,
		store:    d.Store,
		cache:    d.Cache,
		loader:   fingerprint.NewLoader(d.Cache),
		enricher: d.Enricher,
		gate:     d.Gate,
		engine:   d.Engine,
		archive:  d.Archive,
		metrics:  d.Metrics,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Submit fingerprints a candidate and enqueues it. A fingerprint cache hit
// skips enrichment: the job starts at validation with the cached result.
// It returns as soon as the job is durable.
func (p *Pipeline) Submit(ctx context.Context, c model.CandidateRecord) (*queue.Job, error) {
	if c.SourceID == "" {
		return nil, resilience.NewPermanentError(eris.New("pipeline: source_id is required"))
	}
	if c.Empty() {
		return nil, resilience.NewPermanentError(eris.Errorf("pipeline: candidate from %s has no content", c.SourceID))
	}

	fp := fingerprint.Compute(c)
	payload := model.JobPayload{
		Candidate:   c,
		Fingerprint: fp,
		SubmittedAt: p.now().UTC(),
	}
	stage := model.StageEnrichment

	if enr := p.lookup(ctx, fp); enr != nil {
		payload.Enrichment = enr
		payload.CacheHit = true
		stage = model.StageValidation
	}

	job, err := p.queue.Enqueue(ctx, stage, payload)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: submit")
	}
	zap.L().Info("pipeline: submitted",
		zap.String("job_id", job.ID),
		zap.String("source_id", c.SourceID),
		zap.String("fingerprint", fingerprint.Short(fp)),
		zap.String("stage", string(stage)),
	)
	return job, nil
}

// lookup consults the fingerprint cache. Errors count as a miss.
func (p *Pipeline) lookup(ctx context.Context, fp string) *model.Enrichment {
	if p.cache == nil {
		return nil
	}
	enr, err := p.cache.Get(ctx, fp)
	if err != nil {
		zap.L().Warn("pipeline: fingerprint cache unavailable",
			zap.String("fingerprint", fingerprint.Short(fp)),
			zap.Error(err),
		)
		p.metrics.ObserveCache(false)
		return nil
	}
	p.metrics.ObserveCache(enr != nil)
	return enr
}

// outcome labels for job metrics.
const (
	outcomeAdvanced  = "advanced"
	outcomeSucceeded = "succeeded"
	outcomeRejected  = "rejected"
	outcomeParked    = "parked"
	outcomeFailed    = "failed"
	outcomeLostLease = "lost_lease"
)

// Handle runs the stage handler for a leased job and records the result on
// the queue. Handler errors become queue failures classified by
// resilience.Classify. Handle returns an error only when the queue itself
// could not be updated.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job, owner string) error {
	start := time.Now()
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("stage", string(job.Stage)),
		zap.String("fingerprint", fingerprint.Short(job.Fingerprint)),
		zap.Int("attempt", job.Attempt),
	)

	lease := p.queue.Config().LeaseDuration
	hctx, cancel := context.WithTimeout(ctx, lease)
	defer cancel()

	outcome, err := p.dispatch(hctx, job, owner, log)
	if err == nil {
		p.metrics.ObserveJob(string(job.Stage), outcome, start)
		return nil
	}

	if errors.Is(err, queue.ErrJobNotOwned) {
		log.Warn("pipeline: lease lost, dropping result", zap.Error(err))
		p.metrics.ObserveJob(string(job.Stage), outcomeLostLease, start)
		return nil
	}
	if ctx.Err() != nil {
		// Shutdown: the lease runs out and the job is reclaimed.
		log.Info("pipeline: interrupted", zap.Error(err))
		return nil
	}

	state, ferr := p.queue.Fail(ctx, job.ID, owner, err)
	if ferr != nil {
		if errors.Is(ferr, queue.ErrJobNotOwned) {
			log.Warn("pipeline: lease lost before failure was recorded", zap.Error(err))
			return nil
		}
		return eris.Wrapf(ferr, "pipeline: record failure of job %s", job.ID)
	}
	p.metrics.ObserveJob(string(job.Stage), outcomeFailed, start)
	log.Debug("pipeline: stage failed", zap.String("state", string(state)), zap.Error(err))
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, job *queue.Job, owner string, log *zap.Logger) (string, error) {
	payload, err := job.DecodePayload()
	if err != nil {
		return "", err
	}
	switch job.Stage {
	case model.StageEnrichment:
		return p.enrichStage(ctx, job, owner, payload, log)
	case model.StageValidation:
		return p.validateStage(ctx, job, owner, payload, log)
	case model.StageReconciliation:
		return p.reconcileStage(ctx, job, owner, payload, log)
	case model.StageArchival:
		return p.archiveStage(ctx, job, owner, payload, log)
	default:
		return "", resilience.NewPermanentError(eris.Errorf("pipeline: job %s has unknown stage %q", job.ID, job.Stage))
	}
}
