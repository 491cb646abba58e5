package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/locsync/internal/model"
)

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	// Stages limits the stages this pool leases. Empty means all.
	Stages []model.Stage
	// Owner prefixes lease owner ids. Defaults to hostname-pid.
	Owner string
}

func (c *WorkerConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// ProcessNext leases one job and handles it. It reports whether a job was
// available.
func (p *Pipeline) ProcessNext(ctx context.Context, owner string, stages ...model.Stage) (bool, error) {
	job, err := p.queue.Lease(ctx, owner, stages...)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: lease")
	}
	if job == nil {
		return false, nil
	}
	return true, p.Handle(ctx, job, owner)
}

// Drain processes jobs until none is visible and returns how many were
// handled. Jobs waiting out a backoff are not visible.
func (p *Pipeline) Drain(ctx context.Context, owner string, stages ...model.Stage) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := p.ProcessNext(ctx, owner, stages...)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Run starts the worker pool and the lease reclaimer. It blocks until ctx
// is cancelled or a worker hits a queue error.
func (p *Pipeline) Run(ctx context.Context, cfg WorkerConfig) error {
	cfg.defaults()
	log := zap.L().With(zap.String("component", "pipeline.worker"))
	log.Info("starting workers",
		zap.Int("concurrency", cfg.Concurrency),
		zap.String("owner", cfg.Owner),
		zap.Duration("lease", p.queue.Config().LeaseDuration),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.reclaimLoop(gctx, cfg.ReclaimInterval, log)
	})

	for i := range cfg.Concurrency {
		owner := fmt.Sprintf("%s/%d/%s", cfg.Owner, i, uuid.NewString()[:8])
		g.Go(func() error {
			return p.workLoop(gctx, owner, cfg, log)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("workers stopped")
	return nil
}

func (p *Pipeline) workLoop(ctx context.Context, owner string, cfg WorkerConfig, log *zap.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := p.ProcessNext(ctx, owner, cfg.Stages...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("worker: queue error", zap.String("owner", owner), zap.Error(err))
			return err
		}
		if ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}

func (p *Pipeline) reclaimLoop(ctx context.Context, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.queue.ReclaimExpired(ctx)
			if err != nil {
				log.Warn("worker: reclaim expired leases failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("worker: reclaimed expired leases", zap.Int("jobs", n))
			}
		}
	}
}
