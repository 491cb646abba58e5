package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
)

var (
	// ErrJobNotOwned is returned when a worker acts on a job it no longer
	// holds the lease for.
	ErrJobNotOwned = eris.New("queue: job not owned by worker")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = eris.New("queue: job not found")
	// ErrNotRequeueable is returned when an operator requeues a live job.
	ErrNotRequeueable = eris.New("queue: job is still active")

	// errLeaseLost means another worker claimed the selected row first.
	errLeaseLost = eris.New("queue: lease lost")
)

// Config controls attempts, leases and backoff.
type Config struct {
	// MaxAttempts bounds non-quota failures before a job goes terminal.
	MaxAttempts int
	// LeaseDuration is how long a leased job stays invisible to other workers.
	LeaseDuration time.Duration
	// Transient is the schedule for ordinary retryable failures.
	Transient resilience.Backoff
	// Quota is the schedule for provider quota failures.
	Quota resilience.Backoff
	// QuotaEscalateAfter is the number of quota failures after which an
	// operator alert is raised. The job keeps retrying.
	QuotaEscalateAfter int
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		LeaseDuration:      5 * time.Minute,
		Transient:          resilience.TransientBackoff(),
		Quota:              resilience.QuotaBackoff(),
		QuotaEscalateAfter: 6,
	}
}

// EventKind names an operator-visible queue event.
type EventKind string

const (
	EventTerminal        EventKind = "job_failed_terminal"
	EventQuotaEscalation EventKind = "quota_escalation"
)

// Event is emitted for operator-visible transitions.
type Event struct {
	Kind EventKind
	Job  Job
}

// Notifier receives queue events.
type Notifier func(ctx context.Context, ev Event)

// Queue is a gorm-backed durable job queue.
type Queue struct {
	db     *gorm.DB
	cfg    Config
	now    func() time.Time
	notify []Notifier
	log    *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithNotifier registers a receiver for terminal and escalation events.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notify = append(q.notify, n) }
}

// Open opens the queue database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite", "":
		dial = sqlite.Open(dsn)
	default:
		return nil, eris.Errorf("queue: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: open %s", driver)
	}
	return db, nil
}

// New creates a queue over db.
func New(db *gorm.DB, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.Transient.Initial <= 0 {
		cfg.Transient = def.Transient
	}
	if cfg.Quota.Initial <= 0 {
		cfg.Quota = def.Quota
	}
	if cfg.QuotaEscalateAfter <= 0 {
		cfg.QuotaEscalateAfter = def.QuotaEscalateAfter
	}
	q := &Queue{
		db:  db,
		cfg: cfg,
		now: time.Now,
		log: zap.L().With(zap.String("component", "queue")),
	}
	for _, opt := range opts {
		opt(q)
	}
	// SQLite compares timestamps as text, so every stored time is UTC.
	clock := q.now
	q.now = func() time.Time { return clock().UTC() }
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Migrate creates the jobs table.
func (q *Queue) Migrate(ctx context.Context) error {
	return eris.Wrap(q.db.WithContext(ctx).AutoMigrate(&Job{}), "queue: migrate")
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return eris.Wrap(err, "queue: close")
	}
	return sqlDB.Close()
}

// Enqueue adds a new job for stage and returns it. The job is visible
// immediately.
func (q *Queue) Enqueue(ctx context.Context, stage model.Stage, payload model.JobPayload) (*Job, error) {
	if !stage.Valid() {
		return nil, eris.Errorf("queue: unknown stage %q", stage)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:            uuid.NewString(),
		Stage:         stage,
		State:         StateQueued,
		Payload:       raw,
		Fingerprint:   payload.Fingerprint,
		SourceID:      payload.Candidate.SourceID,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextVisibleAt: q.now(),
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, eris.Wrap(err, "queue: enqueue")
	}
	return job, nil
}

// Lease claims the oldest visible job for one of stages. It returns nil, nil
// when nothing is ready.
func (q *Queue) Lease(ctx context.Context, owner string, stages ...model.Stage) (*Job, error) {
	if len(stages) == 0 {
		stages = model.Stages
	}
	for i := 0; i < 5; i++ {
		job, err := q.leaseOnce(ctx, owner, stages)
		if errors.Is(err, errLeaseLost) {
			continue
		}
		return job, err
	}
	return nil, nil
}

// leaseOnce selects and claims one job in a single transaction. On Postgres
// the selected row stays locked until the claim commits.
func (q *Queue) leaseOnce(ctx context.Context, owner string, stages []model.Stage) (*Job, error) {
	now := q.now()
	var job Job
	var found bool
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.
			Where("state IN ?", []State{StateQueued, StateFailedRetryable}).
			Where("stage IN ?", stages).
			Where("next_visible_at <= ?", now).
			Order("next_visible_at ASC, created_at ASC")
		if q.db.Dialector.Name() == "postgres" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := sel.First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		expires := now.Add(q.cfg.LeaseDuration)
		res := tx.Model(&Job{}).
			Where("id = ? AND state = ? AND next_visible_at <= ?", job.ID, job.State, now).
			Updates(map[string]any{
				"state":            StateInFlight,
				"lease_owner":      owner,
				"lease_expires_at": expires,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLeaseLost
		}
		job.State = StateInFlight
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &expires
		found = true
		return nil
	})
	if errors.Is(err, errLeaseLost) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: lease")
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// Extend pushes the lease of an in-flight job forward.
func (q *Queue) Extend(ctx context.Context, id, owner string) error {
	return q.ownedUpdate(ctx, id, owner, map[string]any{
		"lease_expires_at": q.now().Add(q.cfg.LeaseDuration),
	})
}

// Advance hands the job to the next stage under the same id with a fresh
// attempt count.
func (q *Queue) Advance(ctx context.Context, id, owner string, next model.Stage, payload model.JobPayload) error {
	if !next.Valid() {
		return eris.Errorf("queue: unknown stage %q", next)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return q.ownedUpdate(ctx, id, owner, map[string]any{
		"stage":            next,
		"state":            StateQueued,
		"payload":          raw,
		"attempt":          0,
		"quota_attempts":   0,
		"escalated":        false,
		"last_error":       "",
		"next_visible_at":  q.now(),
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
}

// Complete marks the job succeeded.
func (q *Queue) Complete(ctx context.Context, id, owner string, payload *model.JobPayload) error {
	updates := map[string]any{
		"state":            StateSucceeded,
		"completed_at":     q.now(),
		"lease_owner":      "",
		"lease_expires_at": nil,
	}
	if payload != nil {
		raw, err := encodePayload(*payload)
		if err != nil {
			return err
		}
		updates["payload"] = raw
	}
	return q.ownedUpdate(ctx, id, owner, updates)
}

// Park moves the job out of the queue pending a manual decision.
func (q *Queue) Park(ctx context.Context, id, owner, reason string) error {
	return q.finish(ctx, id, owner, StateParked, reason)
}

// Reject records a validation rejection. The job is final.
func (q *Queue) Reject(ctx context.Context, id, owner, reason string) error {
	return q.finish(ctx, id, owner, StateRejected, reason)
}

func (q *Queue) finish(ctx context.Context, id, owner string, state State, reason string) error {
	return q.ownedUpdate(ctx, id, owner, map[string]any{
		"state":            state,
		"reason":           sanitizeError(reason),
		"completed_at":     q.now(),
		"lease_owner":      "",
		"lease_expires_at": nil,
	})
}

// Fail records a failed attempt and schedules the job according to the
// error's class. It returns the state the job ended up in.
//
// Quota failures back off on the quota schedule and never go terminal;
// permanent failures go terminal at once; everything else consumes an
// attempt and goes terminal when MaxAttempts is reached.
func (q *Queue) Fail(ctx context.Context, id, owner string, cause error) (State, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State != StateInFlight || job.LeaseOwner != owner {
		return "", ErrJobNotOwned
	}

	now := q.now()
	msg := ""
	if cause != nil {
		msg = sanitizeError(cause.Error())
	}
	updates := map[string]any{
		"last_error":       msg,
		"lease_owner":      "",
		"lease_expires_at": nil,
	}

	var next State
	var escalate bool
	switch resilience.Classify(cause) {
	case resilience.ClassQuota:
		n := job.QuotaAttempts + 1
		delay := q.cfg.Quota.Delay(n - 1)
		if hint := resilience.RetryAfter(cause); hint > delay {
			delay = hint
		}
		next = StateFailedRetryable
		updates["quota_attempts"] = n
		updates["next_visible_at"] = now.Add(delay)
		if n >= q.cfg.QuotaEscalateAfter && !job.Escalated {
			updates["escalated"] = true
			escalate = true
		}
	case resilience.ClassPermanent:
		next = StateFailedTerminal
		updates["attempt"] = job.Attempt + 1
		updates["reason"] = msg
		updates["completed_at"] = now
	default:
		n := job.Attempt + 1
		updates["attempt"] = n
		if n >= job.MaxAttempts {
			next = StateFailedTerminal
			updates["reason"] = "max attempts exceeded: " + msg
			updates["completed_at"] = now
		} else {
			next = StateFailedRetryable
			updates["next_visible_at"] = now.Add(q.cfg.Transient.Delay(n - 1))
		}
	}
	updates["state"] = next

	if err := q.ownedUpdate(ctx, id, owner, updates); err != nil {
		return "", err
	}

	log := q.log.With(zap.String("job_id", id), zap.String("stage", string(job.Stage)), zap.Error(cause))
	switch {
	case next == StateFailedTerminal:
		log.Error("job failed terminally", zap.Int("attempt", job.Attempt+1))
		if updated, err := q.Get(ctx, id); err == nil {
			q.emit(ctx, Event{Kind: EventTerminal, Job: *updated})
		}
	case escalate:
		log.Warn("quota backoff escalated", zap.Int("quota_attempts", job.QuotaAttempts+1))
		if updated, err := q.Get(ctx, id); err == nil {
			q.emit(ctx, Event{Kind: EventQuotaEscalation, Job: *updated})
		}
	default:
		log.Warn("job attempt failed, will retry")
	}
	return next, nil
}

// ReclaimExpired returns in-flight jobs whose lease has run out to the
// queue. A lost lease counts as a failed attempt. It returns the number of
// jobs reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	var expired []Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND lease_expires_at < ?", StateInFlight, q.now()).
		Find(&expired).Error
	if err != nil {
		return 0, eris.Wrap(err, "queue: find expired leases")
	}

	n := 0
	for _, job := range expired {
		_, err := q.Fail(ctx, job.ID, job.LeaseOwner, eris.New("lease expired"))
		if errors.Is(err, ErrJobNotOwned) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Requeue puts a final job back in the queue at stage, optionally with a new
// payload. Only operators call it.
func (q *Queue) Requeue(ctx context.Context, id string, stage model.Stage, payload *model.JobPayload) error {
	if !stage.Valid() {
		return eris.Errorf("queue: unknown stage %q", stage)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.State.Final() || job.State == StateSucceeded {
		return eris.Wrapf(ErrNotRequeueable, "job %s is %s", id, job.State)
	}
	updates := map[string]any{
		"stage":           stage,
		"state":           StateQueued,
		"attempt":         0,
		"quota_attempts":  0,
		"escalated":       false,
		"reason":          "",
		"next_visible_at": q.now(),
		"completed_at":    nil,
	}
	if payload != nil {
		raw, err := encodePayload(*payload)
		if err != nil {
			return err
		}
		updates["payload"] = raw
	}
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", id, job.State).
		Updates(updates)
	if res.Error != nil {
		return eris.Wrap(res.Error, "queue: requeue")
	}
	if res.RowsAffected == 0 {
		return eris.Wrapf(ErrNotRequeueable, "job %s changed concurrently", id)
	}
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: get")
	}
	return &job, nil
}

// Filter narrows List.
type Filter struct {
	State State
	Stage model.Stage
	Limit int
}

// List returns jobs matching f, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Job, error) {
	tx := q.db.WithContext(ctx).Order("updated_at DESC")
	if f.State != "" {
		tx = tx.Where("state = ?", f.State)
	}
	if f.Stage != "" {
		tx = tx.Where("stage = ?", f.Stage)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var jobs []Job
	if err := tx.Limit(f.Limit).Find(&jobs).Error; err != nil {
		return nil, eris.Wrap(err, "queue: list")
	}
	return jobs, nil
}

// DepthRow is the job count for one stage and state.
type DepthRow struct {
	Stage    model.Stage `json:"stage"`
	State    State       `json:"state"`
	Count    int64       `json:"count"`
	Attempts int64       `json:"attempts"`
}

// Depth returns job counts and summed attempt counts by stage and state.
func (q *Queue) Depth(ctx context.Context) ([]DepthRow, error) {
	var rows []DepthRow
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("stage, state, COUNT(*) AS count, COALESCE(SUM(attempt + quota_attempts), 0) AS attempts").
		Group("stage, state").
		Order("stage, state").
		Scan(&rows).Error
	if err != nil {
		return nil, eris.Wrap(err, "queue: depth")
	}
	return rows, nil
}

// CountFinished returns the number of jobs that reached each final state
// since the given time.
func (q *Queue) CountFinished(ctx context.Context, since time.Time) (map[State]int64, error) {
	var rows []struct {
		State State
		Count int64
	}
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("state, COUNT(*) AS count").
		Where("completed_at >= ?", since.UTC()).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, eris.Wrap(err, "queue: count finished")
	}
	out := make(map[State]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

func (q *Queue) ownedUpdate(ctx context.Context, id, owner string, updates map[string]any) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND lease_owner = ? AND state = ?", id, owner, StateInFlight).
		Updates(updates)
	if res.Error != nil {
		return eris.Wrapf(res.Error, "queue: update job %s", id)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotOwned
	}
	return nil
}

func (q *Queue) emit(ctx context.Context, ev Event) {
	for _, n := range q.notify {
		n(ctx, ev)
	}
}
