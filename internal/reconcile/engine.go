// Package reconcile resolves validated records against canonical entities
// and merges them into the version log. Matching, merging and parking
// decisions are made here; every write goes through store.Apply as one
// change set per job.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/normalize"
	"github.com/sells-group/locsync/internal/resilience"
	"github.com/sells-group/locsync/internal/store"
)

// ForceNew in Input.Forced creates a new entity instead of matching.
const ForceNew = "new"

var entityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/sells-group/locsync/entity"))

// EntityID is the id an entity of type t gets when jobID creates it. It is
// stable so replaying into an empty store rebuilds the same ids.
func EntityID(jobID string, t model.EntityType) string {
	return uuid.NewSHA1(entityNamespace, []byte(jobID+"|"+string(t))).String()
}

// Input is one validated record to reconcile.
type Input struct {
	JobID      string
	SourceID   string
	Validation *model.ValidationResult
	// Forced maps an entity type to an entity id or ForceNew, overriding
	// matching for that type.
	Forced map[model.EntityType]string
	Actor  string
}

// InputFromPayload builds an Input from a job payload.
func InputFromPayload(jobID string, p model.JobPayload, actor string) Input {
	return Input{
		JobID:      jobID,
		SourceID:   p.Candidate.SourceID,
		Validation: p.Validation,
		Forced:     p.Forced,
		Actor:      actor,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetry overrides the conflict retry schedule.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) {
		e.retry = cfg
		if e.retry.ShouldRetry == nil {
			e.retry.ShouldRetry = isConflict
		}
	}
}

// Engine reconciles validated records.
type Engine struct {
	store  store.Store
	policy Policy
	match  matcher
	locks  *keyedLock
	retry  resilience.RetryConfig
}

// New creates an Engine over st.
func New(st store.Store, policy Policy, opts ...Option) *Engine {
	if err := policy.normalize(); err != nil {
		zap.L().Warn("reconcile: invalid policy, using defaults", zap.Error(err))
		policy = DefaultPolicy()
	}
	e := &Engine{
		store:  st,
		policy: policy,
		match:  matcher{st: st, cfg: policy.Match},
		locks:  newKeyedLock(),
		retry: resilience.RetryConfig{
			MaxAttempts:    5,
			Backoff:        resilience.Backoff{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 200 * time.Millisecond},
			JitterFraction: 0.5,
			ShouldRetry:    isConflict,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// Reconcile matches the record against canonical entities and writes the
// resulting change set. A job that was already applied returns its recorded
// result. An ambiguous match returns *AmbiguousMatchError and writes
// nothing; so does a rejected validation result (ErrRejected).
func (e *Engine) Reconcile(ctx context.Context, in Input) (*model.ReconcileResult, error) {
	if in.JobID == "" {
		return nil, resilience.NewPermanentError(eris.New("reconcile: job id is required"))
	}
	if in.Validation == nil || in.Validation.Enrichment == nil {
		return nil, resilience.NewPermanentError(eris.Errorf("reconcile: job %s has no validated enrichment", in.JobID))
	}
	if in.Validation.Rejected {
		return nil, eris.Wrapf(ErrRejected, "job %s", in.JobID)
	}
	if in.Actor == "" {
		in.Actor = model.ActorReconcile
	}

	prior, err := e.store.ReconciledJob(ctx, in.JobID)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: check prior result")
	}
	if prior != nil {
		prior.AlreadyApplied = true
		return prior, nil
	}

	release := e.locks.Lock(lockKeys(in.Validation.Enrichment)...)
	defer release()

	retry := e.retry
	retry.OnRetry = resilience.RetryLogger("reconcile", "apply")
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ReconcileResult, error) {
		cs, err := e.plan(ctx, in)
		if err != nil {
			return nil, err
		}
		return e.store.Apply(ctx, cs)
	})
	if err != nil {
		var amb *AmbiguousMatchError
		if errors.As(err, &amb) {
			zap.L().Info("reconcile: ambiguous match",
				zap.String("job_id", in.JobID),
				zap.String("entity_type", string(amb.EntityType)),
				zap.Int("candidates", len(amb.Candidates)),
			)
			return nil, err
		}
		return nil, eris.Wrapf(err, "reconcile: job %s", in.JobID)
	}

	zap.L().Debug("reconcile: applied",
		zap.String("job_id", in.JobID),
		zap.Int("events", res.Events),
		zap.Strings("created", res.Created),
		zap.Bool("already_applied", res.AlreadyApplied),
	)
	return res, nil
}

// lockKeys are the in-process serialization keys for a record: its
// organization name and its location address (or name when it has none).
func lockKeys(enr *model.Enrichment) []string {
	org := normalize.FieldSetKeys(model.EntityOrganization, enr.Organization)
	loc := normalize.FieldSetKeys(model.EntityLocation, enr.Location)
	keys := []string{org.Match}
	if loc.Address != "" {
		keys = append(keys, "address|"+loc.Address)
	} else {
		keys = append(keys, loc.Match)
	}
	return keys
}

// plan reads current state and computes the change set for one attempt.
func (e *Engine) plan(ctx context.Context, in Input) (*store.ChangeSet, error) {
	enr := in.Validation.Enrichment
	p := &planner{
		st:     e.store,
		policy: &e.policy,
		in:     in,
		cs: &store.ChangeSet{
			JobID:  in.JobID,
			Actor:  in.Actor,
			Result: model.ReconcileResult{EntityIDs: make(map[model.EntityType]string)},
		},
	}

	locIn := enr.Location.Clone()
	if locIn == nil {
		locIn = model.FieldSet{}
	}
	loc, locNew, err := e.resolve(ctx, in, model.EntityLocation, func() (*model.Entity, error) {
		return e.match.location(ctx, normalize.FieldSetKeys(model.EntityLocation, locIn))
	})
	if err != nil {
		return nil, err
	}

	// A matched location implies its organization.
	var org *model.Entity
	var orgNew bool
	if _, forced := in.Forced[model.EntityOrganization]; !forced && loc != nil && loc.ParentID() != "" {
		parent, err := e.store.GetEntity(ctx, loc.ParentID())
		switch {
		case err == nil && parent.Active():
			org = parent
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrap(err, "reconcile: load parent organization")
		}
	}
	if org == nil {
		org, orgNew, err = e.resolve(ctx, in, model.EntityOrganization, func() (*model.Entity, error) {
			return e.match.organization(ctx, normalize.FieldSetKeys(model.EntityOrganization, enr.Organization))
		})
		if err != nil {
			return nil, err
		}
	}
	orgID, err := p.add(ctx, model.EntityOrganization, org, orgNew, enr.Organization.Clone())
	if err != nil {
		return nil, err
	}

	locIn[model.FieldOrganizationID] = model.StringPtr(orgID)
	locID, err := p.add(ctx, model.EntityLocation, loc, locNew, locIn)
	if err != nil {
		return nil, err
	}

	if name, ok := enr.Service.Get(model.FieldName); !ok || name == "" {
		return p.cs, nil
	}
	svcIn := enr.Service.Clone()
	svcIn[model.FieldOrganizationID] = model.StringPtr(orgID)
	svc, svcNew, err := e.resolve(ctx, in, model.EntityService, func() (*model.Entity, error) {
		if org == nil {
			return nil, nil
		}
		return e.match.service(ctx, orgID, normalize.FieldSetKeys(model.EntityService, svcIn))
	})
	if err != nil {
		return nil, err
	}
	svcID, err := p.add(ctx, model.EntityService, svc, svcNew, svcIn)
	if err != nil {
		return nil, err
	}

	linkIn := model.FieldSet{
		model.FieldServiceID:  model.StringPtr(svcID),
		model.FieldLocationID: model.StringPtr(locID),
	}
	var link *model.Entity
	if svc != nil && loc != nil {
		link, err = e.match.serviceAtLocation(ctx, normalize.FieldSetKeys(model.EntityServiceAtLocation, linkIn))
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.add(ctx, model.EntityServiceAtLocation, link, false, linkIn); err != nil {
		return nil, err
	}
	return p.cs, nil
}

// resolve applies an operator-forced decision for t, or runs match.
func (e *Engine) resolve(ctx context.Context, in Input, t model.EntityType, match func() (*model.Entity, error)) (*model.Entity, bool, error) {
	forced := in.Forced[t]
	switch forced {
	case "":
		ent, err := match()
		return ent, false, err
	case ForceNew:
		return nil, true, nil
	}

	ent, err := e.store.GetEntity(ctx, forced)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, resilience.NewPermanentError(eris.Wrapf(err, "reconcile: forced %s", t))
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "reconcile: load forced %s %s", t, forced)
	}
	if ent.Type != t {
		return nil, false, resilience.NewPermanentError(eris.Errorf("reconcile: forced entity %s is a %s, not a %s", forced, ent.Type, t))
	}
	return ent, false, nil
}

// planner accumulates one job's change set.
type planner struct {
	st     store.Store
	policy *Policy
	in     Input
	cs     *store.ChangeSet
}

// add plans the create or merge of one entity and returns its id.
func (p *planner) add(ctx context.Context, t model.EntityType, cur *model.Entity, forcedNew bool, incoming model.FieldSet) (string, error) {
	conf := p.in.Validation.Confidence
	change := store.EntityChange{EntityType: t}

	if cur == nil {
		change.EntityID = EntityID(p.in.JobID, t)
		change.Create = true
		change.SkipCreateGuard = forcedNew
		for _, f := range incoming.Keys() {
			if v := incoming[f]; v != nil && *v != "" {
				change.Events = append(change.Events, model.VersionEvent{Field: f, NewValue: v, Confidence: conf})
			}
		}
		if len(change.Events) > 0 {
			p.cs.Result.Created = append(p.cs.Result.Created, change.EntityID)
		}
	} else {
		change.EntityID = cur.ID
		change.ExpectedVersion = cur.Version
		for _, f := range incoming.Keys() {
			fp := p.policy.Field(f)
			var v votes
			if fp.Enumerable {
				obs, err := p.st.Observations(ctx, cur.ID, f)
				if err != nil {
					return "", eris.Wrap(err, "reconcile: load observations")
				}
				v = tally(obs, incoming[f], p.in.SourceID)
			}

			var state *model.FieldState
			if fs, ok := cur.Fields[f]; ok {
				state = &fs
			}
			apply, reason := decide(fp, state, incoming[f], conf, v)
			if !apply {
				continue
			}
			zap.L().Debug("reconcile: field update",
				zap.String("entity_id", cur.ID),
				zap.String("field", f),
				zap.String("reason", reason),
			)
			change.Events = append(change.Events, model.VersionEvent{Field: f, NewValue: incoming[f], Confidence: conf})
		}
	}

	p.cs.Changes = append(p.cs.Changes, change)
	p.cs.Result.EntityIDs[t] = change.EntityID

	for _, f := range incoming.Keys() {
		if isReference(f) {
			continue
		}
		p.cs.Observations = append(p.cs.Observations, model.Observation{
			EntityID:   change.EntityID,
			Field:      f,
			Value:      incoming[f],
			SourceID:   p.in.SourceID,
			Confidence: conf,
		})
	}
	return change.EntityID, nil
}

func isReference(field string) bool {
	switch field {
	case model.FieldOrganizationID, model.FieldServiceID, model.FieldLocationID:
		return true
	}
	return false
}

// Deactivate marks an entity inactive. Entities are never deleted; the
// change is an update event on the active field. requestID makes the call
// idempotent.
func (e *Engine) Deactivate(ctx context.Context, entityID, requestID string) (*model.ReconcileResult, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	retry := e.retry
	retry.OnRetry = resilience.RetryLogger("reconcile", "deactivate")
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ReconcileResult, error) {
		ent, err := e.store.GetEntity(ctx, entityID)
		if err != nil {
			return nil, err
		}
		cs := &store.ChangeSet{
			JobID:  requestID,
			Actor:  model.ActorOperator,
			Result: model.ReconcileResult{EntityIDs: map[model.EntityType]string{ent.Type: ent.ID}},
		}
		if ent.Active() {
			cs.Changes = []store.EntityChange{{
				EntityID:        ent.ID,
				EntityType:      ent.Type,
				ExpectedVersion: ent.Version,
				Events: []model.VersionEvent{{
					Field:      model.FieldActive,
					NewValue:   model.StringPtr("false"),
					Confidence: 100,
				}},
			}}
		}
		return e.store.Apply(ctx, cs)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: deactivate %s", entityID)
	}
	return res, nil
}
