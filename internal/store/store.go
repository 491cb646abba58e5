// Package store persists the version log and the canonical entity projection
// derived from it, plus the review tables and the durable fingerprint cache.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
)

var (
	// ErrConflict means a concurrent writer changed an entity this change set
	// depends on. The caller re-reads and retries.
	ErrConflict = eris.New("store: concurrent modification")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = eris.New("store: not found")
)

// EntityChange is the set of events to write for one entity.
type EntityChange struct {
	EntityID   string
	EntityType model.EntityType
	Create     bool
	// ExpectedVersion is the entity version the events were computed
	// against. Ignored for creates.
	ExpectedVersion int64
	// SkipCreateGuard lets an operator-forced create coexist with an entity
	// that has the same match key.
	SkipCreateGuard bool
	Events          []model.VersionEvent
}

// ChangeSet is everything one job writes. It is applied atomically.
type ChangeSet struct {
	JobID        string
	Actor        string
	Changes      []EntityChange
	Observations []model.Observation
	Result       model.ReconcileResult
}

// MatchQuery selects candidate entities for matching. Conditions other than
// Type and ParentID are OR-ed.
type MatchQuery struct {
	Type       model.EntityType
	ParentID   string
	MatchKey   string
	NameKey    string
	NamePrefix string
	AddressKey string
	// Near selects entities within RadiusM meters of the point.
	Near    *Point
	RadiusM float64
	Limit   int
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// EntityFilter narrows ListEntities.
type EntityFilter struct {
	Type       model.EntityType
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Drift is one difference between the stored projection and a fresh fold of
// the version log.
type Drift struct {
	EntityID string `json:"entity_id"`
	Field    string `json:"field,omitempty"`
	Detail   string `json:"detail"`
}

// Store defines the persistence interface for the reconciliation pipeline.
type Store interface {
	// Version log and projection writes
	Apply(ctx context.Context, cs *ChangeSet) (*model.ReconcileResult, error)
	ReconciledJob(ctx context.Context, jobID string) (*model.ReconcileResult, error)

	// Matching reads
	FindCandidates(ctx context.Context, q MatchQuery) ([]model.Entity, error)
	Observations(ctx context.Context, entityID, field string) ([]model.Observation, error)

	// Projection reads
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, f EntityFilter) ([]model.Entity, error)
	CountEntities(ctx context.Context) (map[model.EntityType]int, error)
	EventsForEntity(ctx context.Context, entityID string) ([]model.VersionEvent, error)
	EventsForJob(ctx context.Context, jobID string) ([]model.VersionEvent, error)
	Events(ctx context.Context, afterSeq int64, limit int) ([]model.VersionEvent, error)

	// Projection maintenance
	RebuildProjection(ctx context.Context) (int, error)
	VerifyProjection(ctx context.Context) ([]Drift, error)

	// Fingerprint cache
	GetCachedEnrichment(ctx context.Context, fp string) (*model.Enrichment, error)
	PutCachedEnrichment(ctx context.Context, fp string, e *model.Enrichment) error

	// Review
	SaveRejection(ctx context.Context, r *model.Rejection) error
	ListRejections(ctx context.Context, limit int) ([]model.Rejection, error)
	CountRejections(ctx context.Context, since time.Time) (int, error)
	SaveParked(ctx context.Context, p *model.ParkedMatch) error
	GetParked(ctx context.Context, id string) (*model.ParkedMatch, error)
	ListParked(ctx context.Context, status model.ParkedStatus, limit int) ([]model.ParkedMatch, error)
	ResolveParked(ctx context.Context, id, resolution string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
