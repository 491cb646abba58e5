package model

import "time"

// Action is the kind of change a VersionEvent records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Actors that write version events.
const (
	ActorReconcile = "reconcile"
	ActorReplay    = "replay"
	ActorOperator  = "operator"
)

// VersionEvent is one immutable field-level change in the version log.
// PrevSet distinguishes a field that was never set (false) from one whose
// previous value was an explicit retraction (true with a nil PrevValue).
type VersionEvent struct {
	Seq        int64      `json:"seq"`
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	Field      string     `json:"field"`
	PrevValue  *string    `json:"prev_value"`
	PrevSet    bool       `json:"prev_set"`
	NewValue   *string    `json:"new_value"`
	Action     Action     `json:"action"`
	JobID      string     `json:"job_id"`
	Confidence float64    `json:"confidence"`
	Actor      string     `json:"actor"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Observation records one source's value for a field, whether or not the
// merge applied it. Observations feed the quorum rule.
type Observation struct {
	EntityID   string    `json:"entity_id"`
	Field      string    `json:"field"`
	Value      *string   `json:"value"`
	JobID      string    `json:"job_id"`
	SourceID   string    `json:"source_id"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}
