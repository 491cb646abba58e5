package model

import "time"

// Rejection is a validated result that fell below the confidence threshold.
// It is kept for review and never touches canonical entities.
type Rejection struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	SourceID   string            `json:"source_id"`
	Confidence float64           `json:"confidence"`
	Reasons    []string          `json:"reasons"`
	Result     *ValidationResult `json:"result"`
	CreatedAt  time.Time         `json:"created_at"`
}

// MatchCandidate is one existing entity that scored against an incoming
// record.
type MatchCandidate struct {
	EntityID string  `json:"entity_id"`
	Tier     int     `json:"tier"`
	Score    float64 `json:"score"`
	Distance float64 `json:"distance_m,omitempty"`
}

// ParkedStatus is the review state of a parked match.
type ParkedStatus string

const (
	ParkedOpen     ParkedStatus = "open"
	ParkedResolved ParkedStatus = "resolved"
)

// ParkedMatch is a job whose match was ambiguous and awaits an operator
// decision.
type ParkedMatch struct {
	ID         string           `json:"id"`
	JobID      string           `json:"job_id"`
	EntityType EntityType       `json:"entity_type"`
	Candidates []MatchCandidate `json:"candidates"`
	Payload    JobPayload       `json:"payload"`
	Status     ParkedStatus     `json:"status"`
	Resolution string           `json:"resolution,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
