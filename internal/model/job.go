package model

import "time"

// Stage is a pipeline stage a job can be queued for.
type Stage string

const (
	StageEnrichment     Stage = "enrichment"
	StageValidation     Stage = "validation"
	StageReconciliation Stage = "reconciliation"
	StageArchival       Stage = "archival"
)

// Stages lists the pipeline stages in order.
var Stages = []Stage{StageEnrichment, StageValidation, StageReconciliation, StageArchival}

// Next returns the stage after s, or "" when s is the last stage.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// JobPayload is the data a job carries from stage to stage. Each stage fills
// in its own section and hands the payload to the next.
type JobPayload struct {
	Candidate   CandidateRecord       `json:"candidate"`
	Fingerprint string                `json:"fingerprint"`
	CacheHit    bool                  `json:"cache_hit,omitempty"`
	Enrichment  *Enrichment           `json:"enrichment,omitempty"`
	Validation  *ValidationResult     `json:"validation,omitempty"`
	Result      *ReconcileResult      `json:"result,omitempty"`
	Forced      map[EntityType]string `json:"forced,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
}

// ReconcileResult summarizes what the engine did for one job.
type ReconcileResult struct {
	JobID          string                `json:"job_id"`
	EntityIDs      map[EntityType]string `json:"entity_ids"`
	Created        []string              `json:"created,omitempty"`
	Events         int                   `json:"events"`
	AlreadyApplied bool                  `json:"already_applied,omitempty"`
	Parked         bool                  `json:"parked,omitempty"`
	ParkedID       string                `json:"parked_id,omitempty"`
}
