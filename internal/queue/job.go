// Package queue is the durable job queue: stage-addressed jobs with leases,
// per-job attempt counts and backoff-driven re-visibility.
package queue

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/resilience"
)

// State is a job's position in the queue state machine.
type State string

const (
	StateQueued          State = "queued"
	StateInFlight        State = "in_flight"
	StateSucceeded       State = "succeeded"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
	StateParked          State = "parked"
	StateRejected        State = "rejected"
)

// Leasable reports whether a job in state s may be handed to a worker once
// its visibility time has passed.
func (s State) Leasable() bool {
	return s == StateQueued || s == StateFailedRetryable
}

// Final reports whether s ends the job's life unless an operator requeues it.
func (s State) Final() bool {
	switch s {
	case StateSucceeded, StateFailedTerminal, StateParked, StateRejected:
		return true
	}
	return false
}

// Job is one unit of pipeline work. A job keeps its id across retries and
// across stages: advancing rewrites the same row.
type Job struct {
	ID             string      `gorm:"primaryKey;size:36" json:"id"`
	Stage          model.Stage `gorm:"index:idx_jobs_lease,priority:2;size:32;not null" json:"stage"`
	State          State       `gorm:"index:idx_jobs_lease,priority:1;size:20;not null;default:'queued'" json:"state"`
	Payload        []byte      `gorm:"type:bytes" json:"-"`
	Fingerprint    string      `gorm:"index;size:64" json:"fingerprint"`
	SourceID       string      `gorm:"index;size:255" json:"source_id"`
	Attempt        int         `gorm:"default:0" json:"attempt"`
	QuotaAttempts  int         `gorm:"default:0" json:"quota_attempts"`
	MaxAttempts    int         `gorm:"default:5" json:"max_attempts"`
	Escalated      bool        `gorm:"default:false" json:"escalated"`
	LastError      string      `gorm:"type:text" json:"last_error,omitempty"`
	Reason         string      `gorm:"type:text" json:"reason,omitempty"`
	NextVisibleAt  time.Time   `gorm:"index:idx_jobs_lease,priority:3" json:"next_visible_at"`
	LeaseOwner     string      `gorm:"size:255" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `gorm:"index" json:"lease_expires_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (Job) TableName() string { return "jobs" }

// DecodePayload unmarshals the job payload. A payload that does not decode
// can never succeed, so the error is permanent.
func (j *Job) DecodePayload() (model.JobPayload, error) {
	var p model.JobPayload
	if len(j.Payload) == 0 {
		return p, resilience.NewPermanentError(eris.Errorf("queue: job %s has empty payload", j.ID))
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, resilience.NewPermanentError(eris.Wrapf(err, "queue: decode payload of job %s", j.ID))
	}
	return p, nil
}

func encodePayload(p model.JobPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "queue: encode payload")
	}
	return b, nil
}
