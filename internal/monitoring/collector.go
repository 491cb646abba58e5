package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
)

// parkedScanLimit caps the open parked matches counted per snapshot.
const parkedScanLimit = 10000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Jobs that reached a final state within the lookback window.
	Succeeded      int64   `json:"succeeded"`
	Rejected       int64   `json:"rejected"`
	Parked         int64   `json:"parked"`
	FailedTerminal int64   `json:"failed_terminal"`
	RejectionRate  float64 `json:"rejection_rate"`

	// Current backlog.
	Pending    int64            `json:"pending"`
	InFlight   int64            `json:"in_flight"`
	ParkedOpen int              `json:"parked_open"`
	QueueDepth []queue.DepthRow `json:"queue_depth"`
	ByStage    map[string]int64 `json:"by_stage"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of jobs that ended in the window.
func (s *MetricsSnapshot) Finished() int64 {
	return s.Succeeded + s.Rejected + s.Parked + s.FailedTerminal
}

// QueueStats is the slice of the job queue the collector reads.
type QueueStats interface {
	Depth(ctx context.Context) ([]queue.DepthRow, error)
	CountFinished(ctx context.Context, since time.Time) (map[queue.State]int64, error)
}

// ParkedLister is the slice of the store the collector reads.
type ParkedLister interface {
	ListParked(ctx context.Context, status model.ParkedStatus, limit int) ([]model.ParkedMatch, error)
}

// Collector gathers metrics from the queue and the review store.
type Collector struct {
	queue  QueueStats
	parked ParkedLister
	now    func() time.Time
}

// NewCollector creates a new metrics collector. parked may be nil.
func NewCollector(q QueueStats, parked ParkedLister) *Collector {
	return &Collector{queue: q, parked: parked, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		ByStage:       make(map[string]int64),
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	finished, err := c.queue.CountFinished(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count finished jobs")
	}
	snap.Succeeded = finished[queue.StateSucceeded]
	snap.Rejected = finished[queue.StateRejected]
	snap.Parked = finished[queue.StateParked]
	snap.FailedTerminal = finished[queue.StateFailedTerminal]
	if total := snap.Finished(); total > 0 {
		snap.RejectionRate = float64(snap.Rejected) / float64(total)
	}

	depth, err := c.queue.Depth(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue depth")
	}
	snap.QueueDepth = depth
	for _, r := range depth {
		switch {
		case r.State.Leasable():
			snap.Pending += r.Count
			snap.ByStage[string(r.Stage)] += r.Count
		case r.State == queue.StateInFlight:
			snap.InFlight += r.Count
			snap.ByStage[string(r.Stage)] += r.Count
		}
	}

	if c.parked != nil {
		open, err := c.parked.ListParked(ctx, model.ParkedOpen, parkedScanLimit)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list parked matches")
		}
		snap.ParkedOpen = len(open)
	}

	return snap, nil
}
