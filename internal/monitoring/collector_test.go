package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
)

type mockQueue struct {
	depth     []queue.DepthRow
	finished  map[queue.State]int64
	since     time.Time
	depthErr  error
	finishErr error
}

func (m *mockQueue) Depth(context.Context) ([]queue.DepthRow, error) {
	return m.depth, m.depthErr
}

func (m *mockQueue) CountFinished(_ context.Context, since time.Time) (map[queue.State]int64, error) {
	m.since = since
	return m.finished, m.finishErr
}

type mockParked struct {
	open   []model.ParkedMatch
	err    error
	status model.ParkedStatus
}

func (m *mockParked) ListParked(_ context.Context, status model.ParkedStatus, _ int) ([]model.ParkedMatch, error) {
	m.status = status
	return m.open, m.err
}

func TestCollector_Collect(t *testing.T) {
	q := &mockQueue{
		finished: map[queue.State]int64{
			queue.StateSucceeded:      30,
			queue.StateRejected:       15,
			queue.StateParked:         3,
			queue.StateFailedTerminal: 2,
		},
		depth: []queue.DepthRow{
			{Stage: model.StageEnrichment, State: queue.StateQueued, Count: 7},
			{Stage: model.StageEnrichment, State: queue.StateFailedRetryable, Count: 2},
			{Stage: model.StageValidation, State: queue.StateInFlight, Count: 1},
			{Stage: model.StageArchival, State: queue.StateSucceeded, Count: 30},
		},
	}
	parked := &mockParked{open: make([]model.ParkedMatch, 4)}

	c := NewCollector(q, parked)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-24*time.Hour), q.since)
	assert.Equal(t, int64(50), snap.Finished())
	assert.InDelta(t, 0.3, snap.RejectionRate, 0.0001)
	assert.Equal(t, int64(9), snap.Pending)
	assert.Equal(t, int64(1), snap.InFlight)
	assert.Equal(t, int64(9), snap.ByStage["enrichment"])
	assert.Equal(t, int64(1), snap.ByStage["validation"])
	assert.Zero(t, snap.ByStage["archival"])
	assert.Equal(t, 4, snap.ParkedOpen)
	assert.Equal(t, model.ParkedOpen, parked.status)
	assert.Len(t, snap.QueueDepth, 4)
}

func TestCollector_EmptyWindow(t *testing.T) {
	c := NewCollector(&mockQueue{finished: map[queue.State]int64{}}, nil)

	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.RejectionRate)
	assert.Zero(t, snap.ParkedOpen)
}

func TestCollector_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewCollector(&mockQueue{finishErr: boom}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "count finished")

	_, err = NewCollector(&mockQueue{depthErr: boom}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "queue depth")

	_, err = NewCollector(&mockQueue{}, &mockParked{err: boom}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "parked")
}
