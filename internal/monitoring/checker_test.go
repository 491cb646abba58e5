package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/config"
	"github.com/sells-group/locsync/internal/model"
	"github.com/sells-group/locsync/internal/queue"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&mockQueue{}, nil)
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	}
	checker := NewChecker(collector, NewAlerter(cfg), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(&mockQueue{}, nil)
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), nil, config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSetsGaugesAndAlerts(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	q := &mockQueue{
		finished: map[queue.State]int64{},
		depth: []queue.DepthRow{
			{Stage: model.StageReconciliation, State: queue.StateQueued, Count: 3},
		},
	}
	parked := &mockParked{open: make([]model.ParkedMatch, 5)}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, ParkedBacklogThreshold: 5, LookbackWindowHours: 24}
	m := NewMetrics()
	checker := NewChecker(NewCollector(q, parked), NewAlerter(cfg, WithAlertMetrics(m)), m, cfg)

	checker.Check(context.Background(), zap.NewNop())

	assert.InDelta(t, 3, testutil.ToFloat64(m.QueueDepth.WithLabelValues("reconciliation", "queued")), 0.001)
	assert.Equal(t, int32(1), hits.Load())
}
