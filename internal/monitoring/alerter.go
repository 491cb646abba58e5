package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/config"
	"github.com/sells-group/locsync/internal/queue"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailedTerminal AlertType = "job_failed_terminal"
	AlertQuotaEscalation   AlertType = "quota_escalation"
	AlertRejectionRate     AlertType = "rejection_rate"
	AlertParkedBacklog     AlertType = "parked_backlog"
)

// defaultMinSample is the smallest window the rejection rate is judged on.
const defaultMinSample = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached. It also turns
// queue events into alerts.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	metrics *Metrics
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithAlertMetrics counts raised alerts on m.
func WithAlertMetrics(m *Metrics) AlerterOption {
	return func(a *Alerter) { a.metrics = m }
}

// WithWebhookClient overrides the HTTP client used for delivery.
func WithWebhookClient(c *http.Client) AlerterOption {
	return func(a *Alerter) { a.client = c }
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	minSample := int64(a.cfg.MinSample)
	if minSample <= 0 {
		minSample = defaultMinSample
	}

	// Check rejection rate.
	finished := snap.Finished()
	if a.cfg.RejectionRateThreshold > 0 && finished >= minSample && snap.RejectionRate > a.cfg.RejectionRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRejectionRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Validation rejection rate %.1f%% exceeds threshold %.1f%% (%d rejected / %d finished in last %dh)",
				snap.RejectionRate*100, a.cfg.RejectionRateThreshold*100,
				snap.Rejected, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"rejection_rate": snap.RejectionRate,
				"threshold":      a.cfg.RejectionRateThreshold,
				"rejected":       snap.Rejected,
				"finished":       finished,
			},
			Timestamp: now,
		})
	}

	// Check parked backlog.
	if a.cfg.ParkedBacklogThreshold > 0 && snap.ParkedOpen >= a.cfg.ParkedBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertParkedBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d ambiguous matches await review (threshold %d)",
				snap.ParkedOpen, a.cfg.ParkedBacklogThreshold,
			),
			Details: map[string]any{
				"parked_open": snap.ParkedOpen,
				"threshold":   a.cfg.ParkedBacklogThreshold,
			},
			Timestamp: now,
		})
	}

	for _, al := range alerts {
		a.metrics.ObserveAlert(al.Type)
	}
	return alerts
}

// AlertForEvent converts a queue event into an alert.
func AlertForEvent(ev queue.Event) Alert {
	job := ev.Job
	al := Alert{
		Timestamp: time.Now().UTC(),
		Details: map[string]any{
			"job_id":         job.ID,
			"stage":          string(job.Stage),
			"source_id":      job.SourceID,
			"attempt":        job.Attempt,
			"quota_attempts": job.QuotaAttempts,
		},
	}
	switch ev.Kind {
	case queue.EventQuotaEscalation:
		al.Type = AlertQuotaEscalation
		al.Severity = "medium"
		al.Message = fmt.Sprintf("Job %s has hit provider quota %d times at stage %s", job.ID, job.QuotaAttempts, job.Stage)
		al.Details["last_error"] = job.LastError
	default:
		al.Type = AlertJobFailedTerminal
		al.Severity = "high"
		al.Message = fmt.Sprintf("Job %s failed terminally at stage %s: %s", job.ID, job.Stage, job.Reason)
		al.Details["reason"] = job.Reason
	}
	return al
}

// QueueNotifier returns a queue.Notifier that raises an alert for every
// terminal failure and quota escalation.
func (a *Alerter) QueueNotifier() queue.Notifier {
	return func(ctx context.Context, ev queue.Event) {
		al := AlertForEvent(ev)
		a.metrics.ObserveAlert(al.Type)
		zap.L().Warn("monitoring: queue alert",
			zap.String("type", string(al.Type)),
			zap.String("job_id", ev.Job.ID),
		)
		a.SendAlerts(context.WithoutCancel(ctx), []Alert{al})
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
