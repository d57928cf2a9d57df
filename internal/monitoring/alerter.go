package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStalledJobs     AlertType = "stalled_jobs"
	AlertFailedItems     AlertType = "failed_items"
	AlertSupplierCircuit AlertType = "supplier_circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Stalled jobs are reported to operators only; nothing here transitions a
// job, since a stall can be a slow supplier rather than a dead worker.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if len(snap.StalledJobs) > 0 {
		ids := make([]string, 0, len(snap.StalledJobs))
		for _, j := range snap.StalledJobs {
			ids = append(ids, j.ID)
		}
		alerts = append(alerts, Alert{
			Type:     AlertStalledJobs,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d running job(s) made no progress for %ds: %s",
				len(ids), snap.StallAfterSecs, strings.Join(ids, ", "),
			),
			Details: map[string]any{
				"job_ids":          ids,
				"stall_after_secs": snap.StallAfterSecs,
			},
			Timestamp: now,
		})
	}

	if a.cfg.FailedItemsThreshold > 0 && snap.FailedItems > a.cfg.FailedItemsThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailedItems,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d failed line items exceed threshold %d",
				snap.FailedItems, a.cfg.FailedItemsThreshold,
			),
			Details: map[string]any{
				"failed_items": snap.FailedItems,
				"threshold":    a.cfg.FailedItemsThreshold,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertSupplierCircuit,
			Severity: "medium",
			Message: fmt.Sprintf(
				"circuit open for supplier(s): %s",
				strings.Join(snap.OpenBreakers, ", "),
			),
			Details: map[string]any{
				"suppliers": snap.OpenBreakers,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.AlertWebhookURL == "" || len(alerts) == 0 {
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(payload))
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
