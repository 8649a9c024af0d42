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

	"github.com/sells-group/sci-proximity/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSkipRate     AlertType = "skip_rate"
	AlertExcludedHome AlertType = "excluded_homes"
	AlertClamps       AlertType = "clamped_deltas"
	AlertRunFailed    AlertType = "run_failed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a RunSnapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *RunSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if snap.Failed {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("%s run (%s weighting) failed: %s", snap.Measure, snap.Weighting, snap.Error),
			Details: map[string]any{
				"measure":   snap.Measure,
				"weighting": snap.Weighting,
			},
			Timestamp: now,
		})
	}

	// Inputs that stayed under the integrity threshold can still be worth a look.
	if a.cfg.SkipRateThreshold > 0 {
		for _, in := range snap.Inputs {
			if in.SkipRate <= a.cfg.SkipRateThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertSkipRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%s skipped %.1f%% of rows (%d of %d), threshold %.1f%%",
					in.Source, in.SkipRate*100, in.Malformed, in.Read, a.cfg.SkipRateThreshold*100,
				),
				Details: map[string]any{
					"source":    in.Source,
					"skip_rate": in.SkipRate,
					"threshold": a.cfg.SkipRateThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.ExcludedThreshold > 0 && snap.ExcludedFraction > a.cfg.ExcludedThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExcludedHome,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d home(s) had zero total weight (%.1f%%), threshold %.1f%%",
				snap.Excluded, snap.ExcludedFraction*100, a.cfg.ExcludedThreshold*100,
			),
			Details: map[string]any{
				"excluded":  snap.Excluded,
				"homes":     snap.Homes,
				"threshold": a.cfg.ExcludedThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ClampThreshold > 0 && snap.Clamps > a.cfg.ClampThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertClamps,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d negative period change(s) clamped to zero, threshold %d",
				snap.Clamps, a.cfg.ClampThreshold,
			),
			Details: map[string]any{
				"clamps":    snap.Clamps,
				"threshold": a.cfg.ClampThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Report is the webhook body: the run summary and the alerts it raised.
type Report struct {
	Run    *RunSnapshot `json:"run"`
	Alerts []Alert      `json:"alerts"`
}

// Notify posts one Report for the run to the webhook. Nothing is sent when
// no webhook is configured or the run raised no alerts.
func (a *Alerter) Notify(ctx context.Context, snap *RunSnapshot, alerts []Alert) error {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}
	payload, err := json.Marshal(Report{Run: snap, Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal report")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post report")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}

	zap.L().Info("alert report sent",
		zap.String("component", "monitoring"),
		zap.String("measure", snap.Measure),
		zap.Int("alerts", len(alerts)),
	)
	return nil
}
