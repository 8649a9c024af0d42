package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sci-proximity/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		SkipRateThreshold: 0.05,
		ExcludedThreshold: 0.01,
		ClampThreshold:    10,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &RunSnapshot{
		Measure:   "sci_cases",
		Weighting: "connectivity",
		Inputs: []InputSnapshot{
			{Source: "sci.tsv", Read: 1000, Malformed: 10, SkipRate: 0.01},
		},
		Homes:            3100,
		Excluded:         2,
		ExcludedFraction: 2.0 / 3102,
		Clamps:           4,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_SkipRate(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &RunSnapshot{
		Inputs: []InputSnapshot{
			{Source: "cases.csv", Read: 100, Malformed: 20, SkipRate: 0.2},
			{Source: "sci.tsv", Read: 100, Malformed: 1, SkipRate: 0.01},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSkipRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "cases.csv skipped 20.0%")
	assert.Equal(t, "cases.csv", alerts[0].Details["source"])
}

func TestAlerter_Evaluate_ExcludedHomes(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &RunSnapshot{Homes: 90, Excluded: 10, ExcludedFraction: 0.1}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertExcludedHome, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "10 home(s)")
	assert.Contains(t, alerts[0].Message, "10.0%")
}

func TestAlerter_Evaluate_Clamps(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&RunSnapshot{Clamps: 11})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertClamps, alerts[0].Type)
	assert.Equal(t, "low", alerts[0].Severity)
}

func TestAlerter_Evaluate_RunFailed(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&RunSnapshot{
		Measure:   "phys_cases",
		Weighting: "distance",
		Failed:    true,
		Error:     "ingest: data integrity threshold exceeded",
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "phys_cases run (distance weighting) failed")
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &RunSnapshot{
		Inputs:           []InputSnapshot{{Source: "x", Read: 10, Malformed: 9, SkipRate: 0.9}},
		Excluded:         50,
		ExcludedFraction: 0.5,
		Clamps:           999,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_Multiple(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &RunSnapshot{
		Inputs:           []InputSnapshot{{Source: "x", Read: 10, Malformed: 5, SkipRate: 0.5}},
		Excluded:         5,
		ExcludedFraction: 0.5,
		Clamps:           20,
		Failed:           true,
		Error:            "boom",
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 4)
	types := make([]AlertType, len(alerts))
	for i, al := range alerts {
		types[i] = al.Type
	}
	assert.Equal(t, []AlertType{AlertRunFailed, AlertSkipRate, AlertExcludedHome, AlertClamps}, types)
}

func TestAlerter_Notify(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var rep Report
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rep))
		assert.Equal(t, "sci_cases", rep.Run.Measure)
		assert.Len(t, rep.Alerts, 2)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	snap := &RunSnapshot{Measure: "sci_cases", Weighting: "connectivity", Failed: true}
	alerts := []Alert{
		{Type: AlertSkipRate, Severity: "medium", Message: "test alert 1"},
		{Type: AlertRunFailed, Severity: "high", Message: "test alert 2"},
	}

	require.NoError(t, a.Notify(context.Background(), snap, alerts))
	assert.Equal(t, int32(1), received.Load())
}

func TestAlerter_Notify_NothingToSend(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	snap := &RunSnapshot{Measure: "sci_cases"}
	assert.NoError(t, NewAlerter(config.MonitoringConfig{}).Notify(context.Background(), snap, []Alert{{Type: AlertRunFailed}}))
	assert.NoError(t, NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL}).Notify(context.Background(), snap, nil))
	assert.Zero(t, received.Load())
}

func TestAlerter_Notify_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	err := a.Notify(context.Background(), &RunSnapshot{}, []Alert{{Type: AlertRunFailed, Message: "test"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
