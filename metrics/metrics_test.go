package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/warp/vialfix/engine"
)

func TestObserveRun(t *testing.T) {
	// GIVEN: A live run with two planned changes, one failed write
	// WHEN: Observing it
	// THEN: Runs, reasons and write outcomes are counted

	m := New()
	changes := []engine.Change{
		{Reason: engine.ReasonUnassigned},
		{Reason: engine.ReasonDryStock},
	}
	rep := &engine.RunReport{
		Run: engine.Run{Status: engine.RunCompletedWithFailures},
		Plan: &engine.Plan{
			Changes:    changes,
			Unresolved: []engine.Unresolved{{Kind: engine.KindInjection}},
		},
		Result: &engine.ApplyResult{Outcomes: []engine.Outcome{
			{Change: changes[0], Status: engine.OutcomeApplied},
			{Change: changes[1], Status: engine.OutcomeFailed},
		}},
	}

	m.ObserveRun(rep, time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("completed_with_failures")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Changes.WithLabelValues("dry_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Writes.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Unresolved))
}

func TestObserveRun_DryRunCountsNoWrites(t *testing.T) {
	m := New()
	rep := &engine.RunReport{
		Run:    engine.Run{Status: engine.RunPlanned},
		Plan:   &engine.Plan{},
		Result: &engine.ApplyResult{DryRun: true, Outcomes: []engine.Outcome{{Status: engine.OutcomePlanned}}},
	}

	m.ObserveRun(rep, time.Now())

	assert.Equal(t, 0, testutil.CollectAndCount(m.Writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("planned")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRun(&engine.RunReport{Run: engine.Run{Status: engine.RunAborted}}, time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vialfix_runs_total{status="aborted"} 1`)
	assert.Contains(t, rec.Body.String(), "vialfix_run_duration_seconds_count 1")
}
