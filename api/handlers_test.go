/*
handlers_test.go - HTTP tests for the reconciler API

Tests for:
- Health, policy and distribution reads
- Plan errors (invalid policy, scan failure) and their status codes
- Apply: dry run by default, live run, one run at a time
- Run history and scenario loading
- Prometheus scrape endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/factory"
	"github.com/warp/vialfix/metrics"
	"github.com/warp/vialfix/report"
	"github.com/warp/vialfix/scenario"
	"github.com/warp/vialfix/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	router  *chi.Mux
	store   *sqlite.Store
}

func newTestServer(t *testing.T, scenarioID string) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:", engine.DefaultSchema())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if scenarioID != "" {
		_, err := scenario.Load(context.Background(), store, scenarioID, engine.DefaultSchema())
		require.NoError(t, err)
	}

	policy, err := factory.NewPolicyFactory().Preset(factory.IncidentPresetName)
	require.NoError(t, err)

	rec := engine.NewReconciler(
		engine.NewPlanner(store, engine.DefaultSchema(), policy),
		engine.NewExecutor(store),
		store,
		"sqlite::memory:",
	)
	h := NewHandler(rec, store, metrics.New(), nil)
	h.Scenarios = store
	return &testServer{handler: h, router: NewRouter(h, RouterOptions{}), store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// READ ENDPOINTS
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, factory.IncidentPresetName, resp.PolicyVersion)
	assert.False(t, resp.Running)
}

func TestGetPolicy_Windows(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/policy", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PolicyDTO](t, rec)
	assert.Equal(t, "vial_20240805_1", resp.Default)
	assert.Len(t, resp.DryStock, 3)
	require.Len(t, resp.Windows, 3)
	assert.Equal(t, WindowDTO{Vial: scenario.VialB, Start: "2025-09-13", End: "2025-10-29"}, resp.Windows[1])
}

func TestGetDistribution(t *testing.T) {
	s := newTestServer(t, scenario.Incident)

	rec := s.do(t, http.MethodGet, "/api/distribution", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DistributionResponse](t, rec)
	assert.Equal(t, scenario.IncidentChanges, resp.Changes)
	assert.Len(t, resp.Expected.Rows, 3)
	assert.True(t, resp.Current.HasDryStockShots())
}

func TestGetPlan_DoesNotWrite(t *testing.T) {
	s := newTestServer(t, scenario.Incident)
	before, err := s.store.Dump(context.Background())
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/plan", "")

	require.Equal(t, http.StatusOK, rec.Code)
	plan := decode[engine.Plan](t, rec)
	assert.Len(t, plan.Changes, scenario.IncidentChanges)
	after, err := s.store.Dump(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGetPlan_InvalidPolicy(t *testing.T) {
	s := newTestServer(t, scenario.Incident)
	s.handler.Reconciler.Planner.Policy = engine.Policy{}

	rec := s.do(t, http.MethodGet, "/api/plan", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_policy", resp.Code)
}

// failingScan returns an error on every scan.
type failingScan struct{ engine.RecordStore }

func (failingScan) ScanByKind(ctx context.Context, kind engine.Kind) ([]engine.Item, error) {
	return engine.CollectPages(ctx, kind, func(context.Context, engine.Kind, *engine.Cursor) (engine.Page, error) {
		return engine.Page{}, errors.New("timeout")
	})
}

func TestGetPlan_ScanFailure(t *testing.T) {
	s := newTestServer(t, scenario.Incident)
	s.handler.Reconciler.Planner.Store = failingScan{s.store}

	rec := s.do(t, http.MethodGet, "/api/plan", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "scan_failed", resp.Code)
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_DefaultsToDryRun(t *testing.T) {
	// GIVEN: The incident table
	// WHEN: POST /api/apply without a body
	// THEN: A dry run is recorded and nothing is written

	s := newTestServer(t, scenario.Incident)
	before, err := s.store.Dump(context.Background())
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/apply", "")

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[report.Document](t, rec)
	assert.True(t, doc.Run.DryRun)
	assert.Equal(t, engine.RunPlanned, doc.Run.Status)
	after, err := s.store.Dump(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApply_Live(t *testing.T) {
	// GIVEN: The incident table
	// WHEN: POST /api/apply with dry_run false, then GET /api/plan
	// THEN: Every change is written and the next plan is empty

	s := newTestServer(t, scenario.Incident)

	rec := s.do(t, http.MethodPost, "/api/apply", `{"dry_run": false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[report.Document](t, rec)
	assert.Equal(t, engine.RunCompleted, doc.Run.Status)
	assert.Equal(t, scenario.IncidentChanges, doc.Run.Succeeded)
	assert.Empty(t, doc.Errors)

	plan := decode[engine.Plan](t, s.do(t, http.MethodGet, "/api/plan", ""))
	assert.Empty(t, plan.Changes)

	metricsBody := s.do(t, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, metricsBody, `vialfix_runs_total{status="completed"} 1`)
	assert.Contains(t, metricsBody, `vialfix_writes_total{outcome="applied"} 10`)
}

func TestApply_Aborted(t *testing.T) {
	s := newTestServer(t, scenario.Incident)
	s.handler.Reconciler.Planner.Policy = engine.Policy{Version: "broken"}

	rec := s.do(t, http.MethodPost, "/api/apply", `{"dry_run": false}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	doc := decode[report.Document](t, rec)
	assert.Equal(t, engine.RunAborted, doc.Run.Status)
	assert.NotEmpty(t, doc.Error)
}

func TestApply_OneRunAtATime(t *testing.T) {
	s := newTestServer(t, scenario.Incident)
	require.True(t, s.handler.startRun())

	rec := s.do(t, http.MethodPost, "/api/apply", `{"dry_run": false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	health := decode[HealthResponse](t, s.do(t, http.MethodGet, "/api/health", ""))
	assert.True(t, health.Running)

	s.handler.finishRun()
	rec = s.do(t, http.MethodPost, "/api/apply", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApply_BadBody(t *testing.T) {
	s := newTestServer(t, scenario.Incident)

	rec := s.do(t, http.MethodPost, "/api/apply", `{"dry_run": "yes"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApply_ChunkedEmptyBody(t *testing.T) {
	// GIVEN: A chunked request with no body (unknown content length)
	// WHEN: POST /api/apply
	// THEN: It is treated like no body: a dry run

	s := newTestServer(t, scenario.Incident)
	req := httptest.NewRequest(http.MethodPost, "/api/apply", strings.NewReader(""))
	req.ContentLength = -1
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[report.Document](t, rec)
	assert.True(t, doc.Run.DryRun)
}

func TestApply_ClientDisconnectDoesNotStopBatch(t *testing.T) {
	// GIVEN: A live apply whose client goes away after the first write
	// WHEN: The request context is cancelled mid-batch
	// THEN: Every change is still written

	s := newTestServer(t, scenario.Incident)
	ctx, disconnect := context.WithCancel(context.Background())
	defer disconnect()
	s.handler.Reconciler.Executor.OnOutcome = func(engine.Outcome) { disconnect() }

	req := httptest.NewRequest(http.MethodPost, "/api/apply", strings.NewReader(`{"dry_run": false}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[report.Document](t, rec)
	assert.Equal(t, engine.RunCompleted, doc.Run.Status)
	assert.Equal(t, scenario.IncidentChanges, doc.Run.Succeeded)

	s.handler.Reconciler.Executor.OnOutcome = nil
	plan := decode[engine.Plan](t, s.do(t, http.MethodGet, "/api/plan", ""))
	assert.Empty(t, plan.Changes)
}

func TestApply_ShutdownStopsBatch(t *testing.T) {
	// GIVEN: A live apply on a server that starts shutting down after the
	//        first write
	// WHEN: The server lifetime is cancelled
	// THEN: The remaining changes are skipped and the run reports failures

	s := newTestServer(t, scenario.Incident)
	lifetime, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	s.handler.Lifetime = lifetime
	s.handler.Reconciler.Executor.OnOutcome = func(engine.Outcome) { shutdown() }

	rec := s.do(t, http.MethodPost, "/api/apply", `{"dry_run": false}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[report.Document](t, rec)
	assert.Equal(t, engine.RunCompletedWithFailures, doc.Run.Status)
	assert.Equal(t, 1, doc.Run.Succeeded)
	require.NotNil(t, doc.Result)
	assert.Equal(t, scenario.IncidentChanges-1, doc.Result.Skipped)
}

// =============================================================================
// RUN HISTORY
// =============================================================================

func TestListRuns(t *testing.T) {
	s := newTestServer(t, scenario.Incident)

	empty := decode[[]engine.Run](t, s.do(t, http.MethodGet, "/api/runs", ""))
	assert.Empty(t, empty)

	s.do(t, http.MethodPost, "/api/apply", "")
	s.do(t, http.MethodPost, "/api/apply", `{"dry_run": false}`)

	runs := decode[[]engine.Run](t, s.do(t, http.MethodGet, "/api/runs?limit=1", ""))
	require.Len(t, runs, 1)
	assert.False(t, runs[0].DryRun)

	all := decode[[]engine.Run](t, s.do(t, http.MethodGet, "/api/runs", ""))
	assert.Len(t, all, 2)

	rec := s.do(t, http.MethodGet, "/api/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_ListAndLoad(t *testing.T) {
	// GIVEN: An empty local table
	// WHEN: Loading the incident scenario through the API
	// THEN: The plan finds the incident's changes

	s := newTestServer(t, "")

	list := decode[[]scenario.Scenario](t, s.do(t, http.MethodGet, "/api/scenarios", ""))
	assert.Len(t, list, 3)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "incident-2025", "reset": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	plan := decode[engine.Plan](t, s.do(t, http.MethodGet, "/api/plan", ""))
	assert.Len(t, plan.Changes, scenario.IncidentChanges)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "clean", "reset": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	plan = decode[engine.Plan](t, s.do(t, http.MethodGet, "/api/plan", ""))
	assert.Empty(t, plan.Changes)
}

func TestScenarios_Errors(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.handler.Scenarios = nil
	rec = s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "clean"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteJSON_ContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"a": "b"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":"b"}`, rec.Body.String())
	assert.True(t, bytes.HasSuffix(rec.Body.Bytes(), []byte("\n")))
}
