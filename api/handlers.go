/*
handlers.go - HTTP API handlers for the reconciler

PURPOSE:
  Exposes planning and runs over REST so a dashboard (or curl) can inspect
  the distribution and trigger a reconciliation without shell access.

ENDPOINTS:
  GET    /api/health               Liveness, table, policy version
  GET    /api/policy               Active boundary table and windows
  GET    /api/distribution         Current and expected distribution
  GET    /api/plan                 Full plan (changes, overrides, unresolved)
  POST   /api/apply                Run: {"dry_run": bool}, dry-run by default
  GET    /api/runs?limit=N         Recorded runs, newest first

  Scenarios (only when serving a local sqlite table):
    GET  /api/scenarios            List datasets
    POST /api/scenarios/load       Seed the table: {"scenario_id": "...", "reset": true}

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Reconciler: planner + executor over the configured store
  - Runs: audit trail
  - Metrics: Prometheus collectors, updated after every run

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid request body
  - 404: Unknown scenario, scenarios unavailable
  - 409: A run is already in progress
  - 422: Policy rejected
  - 502: Table scan failed
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/metrics"
	"github.com/warp/vialfix/report"
	"github.com/warp/vialfix/scenario"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ScenarioStore is a local table that can be wiped and reseeded.
type ScenarioStore interface {
	scenario.Seeder
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reconciler *engine.Reconciler
	Runs       engine.RunStore
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger

	// Scenarios is nil against the production table.
	Scenarios ScenarioStore

	// Lifetime is cancelled on process shutdown. It is the only thing that
	// stops an apply once started; the request context is not.
	Lifetime context.Context

	// One run at a time; planning reads are not serialized.
	runMu   sync.Mutex
	running bool
}

// NewHandler creates a new handler around a reconciler.
func NewHandler(rec *engine.Reconciler, runs engine.RunStore, m *metrics.Metrics, logger *zerolog.Logger) *Handler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{Reconciler: rec, Runs: runs, Metrics: m, Logger: logger}
}

func (h *Handler) policy() engine.Policy { return h.Reconciler.Planner.Policy }

// =============================================================================
// STATUS ENDPOINTS
// =============================================================================

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.runMu.Lock()
	running := h.running
	h.runMu.Unlock()

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Table:         h.Reconciler.Table,
		PolicyVersion: h.policy().Version,
		Running:       running,
	})
}

// GetPolicy returns the active policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPolicyDTO(h.policy()))
}

// =============================================================================
// PLANNING ENDPOINTS
// =============================================================================

// GetDistribution returns the current and expected distribution.
func (h *Handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.plan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDistributionResponse(plan))
}

// GetPlan returns the full plan without writing anything.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.plan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) (*engine.Plan, bool) {
	plan, err := h.Reconciler.Planner.Plan(r.Context())
	if err != nil {
		writePlanError(w, err)
		return nil, false
	}
	return plan, true
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// Apply runs the reconciler. Without a body, or with dry_run omitted, it
// is a dry run.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dryRun := req.DryRun == nil || *req.DryRun

	if !h.startRun() {
		writeError(w, http.StatusConflict, "A run is already in progress", nil)
		return
	}
	defer h.finishRun()

	ctx, cancel := h.runContext(r)
	defer cancel()

	start := time.Now()
	rep, err := h.Reconciler.Run(ctx, dryRun, nil)
	h.Metrics.ObserveRun(rep, start)

	doc := report.NewDocument(rep, err)
	if err != nil {
		h.Logger.Error().Err(err).Msg("run aborted")
		writeJSON(w, planErrorStatus(err), doc)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// runContext detaches a run from its request so a client that disconnects
// mid-batch does not leave the remaining changes skipped.
func (h *Handler) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Lifetime != nil {
		return context.WithCancel(h.Lifetime)
	}
	return context.WithCancel(context.WithoutCancel(r.Context()))
}

func (h *Handler) startRun() bool {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		return false
	}
	h.running = true
	return true
}

func (h *Handler) finishRun() {
	h.runMu.Lock()
	h.running = false
	h.runMu.Unlock()
}

// ListRuns returns recorded runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []engine.Run{})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []engine.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// SCENARIO ENDPOINTS
// =============================================================================

// ListScenarios returns available datasets.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenario.List())
}

// LoadScenario seeds the local table with a dataset.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeError(w, http.StatusNotFound, "Scenarios are only available on a local table", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := scenario.Get(req.ScenarioID); !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", errors.New(req.ScenarioID))
		return
	}

	if !h.startRun() {
		writeError(w, http.StatusConflict, "A run is already in progress", nil)
		return
	}
	defer h.finishRun()

	ctx := r.Context()
	if req.Reset {
		if err := h.Scenarios.Reset(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to reset table", err)
			return
		}
	}
	s, err := scenario.Load(ctx, h.Scenarios, req.ScenarioID, h.Reconciler.Planner.Schema)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.Logger.Info().Str("scenario", s.ID).Bool("reset", req.Reset).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, s)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func planErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrScanFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writePlanError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "Planning failed", Details: err.Error()}
	switch {
	case errors.Is(err, engine.ErrInvalidPolicy):
		resp.Code = "invalid_policy"
	case errors.Is(err, engine.ErrScanFailed):
		resp.Code = "scan_failed"
		var se *engine.ScanError
		if errors.As(err, &se) && se.LastCursor != nil {
			resp.Details = map[string]any{"error": err.Error(), "last_cursor": se.LastCursor.String()}
		}
	}
	writeJSON(w, planErrorStatus(err), resp)
}
