/*
reconciler.go - One end-to-end run: plan, report, apply, record

PURPOSE:
  Glues Planner and Executor together with the audit trail. Both the CLI
  and the HTTP API drive runs through here so they share one sequence.

SEQUENCE:
  1. Plan (validate policy, scan, diff)     -> Observer.Planned
  2. Apply (dry-run or live)                -> Observer.Applied
  3. Save the Run record (also on abort)

  Observer.Planned is always called before any write, so whatever the
  caller prints about the current state comes before what it changes.

RUN STATUS:
  aborted                  planning failed, nothing was written
  planned                  dry-run finished
  completed                live run, every write succeeded
  completed_with_failures  live run, at least one write failed or was skipped
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer receives a run's intermediate results.
type Observer interface {
	Planned(plan *Plan)
	Applied(result *ApplyResult)
}

type NopObserver struct{}

func (NopObserver) Planned(*Plan) {}
func (NopObserver) Applied(*ApplyResult) {}

// RunReport is everything one run produced.
type RunReport struct {
	Run    Run          `json:"run"`
	Plan   *Plan        `json:"plan,omitempty"`
	Result *ApplyResult `json:"result,omitempty"`
}

// Reconciler runs the job against one table.
type Reconciler struct {
	Planner  *Planner
	Executor *Executor
	Runs     RunStore // optional
	Table    string
	Clock    Clock
	NewID    func() string
	Logger   *zerolog.Logger
}

func NewReconciler(planner *Planner, executor *Executor, runs RunStore, table string) *Reconciler {
	return &Reconciler{
		Planner:  planner,
		Executor: executor,
		Runs:     runs,
		Table:    table,
		Clock:    time.Now,
		NewID:    uuid.NewString,
	}
}

func (r *Reconciler) log() *zerolog.Logger {
	if r.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return r.Logger
}

func (r *Reconciler) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock()
}

// Run executes one pass. A non-nil error means the run aborted before any
// write; the returned report still carries the aborted Run record.
func (r *Reconciler) Run(ctx context.Context, dryRun bool, obs Observer) (*RunReport, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	newID := r.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	run := Run{
		ID:            newID(),
		Table:         r.Table,
		DryRun:        dryRun,
		PolicyVersion: r.Planner.Policy.Version,
		StartedAt:     r.now().UTC(),
	}
	logger := r.log().With().Str("run_id", run.ID).Bool("dry_run", dryRun).Logger()
	logger.Info().Str("table", r.Table).Msg("run started")

	plan, err := r.Planner.Plan(ctx)
	if err != nil {
		run.Status = RunAborted
		run.Error = err.Error()
		run.CompletedAt = r.now().UTC()
		r.save(ctx, run, &logger)
		logger.Error().Err(err).Msg("run aborted")
		return &RunReport{Run: run}, err
	}

	run.Injections = plan.Injections
	run.Vials = plan.Vials
	run.Planned = len(plan.Changes)
	run.Unresolved = len(plan.Unresolved)
	obs.Planned(plan)

	result := r.Executor.Apply(ctx, plan.Changes, dryRun)
	obs.Applied(result)

	run.Succeeded = result.Succeeded
	run.Failed = result.Failed + result.Skipped
	run.Status = statusFor(result)
	run.CompletedAt = r.now().UTC()
	r.save(ctx, run, &logger)

	logger.Info().
		Str("status", string(run.Status)).
		Int("planned", run.Planned).
		Int("succeeded", run.Succeeded).
		Int("failed", run.Failed).
		Msg("run finished")

	return &RunReport{Run: run, Plan: plan, Result: result}, nil
}

func (r *Reconciler) save(ctx context.Context, run Run, logger *zerolog.Logger) {
	if r.Runs == nil {
		return
	}
	// Recorded even when ctx was cancelled.
	if err := r.Runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn().Err(err).Msg("failed to record run")
	}
}

func statusFor(result *ApplyResult) RunStatus {
	switch {
	case result.DryRun:
		return RunPlanned
	case result.Failed > 0 || result.Skipped > 0:
		return RunCompletedWithFailures
	default:
		return RunCompleted
	}
}
