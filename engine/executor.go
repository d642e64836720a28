/*
executor.go - Applies a change-set

PURPOSE:
  Turns planned changes into association writes, one item at a time.

MODES:
  Dry-run:  every change is reported as planned; the store is not touched.
  Live:     each change is written in change-set order. A failed write is
            recorded and the batch continues; every change is attempted.
            Each write is stamped with the clock at the moment it is issued.

CONDITIONAL WRITES:
  With Conditional set, writes go through UpdateAssociationIf using the
  association the plan was computed from. A record changed by someone else
  since the scan fails with ErrConcurrentModification instead of being
  silently overwritten.

CANCELLATION:
  If ctx is cancelled mid-batch, the remaining changes are marked skipped.
  Changes already written stay written.
*/
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// OUTCOMES
// =============================================================================

type OutcomeStatus string

const (
	OutcomePlanned OutcomeStatus = "planned" // dry-run
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the result of one change.
type Outcome struct {
	Change    Change        `json:"change"`
	Status    OutcomeStatus `json:"status"`
	AppliedAt time.Time     `json:"applied_at,omitempty"`
	Err       error         `json:"-"`
}

// ApplyResult aggregates outcomes for a batch.
type ApplyResult struct {
	DryRun    bool      `json:"dry_run"`
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Outcomes  []Outcome `json:"outcomes"`
}

// HasFailures reports whether any attempted write failed.
func (r *ApplyResult) HasFailures() bool { return r.Failed > 0 }

// =============================================================================
// EXECUTOR
// =============================================================================

type Executor struct {
	Store       RecordStore
	Clock       Clock
	Conditional bool
	Logger      *zerolog.Logger

	// OnOutcome is called after each change, in order. Optional.
	OnOutcome func(Outcome)
}

func NewExecutor(store RecordStore) *Executor {
	return &Executor{Store: store, Clock: time.Now}
}

func (e *Executor) log() *zerolog.Logger {
	if e.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return e.Logger
}

func (e *Executor) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

// Apply runs the change-set. It never returns early on a per-item failure.
func (e *Executor) Apply(ctx context.Context, changes []Change, dryRun bool) *ApplyResult {
	result := &ApplyResult{DryRun: dryRun, Outcomes: make([]Outcome, 0, len(changes))}

	for _, c := range changes {
		var out Outcome
		switch {
		case dryRun:
			out = Outcome{Change: c, Status: OutcomePlanned}
		case ctx.Err() != nil:
			out = Outcome{Change: c, Status: OutcomeSkipped, Err: ctx.Err()}
			result.Skipped++
		default:
			out = e.applyOne(ctx, c)
			result.Attempted++
			if out.Status == OutcomeApplied {
				result.Succeeded++
			} else {
				result.Failed++
			}
		}

		result.Outcomes = append(result.Outcomes, out)
		if e.OnOutcome != nil {
			e.OnOutcome(out)
		}
	}

	e.log().Info().
		Bool("dry_run", dryRun).
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("apply finished")

	return result
}

func (e *Executor) applyOne(ctx context.Context, c Change) Outcome {
	at := e.now()

	var err error
	if e.Conditional {
		err = e.Store.UpdateAssociationIf(ctx, c.Key, c.Previous, c.Correct, at)
	} else {
		err = e.Store.UpdateAssociation(ctx, c.Key, c.Correct, at)
	}

	if err != nil {
		e.log().Error().Err(err).Str("key", c.Key.String()).Msg("update failed")
		return Outcome{Change: c, Status: OutcomeFailed, AppliedAt: at, Err: &UpdateError{Key: c.Key, Err: err}}
	}

	e.log().Debug().Str("key", c.Key.String()).Str("vial", string(c.Correct)).Msg("updated")
	return Outcome{Change: c, Status: OutcomeApplied, AppliedAt: at}
}
