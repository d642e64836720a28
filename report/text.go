/*
Package report renders reconciliation runs for operators.

FORMATS:
  text: the console report, printed while the run progresses
        1. Current vial distribution (with dry-stock warnings)
        2. Changes needed
        3. Expected distribution after fix
        4. Per-item apply progress and the summary line
  json: one document per run (run record, plan, apply result)

The text sections keep their established headings so operators and their
scripts can diff a rehearsal against a live run.
*/
package report

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/vialfix/engine"
)

const rule = "============================================================"

// Text writes the console report. It implements engine.Observer; wire
// Outcome into Executor.OnOutcome for per-item progress.
type Text struct {
	w      io.Writer
	DryRun bool

	// HideShots drops the per-shot lines under each current-distribution row.
	HideShots bool
}

var _ engine.Observer = (*Text)(nil)

func NewText(w io.Writer, dryRun bool) *Text {
	return &Text{w: w, DryRun: dryRun}
}

func (t *Text) printf(format string, args ...any) {
	fmt.Fprintf(t.w, format, args...)
}

func (t *Text) section(title string) {
	t.printf("\n%s\n%s\n%s\n", rule, title, rule)
}

// Loaded prints the scan counts.
func (t *Text) Loaded(injections, vials int) {
	t.printf("  Found %d injections\n", injections)
	t.printf("  Found %d vials\n", vials)
}

// Planned prints everything known before the first write.
func (t *Text) Planned(plan *engine.Plan) {
	t.Loaded(plan.Injections, plan.Vials)

	t.section("Current vial distribution:")
	for _, row := range plan.Current.Rows {
		warning := ""
		if row.DryStock {
			warning = " [WARNING] SHOULD NOT HAVE SHOTS!"
		}
		t.printf("  %s: %d shots, %s total%s\n", row.Vial, row.Count, mg(row.TotalMg), warning)
		if t.HideShots {
			continue
		}
		for _, s := range row.Shots {
			t.printf("    - %s: %s\n", s.Date(), mg(s.Dose))
		}
	}

	t.section("Changes needed:")
	for _, u := range plan.Unresolved {
		if errors.Is(u.Err, engine.ErrNoTimestamp) {
			t.printf("  [!] Cannot determine vial for %s\n", unknownIfEmpty(u.Timestamp))
		}
	}
	for _, c := range plan.Changes {
		t.printf("  %s\n", c)
	}
	if plan.IsEmpty() {
		t.printf("  No changes needed - distribution is already correct!\n")
	} else {
		t.printf("\nTotal changes: %d\n", len(plan.Changes))
	}

	if len(plan.Overrides) > 0 {
		t.section("Manual assignments kept:")
		for _, o := range plan.Overrides {
			t.printf("  %s: %s (policy: %s, vial window %s)\n", unknownIfEmpty(engine.DateOf(o.Timestamp)), o.Current, o.Policy, o.Window)
		}
	}

	if decodeFailures := decodeFailures(plan.Unresolved); len(decodeFailures) > 0 {
		t.section("Unreadable records (skipped):")
		for _, u := range decodeFailures {
			t.printf("  %s %s: %s\n", u.Kind, u.Key, u.Reason)
		}
	}

	if plan.IsEmpty() {
		return
	}

	t.section("Expected distribution after fix:")
	for _, row := range plan.Expected.Rows {
		t.printf("  %s: %d shots, %s total\n", row.Vial, row.Count, mg(row.TotalMg))
	}

	if !t.DryRun {
		t.printf("\nApplying changes...\n")
	}
}

// Outcome prints the progress line of one change.
func (t *Text) Outcome(o engine.Outcome) {
	switch o.Status {
	case engine.OutcomeApplied:
		t.printf("  Updating %s...\n", truncate(o.Change.Key.SK, 40))
		t.printf("    [OK] Updated to %s\n", o.Change.Correct)
	case engine.OutcomeFailed:
		t.printf("  Updating %s...\n", truncate(o.Change.Key.SK, 40))
		t.printf("    [FAIL] Error: %v\n", o.Err)
	case engine.OutcomeSkipped:
		t.printf("  Skipping %s: %v\n", truncate(o.Change.Key.SK, 40), o.Err)
	}
}

// Applied prints the closing lines.
func (t *Text) Applied(result *engine.ApplyResult) {
	if len(result.Outcomes) == 0 {
		return
	}
	if result.DryRun {
		t.printf("\n[DRY RUN] No changes applied\n")
		t.printf("Run without --dry-run to apply changes\n")
		return
	}
	t.printf("\nDone! Updated %d injections, %d errors\n", result.Succeeded, result.Failed)
	if result.Skipped > 0 {
		t.printf("%d changes not attempted (run interrupted)\n", result.Skipped)
	}
}

// Aborted prints why a run stopped before writing anything.
func (t *Text) Aborted(err error) {
	t.printf("\n[ABORTED] %v\n", err)
	t.printf("No changes applied\n")
}

// Runs prints recorded runs, newest first.
func (t *Text) Runs(runs []engine.Run) {
	if len(runs) == 0 {
		t.printf("No runs recorded\n")
		return
	}
	for _, r := range runs {
		mode := "live"
		if r.DryRun {
			mode = "dry-run"
		}
		t.printf("%s  %s  %-7s %-23s planned=%d ok=%d failed=%d unresolved=%d",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, mode, r.Status,
			r.Planned, r.Succeeded, r.Failed, r.Unresolved)
		if r.Error != "" {
			t.printf("  error=%q", r.Error)
		}
		t.printf("\n")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func mg(d decimal.Decimal) string { return d.String() + "mg" }

func unknownIfEmpty(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func decodeFailures(unresolved []engine.Unresolved) []engine.Unresolved {
	var out []engine.Unresolved
	for _, u := range unresolved {
		if !errors.Is(u.Err, engine.ErrNoTimestamp) {
			out = append(out, u)
		}
	}
	return out
}

// Summary is a one-line description of a finished run.
func Summary(r engine.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s %s", r.ID, r.Status)
	if r.Status != engine.RunAborted {
		fmt.Fprintf(&b, ": %d planned, %d updated, %d failed", r.Planned, r.Succeeded, r.Failed)
	}
	if r.Unresolved > 0 {
		fmt.Fprintf(&b, ", %d unresolved", r.Unresolved)
	}
	return b.String()
}
