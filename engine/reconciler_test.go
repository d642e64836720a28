package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/factory"
	"github.com/warp/vialfix/scenario"
	"github.com/warp/vialfix/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestReconciler(t *testing.T, id string) (*engine.Reconciler, *memory.Memory) {
	t.Helper()
	store := newScenarioStore(t, id)
	planner := engine.NewPlanner(store, engine.DefaultSchema(), incidentPolicy(t))
	exec := engine.NewExecutor(store)
	exec.Clock = fixedClock

	rec := engine.NewReconciler(planner, exec, store, "reta-data")
	rec.Clock = fixedClock
	n := 0
	rec.NewID = func() string {
		n++
		return "run-" + string(rune('0'+n))
	}
	return rec, store
}

// recordingObserver captures the order of observer calls.
type recordingObserver struct {
	calls  []string
	plan   *engine.Plan
	result *engine.ApplyResult
}

func (o *recordingObserver) Planned(p *engine.Plan) {
	o.calls = append(o.calls, "planned")
	o.plan = p
}

func (o *recordingObserver) Applied(r *engine.ApplyResult) {
	o.calls = append(o.calls, "applied")
	o.result = r
}

// =============================================================================
// RUN TESTS
// =============================================================================

func TestReconciler_DryRun_RecordsPlannedRun(t *testing.T) {
	// GIVEN: The incident table
	// WHEN: Running as a dry run
	// THEN: The table is unchanged and a planned run is recorded

	rec, store := newTestReconciler(t, scenario.Incident)
	before := store.Dump()
	obs := &recordingObserver{}

	rep, err := rec.Run(context.Background(), true, obs)
	require.NoError(t, err)

	assert.Equal(t, []string{"planned", "applied"}, obs.calls)
	assert.Equal(t, before, store.Dump())
	assert.Equal(t, engine.RunPlanned, rep.Run.Status)
	assert.Equal(t, scenario.IncidentChanges, rep.Run.Planned)
	assert.Zero(t, rep.Run.Succeeded)
	assert.Equal(t, factory.IncidentPresetName, rep.Run.PolicyVersion)

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.Run, runs[0])
}

func TestReconciler_Live_ThenIdempotent(t *testing.T) {
	// GIVEN: The incident table
	// WHEN: Running live twice
	// THEN: The first run fixes every shot; the second finds nothing to do
	//       and its expected distribution matches the first

	rec, _ := newTestReconciler(t, scenario.Incident)

	first, err := rec.Run(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, first.Run.Status)
	assert.Equal(t, scenario.IncidentChanges, first.Run.Succeeded)
	assert.Zero(t, first.Run.Failed)
	assert.Equal(t, "reta-data", first.Run.Table)
	assert.Equal(t, fixedNow, first.Run.StartedAt)

	second, err := rec.Run(context.Background(), false, nil)
	require.NoError(t, err)
	assert.True(t, second.Plan.IsEmpty())
	assert.Equal(t, engine.RunCompleted, second.Run.Status)
	assert.Equal(t, first.Plan.Expected, second.Plan.Current)
	assert.Equal(t, first.Plan.Expected, second.Plan.Expected)
}

func TestReconciler_PartialFailure_Status(t *testing.T) {
	// GIVEN: One write fails
	// WHEN: Running live
	// THEN: The run completes with failures and the counts add up

	rec, store := newTestReconciler(t, scenario.Incident)
	calls := 0
	store.FailUpdate = func(engine.Key) error {
		calls++
		if calls == 4 {
			return errors.New("network reset")
		}
		return nil
	}

	rep, err := rec.Run(context.Background(), false, nil)
	require.NoError(t, err)

	assert.Equal(t, engine.RunCompletedWithFailures, rep.Run.Status)
	assert.Equal(t, scenario.IncidentChanges-1, rep.Run.Succeeded)
	assert.Equal(t, 1, rep.Run.Failed)
	assert.Equal(t, rep.Run.Planned, rep.Run.Succeeded+rep.Run.Failed)

	// A rerun picks up the one that failed.
	store.FailUpdate = nil
	rerun, err := rec.Run(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rerun.Run.Planned)
	assert.Equal(t, engine.RunCompleted, rerun.Run.Status)
}

func TestReconciler_ScanFailure_AbortsAndRecords(t *testing.T) {
	// GIVEN: The vial scan fails
	// WHEN: Running live
	// THEN: Nothing is written, the observer is never called and an aborted
	//       run is recorded with the error

	rec, store := newTestReconciler(t, scenario.Incident)
	before := store.Dump()
	store.FailPage = func(kind engine.Kind, page int) error {
		if kind == engine.KindVial {
			return errors.New("access denied")
		}
		return nil
	}
	obs := &recordingObserver{}

	rep, err := rec.Run(context.Background(), false, obs)

	require.Error(t, err)
	assert.True(t, engine.IsAbort(err))
	assert.Empty(t, obs.calls)
	assert.Equal(t, before, store.Dump())
	require.NotNil(t, rep)
	assert.Equal(t, engine.RunAborted, rep.Run.Status)
	assert.Contains(t, rep.Run.Error, "access denied")
	assert.Nil(t, rep.Plan)

	runs, err := store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, engine.RunAborted, runs[0].Status)
}

func TestReconciler_InvalidPolicy_Aborts(t *testing.T) {
	rec, _ := newTestReconciler(t, scenario.Incident)
	rec.Planner.Policy = engine.Policy{Version: "broken"}

	rep, err := rec.Run(context.Background(), false, nil)

	assert.ErrorIs(t, err, engine.ErrInvalidPolicy)
	assert.Equal(t, engine.RunAborted, rep.Run.Status)
	assert.Equal(t, "broken", rep.Run.PolicyVersion)
}

func TestReconciler_EdgeCases_CountsUnresolved(t *testing.T) {
	rec, _ := newTestReconciler(t, scenario.EdgeCases)

	rep, err := rec.Run(context.Background(), false, nil)
	require.NoError(t, err)

	assert.Equal(t, scenario.EdgeCaseChanges, rep.Run.Succeeded)
	assert.Equal(t, scenario.EdgeCaseUnresolved, rep.Run.Unresolved)
	assert.Equal(t, engine.RunCompleted, rep.Run.Status)
}
