package fsm

import (
	"testing"

	experiment "github.com/goliatone/go-experiment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableNextState(t *testing.T) {
	table := StandardTable()

	next, err := table.NextState(StateReady, ActionExecute)
	require.NoError(t, err)
	assert.Equal(t, StateWorking, next)

	_, err = table.NextState(StateCreated, ActionExecute)
	require.Error(t, err)
	assert.True(t, experiment.IsTransition(err))
	assert.False(t, table.IsActionAvailable(StateCreated, ActionExecute))
}

func TestTableWildcardSource(t *testing.T) {
	table := NewTable()
	table.MustRegister(ActionDescriptor{Name: "archive"}, "archived", Any)
	table.MustRegister(ActionDescriptor{Name: "archive"}, "kept", "pinned")

	next, err := table.NextState("anything", "archive")
	require.NoError(t, err)
	assert.Equal(t, "archived", next)

	next, err = table.NextState("pinned", "archive")
	require.NoError(t, err)
	assert.Equal(t, "kept", next, "explicit source wins over wildcard")
}

func TestTableRegisterRejectsConflicts(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register(ActionDescriptor{Name: "go"}, "b", "a"))
	require.NoError(t, table.Register(ActionDescriptor{Name: "go"}, "b", "a", "c"))

	err := table.Register(ActionDescriptor{Name: "go"}, "z", "a")
	require.Error(t, err)
	assert.True(t, experiment.IsConfiguration(err))

	assert.Error(t, table.Register(ActionDescriptor{Name: ""}, "b", "a"))
	assert.Error(t, table.Register(ActionDescriptor{Name: "x"}, "", "a"))
	assert.Error(t, table.Register(ActionDescriptor{Name: "x"}, "b"))
}

func TestVisibleActionsSortedWithTitles(t *testing.T) {
	table := StandardTable()

	visible := table.VisibleActions(StateDone)
	names := make([]string, 0, len(visible))
	for _, d := range visible {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.Title)
	}
	assert.Equal(t, []string{ActionResetExecution, ActionSaveParams}, names)

	for _, d := range table.VisibleActions(StateWorking) {
		assert.NotEqual(t, ActionSuccess, d.Name, "engine-internal actions stay hidden")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	base := StandardTable()
	ext := base.Clone()
	ext.MustRegister(ActionDescriptor{Name: "start_fetch", UserVisible: true}, StateWorking, StateReady)

	assert.True(t, ext.IsActionAvailable(StateReady, "start_fetch"))
	assert.False(t, base.IsActionAvailable(StateReady, "start_fetch"))
}

func TestStandardStatesClassify(t *testing.T) {
	cases := []struct {
		table  *Table
		status StatusMap
	}{
		{StandardTable(), StandardStatus()},
		{StandardMetaTable(), StandardMetaStatus()},
	}
	for _, tc := range cases {
		for _, state := range tc.table.States() {
			got := tc.status.Classify(state)
			switch state {
			case StateCreated, StateValidatingParams:
				assert.Equal(t, StatusNotReady, got, state)
			default:
				assert.NotEqual(t, StatusNotReady, got, state)
			}
		}
	}
}

func TestMetaTableIterationCycle(t *testing.T) {
	table := StandardMetaTable()
	state := StateReady
	steps := []struct{ action, want string }{
		{ActionExecute, StateGeneratingFolds},
		{ActionFoldsGenerated, StateReadyToRunSubScope},
		{ActionRunSubScope, StateSubScopeExecuting},
		{ActionSubScopeDone, StateReadyToRunSubScope},
		{ActionContinueCollecting, StateSubScopeExecuting},
		{ActionSubScopeDone, StateReadyToRunSubScope},
		{ActionRunSubScope, StateSubScopeExecuting},
		{ActionSubScopeDone, StateReadyToRunSubScope},
		{ActionSuccess, StateDone},
		{ActionResetExecution, StateReady},
	}
	for _, step := range steps {
		next, err := table.NextState(state, step.action)
		require.NoError(t, err, "%s from %s", step.action, state)
		require.Equal(t, step.want, next)
		state = next
	}
}

func TestCancelOnlyFromInFlightStates(t *testing.T) {
	tables := map[string]struct {
		table    *Table
		inFlight []string
	}{
		"standard": {StandardTable(), []string{StateWorking}},
		"meta":     {StandardMetaTable(), []string{StateGeneratingFolds, StateReadyToRunSubScope, StateSubScopeExecuting}},
	}
	for name, tc := range tables {
		t.Run(name, func(t *testing.T) {
			for _, state := range []string{StateCreated, StateValidatingParams, StateReady, StateDone, StateExecutionError} {
				if tc.table.IsActionAvailable(state, ActionCancel) {
					t.Fatalf("cancel must not be available from %s", state)
				}
			}
			for _, state := range tc.inFlight {
				next, err := tc.table.NextState(state, ActionCancel)
				require.NoError(t, err, "cancel from %s", state)
				assert.Equal(t, StateReady, next)
			}
		})
	}
}
