package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-sandbox/burrow/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMachineStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveMachineState(StoredMachine{
		Name:  "vm1",
		State: types.MachineStateRunning,
	}))
	require.NoError(t, store.SaveMachineState(StoredMachine{
		Name:           "vm2",
		State:          types.MachineStateError,
		Disabled:       true,
		DisabledReason: "timeout",
	}))

	got, err := store.GetMachineState("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStateRunning, got.State)

	states, err := store.ListMachineStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.True(t, states["vm2"].Disabled)
	assert.Equal(t, "timeout", states["vm2"].DisabledReason)

	_, err = store.GetMachineState("ghost")
	assert.Error(t, err)
}

func TestMachineStateUpsert(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveMachineState(StoredMachine{Name: "vm1", State: types.MachineStateRunning}))
	require.NoError(t, store.SaveMachineState(StoredMachine{Name: "vm1", State: types.MachineStatePoweroff}))

	got, err := store.GetMachineState("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatePoweroff, got.State)

	states, err := store.ListMachineStates()
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestTaskLifecycle(t *testing.T) {
	store := newTestStore(t)

	rec := &types.TaskRecord{
		ID:         "task-1",
		AnalysisID: "analysis-1",
		Machine:    "vm1",
		State:      types.TaskStateQueued,
	}
	require.NoError(t, store.SaveTask(rec))
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQueued, got.State)
	assert.Equal(t, "vm1", got.Machine)

	rec.State = types.TaskStateDone
	require.NoError(t, store.SaveTask(rec))

	got, err = store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, got.State)

	require.NoError(t, store.DeleteTask("task-1"))
	_, err = store.GetTask("task-1")
	assert.Error(t, err)
}

func TestListUnfinishedTasks(t *testing.T) {
	store := newTestStore(t)

	for _, rec := range []*types.TaskRecord{
		{ID: "t1", State: types.TaskStateQueued},
		{ID: "t2", State: types.TaskStateRunning},
		{ID: "t3", State: types.TaskStateDone},
		{ID: "t4", State: types.TaskStateFailed},
	} {
		require.NoError(t, store.SaveTask(rec))
	}

	unfinished, err := store.ListUnfinishedTasks()
	require.NoError(t, err)
	require.Len(t, unfinished, 2)

	ids := map[string]bool{}
	for _, rec := range unfinished {
		ids[rec.ID] = true
	}
	assert.True(t, ids["t1"])
	assert.True(t, ids["t2"])
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveMachineState(StoredMachine{Name: "vm1", State: types.MachineStateRunning}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetMachineState("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStateRunning, got.State)
}
