package machinery_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-sandbox/burrow/pkg/events"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/machinery/mock"
	"github.com/burrow-sandbox/burrow/pkg/types"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

const resolveWait = 10 * time.Second

func newTestManager(t *testing.T, machines ...*types.Machine) (*machinery.Manager, *mock.Machinery, *machine.Pool) {
	t.Helper()

	pool := machine.NewPool()
	be := mock.New(machines)
	mgr := machinery.NewManager(machinery.Config{
		Pool:    pool,
		Paths:   workdir.New(t.TempDir()),
		Workers: 2,
	})
	require.NoError(t, mgr.LoadMachineries([]machinery.Backend{be}, nil))
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return mgr, be, pool
}

func TestManagerRestoreStart(t *testing.T) {
	mgr, _, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStateRunning, mc.State)
}

func TestManagerStopAfterStart(t *testing.T) {
	mgr, _, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	res = mgr.Do(machinery.ActionStop, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatePoweroff, mc.State)
}

func TestManagerStateReachedIsSuccess(t *testing.T) {
	mgr, be, _ := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))
	be.SetState("vm1", types.MachineStateRunning)

	// Starting an already running machine is a no-op, not a failure
	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	assert.True(t, res.Success, res.Reason)
}

func TestManagerStateReachedSyncsStalePoolState(t *testing.T) {
	mgr, _, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	// The node went down with vm1 recorded running while the hypervisor
	// lost it; recovery enqueues a stop against the stale record
	require.NoError(t, pool.SetState("vm1", types.MachineStateRunning))

	res := mgr.Do(machinery.ActionStop, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatePoweroff, mc.State)

	// The machine is back in rotation, not stuck on the stale state
	_, err = pool.AcquireAvailable("task-1", "vm1")
	require.NoError(t, err)
}

func TestManagerTransientFailureKeepsMachine(t *testing.T) {
	mgr, be, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))
	be.FailStart["vm1"] = &machinery.Error{
		Machine: "vm1", Op: "start", Err: fmt.Errorf("hypervisor busy"),
	}

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "hypervisor busy")

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.False(t, mc.Disabled)
}

func TestManagerDisablesOnUnexpectedState(t *testing.T) {
	mgr, be, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))
	be.FailStart["vm1"] = &machinery.UnexpectedStateError{
		Machine: "vm1", State: types.MachineStateSuspended,
	}

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.False(t, res.Success)

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.True(t, mc.Disabled)
}

func TestManagerDisablesOnErrorStateWhileWaiting(t *testing.T) {
	machines := []*types.Machine{mock.MachineFor("vm1", "192.168.30.10")}
	pool := machine.NewPool()
	be := mock.New(machines)
	be.StartDelay = 30 * time.Second // never completes within the test

	broker := events.NewBroker()
	defer broker.Stop()
	sub := broker.Subscribe()

	mgr := machinery.NewManager(machinery.Config{
		Pool:    pool,
		Events:  broker,
		Paths:   workdir.New(t.TempDir()),
		Workers: 2,
	})
	require.NoError(t, mgr.LoadMachineries([]machinery.Backend{be}, nil))
	mgr.Start()
	defer mgr.Stop()

	replyCh, err := mgr.Enqueue(machinery.ActionRestoreStart, "vm1")
	require.NoError(t, err)

	// The machine crashes while the manager waits for running
	time.Sleep(1500 * time.Millisecond)
	be.SetState("vm1", types.MachineStateError)

	select {
	case res := <-replyCh:
		assert.False(t, res.Success)
	case <-time.After(resolveWait):
		t.Fatal("action never resolved")
	}

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.True(t, mc.Disabled)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventMachineDisabled, ev.Payload.Type)
		assert.Equal(t, "vm1", ev.Payload.MachineName)
	case <-time.After(resolveWait):
		t.Fatal("no machine_disabled event")
	}
}

func TestManagerPausedIsResumedWhileWaiting(t *testing.T) {
	mgr, be, _ := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))
	be.StartDelay = 30 * time.Second

	replyCh, err := mgr.Enqueue(machinery.ActionRestoreStart, "vm1")
	require.NoError(t, err)

	// The guest lands in paused mid-boot; HandlePaused resumes it to
	// running, which is the state the start was waiting for
	time.Sleep(1500 * time.Millisecond)
	be.SetState("vm1", types.MachineStatePaused)

	select {
	case res := <-replyCh:
		assert.True(t, res.Success, res.Reason)
	case <-time.After(resolveWait):
		t.Fatal("action never resolved")
	}
}

func TestManagerTimeoutWithoutFallbackDisables(t *testing.T) {
	orig := machinery.RestoreStartTimeout
	machinery.RestoreStartTimeout = 2 * time.Second
	defer func() { machinery.RestoreStartTimeout = orig }()

	mgr, be, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))
	be.StartDelay = time.Hour

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.False(t, res.Success)
	assert.Equal(t, machinery.TimeoutDisableReason, res.Reason)

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.True(t, mc.Disabled)
	assert.Equal(t, machinery.TimeoutDisableReason, mc.DisabledReason)
}

func TestManagerACPIStopFallsBackToStop(t *testing.T) {
	orig := machinery.ACPIStopTimeout
	machinery.ACPIStopTimeout = 2 * time.Second
	defer func() { machinery.ACPIStopTimeout = orig }()

	mgr, be, pool := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	// The graceful stop stalls; the fallback hard stop must answer the
	// original caller instead
	be.ACPIStopDelay = time.Hour
	replyCh, err := mgr.Enqueue(machinery.ActionACPIStop, "vm1")
	require.NoError(t, err)

	select {
	case res := <-replyCh:
		assert.True(t, res.Success, res.Reason)
	case <-time.After(resolveWait * 2):
		t.Fatal("fallback never resolved")
	}

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.False(t, mc.Disabled)
	assert.Equal(t, types.MachineStatePoweroff, mc.State)
}

func TestManagerPerMachineFIFO(t *testing.T) {
	mgr, _, _ := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	// Start then stop for the same machine, submitted back to back,
	// must execute in order even with two workers
	startCh, err := mgr.Enqueue(machinery.ActionRestoreStart, "vm1")
	require.NoError(t, err)
	stopCh, err := mgr.Enqueue(machinery.ActionStop, "vm1")
	require.NoError(t, err)

	var stopRes machinery.Result
	select {
	case stopRes = <-stopCh:
	case <-time.After(resolveWait):
		t.Fatal("stop never resolved")
	}
	require.True(t, stopRes.Success, stopRes.Reason)

	// The stop only runs once the start has resolved and released the
	// machine lock, so the start reply is already buffered here
	select {
	case startRes := <-startCh:
		assert.True(t, startRes.Success, startRes.Reason)
	default:
		t.Fatal("stop resolved before the earlier start")
	}
}

func TestManagerDisabledIntakeAllowsOnlyStops(t *testing.T) {
	mgr, _, _ := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	mgr.Disable()
	_, err := mgr.Enqueue(machinery.ActionRestoreStart, "vm1")
	assert.Error(t, err)
	_, err = mgr.Enqueue(machinery.ActionScreenshot, "vm1")
	assert.Error(t, err)

	res = mgr.Do(machinery.ActionStop, "vm1", resolveWait)
	assert.True(t, res.Success, res.Reason)

	mgr.Enable()
	_, err = mgr.Enqueue(machinery.ActionRestoreStart, "vm1")
	assert.NoError(t, err)
}

func TestManagerEnqueueUnknownMachine(t *testing.T) {
	mgr, _, _ := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	_, err := mgr.Enqueue(machinery.ActionRestoreStart, "ghost")
	assert.Error(t, err)

	_, err = mgr.Enqueue(machinery.Action("explode"), "vm1")
	assert.Error(t, err)
}

func TestManagerScreenshot(t *testing.T) {
	pool := machine.NewPool()
	be := mock.New([]*types.Machine{mock.MachineFor("vm1", "192.168.30.10")})
	paths := workdir.New(t.TempDir())
	mgr := machinery.NewManager(machinery.Config{
		Pool:    pool,
		Paths:   paths,
		Workers: 2,
	})
	require.NoError(t, mgr.LoadMachineries([]machinery.Backend{be}, nil))
	mgr.Start()
	defer mgr.Stop()

	// The screenshot path is derived from the locking task's directory
	require.NoError(t, paths.EnsureTaskDirs("task-1"))
	_, err := pool.AcquireAvailable("task-1", "vm1")
	require.NoError(t, err)

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	res = mgr.Do(machinery.ActionScreenshot, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	shots, err := os.ReadDir(paths.ScreenshotDir("task-1"))
	require.NoError(t, err)
	assert.Len(t, shots, 1)
}

func TestManagerScreenshotRequiresLockingTask(t *testing.T) {
	mgr, _, _ := newTestManager(t, mock.MachineFor("vm1", "192.168.30.10"))

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	// No task holds the machine, so there is no task directory to
	// write the screenshot into
	res = mgr.Do(machinery.ActionScreenshot, "vm1", resolveWait)
	assert.False(t, res.Success)
}

func TestManagerShutdownAllMarksFailures(t *testing.T) {
	mgr, be, pool := newTestManager(t,
		mock.MachineFor("vm1", "192.168.30.10"),
		mock.MachineFor("vm2", "192.168.30.11"))

	res := mgr.Do(machinery.ActionRestoreStart, "vm1", resolveWait)
	require.True(t, res.Success, res.Reason)

	be.FailStop["vm1"] = fmt.Errorf("stuck")
	mgr.ShutdownAll()

	mc, err := pool.GetByName("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStateError, mc.State)

	mc2, err := pool.GetByName("vm2")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatePoweroff, mc2.State)
}
