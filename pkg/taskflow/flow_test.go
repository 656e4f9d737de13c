package taskflow_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/machinery/mock"
	"github.com/burrow-sandbox/burrow/pkg/resultserver"
	"github.com/burrow-sandbox/burrow/pkg/taskflow"
	"github.com/burrow-sandbox/burrow/pkg/types"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// testNode wires up a real manager, result server and their control
// sockets, the way the node process does
type testNode struct {
	paths    *workdir.Paths
	pool     *machine.Pool
	backend  *mock.Machinery
	results  *resultserver.Server
	machSock string
	rsSock   string
	deps     taskflow.FlowDeps
}

func newTestNode(t *testing.T, machines ...*types.Machine) *testNode {
	t.Helper()

	sockDir, err := os.MkdirTemp("", "burrow")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	paths := workdir.New(t.TempDir())
	pool := machine.NewPool()
	backend := mock.New(machines)

	mgr := machinery.NewManager(machinery.Config{
		Pool:    pool,
		Paths:   paths,
		Workers: 2,
	})
	require.NoError(t, mgr.LoadMachineries([]machinery.Backend{backend}, nil))
	mgr.Start()
	t.Cleanup(mgr.Stop)

	machSock := filepath.Join(sockDir, "machinery.sock")
	machServer := machinery.NewSocketServer(machSock, mgr)
	require.NoError(t, machServer.Start())
	t.Cleanup(machServer.Stop)

	results := resultserver.New("127.0.0.1:0", paths)
	require.NoError(t, results.Start())
	t.Cleanup(results.Stop)

	rsSock := filepath.Join(sockDir, "resultserver.sock")
	rsControl := resultserver.NewControlServer(rsSock, results)
	require.NoError(t, rsControl.Start())
	t.Cleanup(rsControl.Stop)

	return &testNode{
		paths:    paths,
		pool:     pool,
		backend:  backend,
		results:  results,
		machSock: machSock,
		rsSock:   rsSock,
		deps: taskflow.FlowDeps{
			Paths:     paths,
			Machinery: machinery.NewClient(machSock),
			Results:   resultserver.NewClient(rsSock),
		},
	}
}

// fakeAgent serves the guest agent protocol on 127.0.0.1
func fakeAgent(t *testing.T) int {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts.Listener.Addr().(*net.TCPAddr).Port
}

func writeTask(t *testing.T, paths *workdir.Paths, task *types.Task) {
	t.Helper()
	require.NoError(t, paths.EnsureTaskDirs(task.ID))
	require.NoError(t, workdir.WriteJSON(paths.TaskJSON(task.ID), task))
}

func TestFlowHappyPath(t *testing.T) {
	mc := mock.MachineFor("vm1", "127.0.0.1")
	mc.Platform = "linux"
	mc.AgentPort = fakeAgent(t)

	node := newTestNode(t, mc)
	writeTask(t, node.paths, &types.Task{
		ID:         "task-1",
		AnalysisID: "analysis-1",
		Kind:       types.TaskKindStandard,
		Settings:   types.TaskSettings{Timeout: 1},
	})

	flow := taskflow.NewFlow("task-1", *mc, node.deps)
	require.NoError(t, flow.Run(context.Background()))

	// The machine went through running and is powered off again
	got, err := node.pool.GetByName("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatePoweroff, got.State)

	// Every successful map was balanced by an unmap
	assert.Empty(t, node.results.MappedTask("127.0.0.1"))

	// The machine snapshot landed in the task directory
	var snapshot types.Machine
	require.NoError(t, workdir.ReadJSON(node.paths.MachineJSON("task-1"), &snapshot))
	assert.Equal(t, "vm1", snapshot.Name)

	// Nothing went wrong, so no error report is written
	_, err = os.Stat(node.paths.RunErrorsJSON("task-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestFlowUnknownMachineFails(t *testing.T) {
	node := newTestNode(t, mock.MachineFor("vm1", "127.0.0.1"))
	writeTask(t, node.paths, &types.Task{
		ID:       "task-2",
		Kind:     types.TaskKindStandard,
		Settings: types.TaskSettings{Timeout: 1},
	})

	ghost := *mock.MachineFor("ghost", "127.0.0.2")
	flow := taskflow.NewFlow("task-2", ghost, node.deps)
	err := flow.Run(context.Background())
	require.Error(t, err)

	// The failed run leaves an error report and no stale mapping
	assert.Empty(t, node.results.MappedTask("127.0.0.2"))
	_, statErr := os.Stat(node.paths.RunErrorsJSON("task-2"))
	assert.NoError(t, statErr)
}

func TestFlowMissingTaskDescriptorFails(t *testing.T) {
	mc := mock.MachineFor("vm1", "127.0.0.1")
	node := newTestNode(t, mc)
	require.NoError(t, node.paths.EnsureTaskDirs("task-3"))

	flow := taskflow.NewFlow("task-3", *mc, node.deps)
	err := flow.Run(context.Background())
	require.Error(t, err)

	// Setup failed before the IP was mapped, so nothing to unmap and
	// the machine was never started
	got, poolErr := node.pool.GetByName("vm1")
	require.NoError(t, poolErr)
	assert.Equal(t, types.MachineStatePoweroff, got.State)
}

func TestFlowDuplicateMappingFails(t *testing.T) {
	mc := mock.MachineFor("vm1", "127.0.0.1")
	mc.Platform = "linux"
	mc.AgentPort = fakeAgent(t)

	node := newTestNode(t, mc)
	writeTask(t, node.paths, &types.Task{
		ID:       "task-4",
		Kind:     types.TaskKindStandard,
		Settings: types.TaskSettings{Timeout: 1},
	})

	// Another task already owns this guest IP
	require.NoError(t, node.results.AddMapping("127.0.0.1", "other-task"))

	flow := taskflow.NewFlow("task-4", *mc, node.deps)
	err := flow.Run(context.Background())
	require.Error(t, err)

	// The existing reservation is untouched
	assert.Equal(t, "other-task", node.results.MappedTask("127.0.0.1"))
}

func TestFlowCancelledContextStillCleansUp(t *testing.T) {
	mc := mock.MachineFor("vm1", "127.0.0.1")
	mc.Platform = "linux"
	mc.AgentPort = fakeAgent(t)

	node := newTestNode(t, mc)
	writeTask(t, node.paths, &types.Task{
		ID:       "task-5",
		Kind:     types.TaskKindStandard,
		Settings: types.TaskSettings{Timeout: 600},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	flow := taskflow.NewFlow("task-5", *mc, node.deps)
	go func() { errCh <- flow.Run(ctx) }()

	// Let the flow get into its analysis window, then pull the plug
	require.Eventually(t, func() bool {
		got, err := node.pool.GetByName("vm1")
		return err == nil && got.State == types.MachineStateRunning
	}, 30*time.Second, 200*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		// Cancellation is recorded but is not a fatal error
		assert.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("flow never returned after cancel")
	}

	got, err := node.pool.GetByName("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatePoweroff, got.State)
	assert.Empty(t, node.results.MappedTask("127.0.0.1"))
}
