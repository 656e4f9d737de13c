package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/burrow-sandbox/burrow/pkg/api"
	"github.com/burrow-sandbox/burrow/pkg/config"
	"github.com/burrow-sandbox/burrow/pkg/events"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/machinery"
	"github.com/burrow-sandbox/burrow/pkg/machinery/container"
	"github.com/burrow-sandbox/burrow/pkg/machinery/lima"
	"github.com/burrow-sandbox/burrow/pkg/machinery/mock"
	"github.com/burrow-sandbox/burrow/pkg/machinery/qemu"
	"github.com/burrow-sandbox/burrow/pkg/metrics"
	"github.com/burrow-sandbox/burrow/pkg/node"
	"github.com/burrow-sandbox/burrow/pkg/storage"
	"github.com/burrow-sandbox/burrow/pkg/taskflow"
	"github.com/burrow-sandbox/burrow/pkg/types"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the Burrow worker node daemon",
	Long: `Run the worker node daemon. The node loads its machinery backends,
spawns the resultserver and taskrunner child processes, recovers state
left behind by a previous run and then accepts task-run requests.`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	nodeID := uuid.New().String()
	logger := log.WithNodeID(nodeID)
	logger.Info().Str("version", Version).Msg("Burrow node starting")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := machine.NewPool()
	broker := events.NewBroker()
	defer broker.Stop()

	paths := workdir.New(cfg.DataDir)

	manager := machinery.NewManager(machinery.Config{
		Pool:             pool,
		Store:            store,
		Events:           broker,
		Paths:            paths,
		ResultServerAddr: cfg.ResultServer.Addr(),
		Workers:          cfg.Workers.Machinery,
	})

	backends, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	previous, err := store.ListMachineStates()
	if err != nil {
		return fmt.Errorf("failed to load stored machine states: %w", err)
	}
	if err := manager.LoadMachineries(backends, previous); err != nil {
		return err
	}

	machSocket := machinery.NewSocketServer(cfg.Sockets.Machinery, manager)
	if err := machSocket.Start(); err != nil {
		return err
	}
	defer machSocket.Stop()

	runnerClient := taskflow.NewRunnerClient(cfg.Sockets.TaskRunner)
	controller := node.NewController(node.Config{
		Pool:    pool,
		Store:   store,
		Events:  broker,
		Manager: manager,
		Runner:  runnerClient,
	})

	stateControl := node.NewStateControl(node.StateControlConfig{
		Socket:     cfg.Sockets.NodeState,
		Workers:    cfg.Workers.StateControl,
		Remote:     cfg.Remote,
		Paths:      paths,
		Controller: controller,
	})
	if err := stateControl.Start(); err != nil {
		return err
	}

	// The result server and task runner run as child processes of this
	// binary so their faults and fd budgets stay isolated
	resultServer, err := spawnChild("resultserver")
	if err != nil {
		return err
	}
	taskRunner, err := spawnChild("taskrunner")
	if err != nil {
		resultServer.stop()
		return err
	}

	if err := controller.Start(); err != nil {
		return err
	}
	manager.Start()

	collector := metrics.NewCollector(pool)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("machinery", true, "")
	metrics.RegisterComponent("resultserver", true, "")
	metrics.RegisterComponent("taskrunner", true, "")

	var statusServer *api.Server
	if cfg.API.Enabled {
		statusServer = api.NewServer(api.Config{
			Addr:   cfg.API.ListenAddr,
			Pool:   pool,
			Store:  store,
			Events: broker,
		})
		if err := statusServer.Start(); err != nil {
			return err
		}
	}

	logger.Info().
		Int("machines", pool.Count()).
		Str("resultserver", cfg.ResultServer.Addr()).
		Msg("Burrow node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutting down")

	// Shutdown order matters: drain running flows first, then take the
	// collaborating processes down, and stop machines through their
	// backends last of all
	if statusServer != nil {
		statusServer.Stop()
	}
	controller.Drain()
	taskRunner.stop()
	resultServer.stop()
	stateControl.Stop()
	machSocket.Stop()
	controller.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildBackends constructs the configured machinery backends
func buildBackends(cfg *config.Config) ([]machinery.Backend, error) {
	var backends []machinery.Backend
	for _, mcfg := range cfg.Machineries {
		switch mcfg.Name {
		case mock.Name:
			backends = append(backends, mock.New(mockMachines(mcfg)))
		case qemu.Name:
			be, err := qemu.New(mcfg)
			if err != nil {
				return nil, err
			}
			backends = append(backends, be)
		case lima.Name:
			be, err := lima.New(mcfg)
			if err != nil {
				return nil, err
			}
			backends = append(backends, be)
		case container.Name:
			be, err := container.New(mcfg)
			if err != nil {
				return nil, err
			}
			backends = append(backends, be)
		default:
			return nil, fmt.Errorf("unknown machinery: %q", mcfg.Name)
		}
	}
	return backends, nil
}

func mockMachines(mcfg config.MachineryConfig) []*types.Machine {
	var machines []*types.Machine
	for _, mc := range mcfg.Machines {
		machines = append(machines, &types.Machine{
			Name:         mc.Name,
			Machinery:    mock.Name,
			Label:        mc.Label,
			IP:           mc.IP,
			AgentPort:    mc.AgentPort,
			Platform:     mc.Platform,
			OSVersion:    mc.OSVersion,
			Architecture: mc.Architecture,
			Tags:         mc.Tags,
			State:        types.MachineStatePoweroff,
		})
	}
	return machines
}

// child is a spawned subprocess of this binary
type child struct {
	name string
	cmd  *exec.Cmd
}

// spawnChild starts a subcommand of the running binary with the same
// configuration file
func spawnChild(subcommand string) (*child, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own binary: %w", err)
	}

	cmd := exec.Command(exe, subcommand, "--config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", subcommand, err)
	}

	logger := log.WithComponent("node")
	logger.Info().
		Str("subcommand", subcommand).
		Int("pid", cmd.Process.Pid).
		Msg("Child process started")
	return &child{name: subcommand, cmd: cmd}, nil
}

// stop terminates the child, escalating to SIGKILL when it does not
// exit within its grace period
func (c *child) stop() {
	logger := log.WithComponent("node")
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Str("subcommand", c.name).Msg("Failed to signal child")
	}

	done := make(chan struct{})
	go func() {
		_ = c.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Str("subcommand", c.name).Msg("Child did not exit, killing")
		_ = c.cmd.Process.Kill()
		<-done
	}
}
