package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/taskflow"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

var taskRunnerCmd = &cobra.Command{
	Use:   "taskrunner",
	Short: "Run the task runner process",
	Long: `Run the task runner: the process that drives task flows, talking to
the node's machinery and result server control sockets. Normally started
as a child process of the node daemon.`,
	RunE: runTaskRunner,
}

func runTaskRunner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	runnerCfg := taskflow.Config{
		Socket:             cfg.Sockets.TaskRunner,
		Workers:            cfg.Workers.TaskFlow,
		Paths:              workdir.New(cfg.DataDir),
		MachinerySocket:    cfg.Sockets.Machinery,
		ResultServerSocket: cfg.Sockets.ResultServer,
		NodeStateSocket:    cfg.Sockets.NodeState,
	}
	if cfg.Rooter.Enabled {
		runnerCfg.RooterSocket = cfg.Rooter.Socket
	}

	runner := taskflow.NewRunner(runnerCfg)
	if err := runner.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger := log.WithComponent("taskflow")
	logger.Info().Msg("Task runner shutting down")
	runner.Stop()
	return nil
}
