package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/resultserver"
	"github.com/burrow-sandbox/burrow/pkg/workdir"
)

var resultServerCmd = &cobra.Command{
	Use:   "resultserver",
	Short: "Run the result server process",
	Long: `Run the result server: the TCP sink analysis machines upload their
results to. Normally started as a child process of the node daemon.`,
	RunE: runResultServer,
}

func runResultServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.WithComponent("resultserver-process")

	// Every guest connection costs a descriptor; a busy node with many
	// machines uploading can get through the default soft limit
	raiseFDLimit(logger)

	paths := workdir.New(cfg.DataDir)
	server := resultserver.New(cfg.ResultServer.Addr(), paths)
	if err := server.Start(); err != nil {
		return err
	}

	control := resultserver.NewControlServer(cfg.Sockets.ResultServer, server)
	if err := control.Start(); err != nil {
		server.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Result server shutting down")
	control.Stop()
	server.Stop()
	return nil
}

// raiseFDLimit lifts the soft file descriptor limit to the hard limit
func raiseFDLimit(logger zerolog.Logger) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn().Err(err).Msg("Failed to read fd limit")
		return
	}
	if limit.Cur >= limit.Max {
		return
	}
	limit.Cur = limit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn().Err(err).Msg("Failed to raise fd limit")
	}
}
