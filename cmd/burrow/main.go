package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrow-sandbox/burrow/pkg/config"
	"github.com/burrow-sandbox/burrow/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - malware analysis worker node",
	Long: `Burrow is the worker node of the Burrow malware analysis platform.

The node daemon accepts task-run requests, drives analysis machines
through their lifecycle and collects the results the guests produce.
The resultserver and taskrunner subcommands run as child processes of
the node and are not normally started by hand.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/burrow/burrow.yaml", "node configuration file")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(resultServerCmd)
	rootCmd.AddCommand(taskRunnerCmd)
}

// loadConfig reads the configuration and initializes logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}
