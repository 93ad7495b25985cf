package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jrepp/prefork/pkg/worker"
)

// workerCmd is what the supervisor executes for each slot. Its settings
// arrive through PREFORK_WORKER_* variables and inherited descriptors, so
// the config file and dotenv loading are skipped.
var workerCmd = &cobra.Command{
	Use:                "worker",
	Hidden:             true,
	DisableFlagParsing: true,
	PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
	Run: func(*cobra.Command, []string) {
		os.Exit(worker.Main())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
