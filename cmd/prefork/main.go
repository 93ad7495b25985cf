// Command prefork runs a pre-fork HTTP server: one supervisor binds the
// socket and keeps a fixed number of worker processes serving it.
package main

import (
	"os"

	"github.com/jrepp/prefork/pkg/launcher"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(launcher.ExitCode(err))
	}
}
