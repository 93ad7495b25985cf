package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jrepp/prefork/internal/ui"
	"github.com/jrepp/prefork/pkg/config"
)

var (
	cfgFile string
	envFile string

	v  *viper.Viper
	ux = ui.Default()
)

var rootCmd = &cobra.Command{
	Use:   "prefork",
	Short: "Pre-fork HTTP worker supervisor",
	Long: `prefork binds one listening socket and keeps a fixed pool of worker
processes serving it. Workers that crash, hang or reach their request limit
are replaced; SIGHUP replaces every worker, SIGTERM drains and stops.

Configuration comes from flags, PREFORK_* environment variables, a .env file
and a YAML config file (./prefork.yaml or /etc/prefork/prefork.yaml).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./prefork.yaml, /etc/prefork/prefork.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded into the environment (default .env if present)")

	addLaunchFlags(rootCmd)
}

// loadConfig populates the environment from the dotenv file and reads the
// config file. Flags are bound by the commands that use them.
func loadConfig(cmd *cobra.Command, _ []string) error {
	ux = ui.New(cmd.OutOrStdout(), cmd.ErrOrStderr())

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	v = config.New()
	return config.ReadFile(v, cfgFile)
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func printError(err error) {
	ux.Error(err.Error())
}
