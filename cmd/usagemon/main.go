// Command usagemon records LLM gateway usage telemetry and serves the usage dashboard.
package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quantumspring/usagemon/internal/config"
	"github.com/quantumspring/usagemon/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries state shared by all subcommands.
type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "usagemon",
		Short: "Usage telemetry store and dashboard for LLM gateways",
		Long: `usagemon records per-call usage events from LLM gateways into hourly and
daily rollups and serves a local dashboard over them.

Run "usagemon serve" to start the dashboard, optionally reading events from a file
or stdin with --events.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("USAGEMON_CONFIG"), "path to config.yaml")

	root.AddCommand(
		newServeCmd(a),
		newIngestCmd(a),
		newCleanupCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and sets up logging before any subcommand runs.
func (a *app) load(cmd *cobra.Command, args []string) error {
	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.ConfigureLogOutput(cfg.Logging); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = logging.Output()
	gin.DefaultErrorWriter = logging.Output()

	a.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// version needs no config
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
