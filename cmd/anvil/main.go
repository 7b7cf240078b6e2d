package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudforge/anvil/pkg/clients"
	"github.com/cloudforge/anvil/pkg/config"
	"github.com/cloudforge/anvil/pkg/controlplane"
	"github.com/cloudforge/anvil/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - State controller engine for bare-metal fleets",
	Long: `Anvil drives bare-metal fleet resources (hosts, network segments,
power shelves, switches and more) toward their desired states through
per-kind reconciliation controllers.

Every resource moves through a declared state graph; idempotent handlers
observe the world, converge it one step at a time and record every
transition for audit.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Anvil version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(resourceCmd)
}

// Controller commands
var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the reconciliation control plane",
}

var controllerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the controllers, API server and metrics collector",
	Long: `Start the full control plane: one reconciliation controller per
resource kind, the HTTP API, the metrics collector and the optional
state-history archiver.

Multiple instances may run against the same PostgreSQL backend; the
lease queue guarantees each resource is processed by at most one
instance at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSONOutput,
		})

		// The stock binary wires the in-memory device integrations.
		// Deployments with real Redfish/fabric/DHCP drivers embed
		// controlplane directly and inject their own clients.Set.
		cl, _, _, _, _, _ := clients.MockSet()

		cp, err := controlplane.New(cfg, cl)
		if err != nil {
			return fmt.Errorf("failed to build control plane: %w", err)
		}
		cp.Start()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutdown signal received")
		case err := <-cp.Err():
			log.Errorf("API server failed", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cp.Stop(ctx)
		return nil
	},
}

func init() {
	controllerCmd.AddCommand(controllerRunCmd)
	controllerRunCmd.Flags().String("config", "/etc/anvil/config.yaml", "Path to the YAML configuration file")
}
