package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veridian/sentinel/internal/config"
	"github.com/veridian/sentinel/internal/core"
	"github.com/veridian/sentinel/internal/logging"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sentinel service",
	Long: `Start the sentinel service with the specified configuration.

Examples:
  # Start with default config
  sentinel start

  # Start with a specific config file
  sentinel start --config /etc/sentinel/config.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	system, err := core.NewSystem(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize system: %w", err)
	}

	if err := system.Start(cfgFile); err != nil {
		return fmt.Errorf("failed to start system: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := system.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	return nil
}
