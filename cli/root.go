// Package cli is the kaetram command line: the shard and hub processes and a
// small admin client for the guild REST API.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opencompute/Kaetram-Open/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kaetram",
		Short: "Guild coordination shard, relay hub and admin tooling",
		Long: `kaetram runs the game shard that owns guild state for its connected
players, the hub that tracks which shard every player is on, and admin
commands against a running shard.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(newShardCmd())
	rootCmd.AddCommand(newHubCmd())
	rootCmd.AddCommand(newGuildsCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
