package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var configFile string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "mediactl",
		Short: "Administer a simple-media deployment",
		Long: `mediactl runs maintenance tasks against the database and object store
configured for the media server: schema migrations, orphan sweeps, owner
seeding and direct uploads.

Configuration is read from the environment, optionally layered over a YAML file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewSweepCommand())
	rootCmd.AddCommand(NewSeedCommand())
	rootCmd.AddCommand(NewUploadPageCommand())
	rootCmd.AddCommand(NewDeleteCommand())
	rootCmd.AddCommand(NewTokenCommand())

	return rootCmd
}

// loadConfig reads configuration according to the global flags.
func loadConfig(cmd *cobra.Command, extra ...config.Option) (*config.ServerConfig, error) {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	opts := []config.Option{config.WithEnv()}
	if configFile != "" {
		opts = []config.Option{config.WithFile(configFile)}
	}
	if verbose {
		opts = append(opts, func(c *config.ServerConfig) error {
			c.LogLevel = "debug"
			return nil
		})
	}
	opts = append(opts, extra...)

	return config.Load(opts...)
}

// buildRuntime loads configuration and opens the stores.
func buildRuntime(cmd *cobra.Command, extra ...config.Option) (*config.Runtime, error) {
	cfg, err := loadConfig(cmd, extra...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg.Build(cmdContext(cmd), cfg.NewLogger(cmd.ErrOrStderr()))
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
