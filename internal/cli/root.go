package cli

import (
	"errors"
	"fmt"

	"github.com/harun/concierge/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// rootOptions holds the global flags shared by every subcommand.
type rootOptions struct {
	cfgFile  string
	logLevel string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "concierge",
		Short: "Concierge - session-bound travel agent orchestrator",
		Long: `Concierge runs a bounded agent loop per session: it prompts a language
model, dispatches the tools it asks for under per-tool rate limits and
approval gates, and persists the conversation and memory of each session.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.concierge/concierge.json)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newSessionsCmd(opts),
		newApproveCmd(opts),
		newConfigCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
	)
	return rootCmd
}

// Execute runs the command tree. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig loads and validates the config. An explicit --log-level wins
// over the file.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}
