// Package cli provides the command-line interface for the auto-sell trader.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kis-autosell/internal/config"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
)

// Version information
const (
	Version = "0.1.0"
)

// Exit codes: configuration problems are distinguishable from runtime
// failures so supervisors can decide whether a restart is worth it.
const (
	ExitOK          = 0
	ExitConfigError = 2
	ExitRuntime     = 1
)

// App holds dependencies shared across commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	app := &App{}

	var (
		configPath string
		mode       string
	)

	rootCmd := &cobra.Command{
		Use:   "autosell",
		Short: "KIS auto-sell trader",
		Long: `autosell watches a KIS brokerage account for filled buy orders on US
equities and immediately submits a limit sell at the configured profit
target. It streams execution notices during the regular session, polls
in pre-market, and goes quiet outside trading hours.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// version needs no configuration or credentials
			if cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(configPath, mode)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			app.Config = cfg
			app.Logger = logging.NewLogger(logging.LogConfig{
				Level:      cfg.Logging.Level,
				Console:    true,
				File:       cfg.Logging.FilePath != "",
				FilePath:   cfg.Logging.FilePath,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
			}, mode)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "production", "run mode: production or development")

	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isConfigError(err) {
			return ExitConfigError
		}
		return ExitRuntime
	}
	return ExitOK
}

func isConfigError(err error) bool {
	return apperrors.Is(err, apperrors.ErrConfigInvalid)
}
