// Package cli provides the command-line interface for the execution engine.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-executor/internal/config"
	"options-executor/internal/logging"
	"options-executor/internal/security"
	"options-executor/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-10-14"
)

// App holds what every command needs. Config and Logger are filled in by the
// root command's pre-run hook once --config has been parsed.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	ConfigDir string
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "executor",
		Short: "Multi-leg options strategy execution engine",
		Long: `executor runs scheduled multi-leg options strategies for many users.

A timer loop discovers strategies due for entry or exit, queues them, and
fans each one out to the broker accounts its basket is allocated to. Risk
handlers watch stop-loss, target, trailing stop and re-entry conditions
while positions are open.

Use 'executor seed <file>' to load strategies and allocations, then
'executor run' to start the engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/options-executor)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addEngineCommands(rootCmd, app)
	addCatalogCommands(rootCmd, app)
	addRecordCommands(rootCmd, app)

	return rootCmd
}

func (a *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.ConfigDir = dir

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Console = cfg.Logging.Console
	logCfg.File = cfg.Logging.File
	logCfg.FilePath = cfg.Logging.FilePath
	// stdout carries command output, including --json.
	logCfg.Out = os.Stderr
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(logCfg)
	return nil
}

// openStore opens the configured store for commands that do not need the
// full engine.
func (a *App) openStore() (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.Config.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return nil, err
	}
	if key := a.Config.Credentials.TokenKey; key != "" {
		tokens, err := security.NewTokenCipher(key)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.SetTokenCipher(tokens)
	}
	return st, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("options-executor v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				masked := *app.Config
				creds := &masked.Credentials
				creds.Kite.APISecret = security.MaskCredential(creds.Kite.APISecret)
				creds.Gateway.ClientSecret = security.MaskCredential(creds.Gateway.ClientSecret)
				creds.TokenKey = security.MaskCredential(creds.TokenKey)
				return output.JSON(masked)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{"path": app.ConfigDir})
				return
			}
			output.Println(app.ConfigDir)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Scheduler")
	output.Printf("  Timezone:        %s\n", cfg.Scheduler.Timezone)
	output.Printf("  Window:          %s-%s %v\n", cfg.Scheduler.WindowStart, cfg.Scheduler.WindowEnd, cfg.Scheduler.Weekdays)
	output.Printf("  Tick Interval:   %s\n", cfg.Scheduler.TickInterval)
	output.Printf("  Lookahead:       %d min\n", cfg.Scheduler.LookaheadMinutes)
	output.Println()

	output.Bold("Execution")
	output.Printf("  Queue Workers:   %d\n", cfg.Execution.QueueWorkers)
	output.Printf("  Dedup:           %s (ttl %s)\n", cfg.Execution.Dedup, cfg.Execution.DedupTTL)
	output.Printf("  Defaults:        %s %s %s\n", cfg.Execution.DefaultExchange, cfg.Execution.DefaultProduct, cfg.Execution.DefaultOrderType)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Duplicates:      %s within %s (gap %s)\n", cfg.Risk.DuplicateStrategy, cfg.Risk.DuplicateLookback, cfg.Risk.DuplicateGap)
	output.Printf("  Max Retries:     %d\n", cfg.Risk.MaxRetries)
	output.Println()

	output.Bold("Brokers")
	output.Printf("  Kite:            %s (%.0f req/s)\n", cfg.Brokers.Kite.BaseURL, cfg.Brokers.Kite.RateLimit)
	output.Printf("  Gateway:         %s (%.0f req/s)\n", cfg.Brokers.Gateway.BaseURL, cfg.Brokers.Gateway.RateLimit)
	output.Printf("  Breaker:         %d failures, reset %s\n", cfg.Brokers.Breaker.MaxFailures, cfg.Brokers.Breaker.ResetTimeout)
	output.Printf("  Simulator:       %.2f%% slippage\n", cfg.Simulator.SlippagePercent)
	output.Println()

	output.Bold("Storage & Notifications")
	output.Printf("  Store:           %s\n", cfg.Store.Path)
	output.Printf("  Notify Level:    %s\n", cfg.Notify.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notify.WebhookURL != "")
	output.Printf("  Ops Server:      %v (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
}
