package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"options-executor/internal/engine"
)

func addEngineCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTickCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Long: `Start the timer loop, queue consumers, risk handlers and ops server.

The engine stops on SIGINT or SIGTERM after the orders already in flight
have completed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := engine.New(ctx, app.Config, app.Logger, engine.WithTerminal(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer e.Close()

			output := NewOutput(cmd)
			if !output.IsJSON() {
				output.Info("Engine running (%s-%s %s)", app.Config.Scheduler.WindowStart, app.Config.Scheduler.WindowEnd, app.Config.Scheduler.Timezone)
				if app.Config.Metrics.Enabled {
					output.Dim("Ops server on %s", app.Config.Metrics.Addr)
				}
			}
			if err := e.Run(ctx); err != nil {
				return err
			}
			if !output.IsJSON() {
				output.Success("✓ Engine stopped")
			}
			return nil
		},
	}
}

func newTickCmd(app *App) *cobra.Command {
	var (
		at      string
		noDrain bool
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass and execute what it queued",
		Long: `Run a single emitter pass outside the timer loop, then drain the queue.

--at replays a past or future instant, in the scheduler time zone.`,
		Example: `  executor tick
  executor tick --at "2024-10-14 09:18"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := app.Config.Location()
			now := time.Now().In(loc)
			if at != "" {
				t, err := time.ParseInLocation("2006-01-02 15:04", at, loc)
				if err != nil {
					return fmt.Errorf("invalid --at %q: %w", at, err)
				}
				now = t
			}

			ctx := cmd.Context()
			e, err := engine.New(ctx, app.Config, app.Logger, engine.WithTerminal(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Tick(ctx, now)
			if err != nil {
				return err
			}
			ready, delayed := e.Queue.Len()
			if !noDrain {
				if err := e.Drain(ctx); err != nil {
					return err
				}
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"at":      res.At,
					"phase":   res.Phase,
					"users":   res.Users,
					"failed":  res.Failed,
					"queued":  ready,
					"delayed": delayed,
					"drained": !noDrain,
				})
			}
			output.Bold("Tick %s (%s)", res.At.Format("2006-01-02 15:04:05"), res.Phase)
			output.Printf("  Users:   %d\n", res.Users)
			if res.Failed > 0 {
				output.Warning("  Failed:  %d", res.Failed)
			}
			output.Printf("  Queued:  %d ready, %d delayed\n", ready, delayed)
			if !noDrain {
				output.Success("✓ Queue drained")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to tick at (YYYY-MM-DD HH:MM)")
	cmd.Flags().BoolVar(&noDrain, "no-drain", false, "queue only, do not execute")
	return cmd
}
