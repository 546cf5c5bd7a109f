package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"options-executor/internal/models"
	"options-executor/internal/store"
	"options-executor/pkg/utils"
)

func addRecordCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newExecutionsCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newRunsCmd(app))
}

func newOrdersCmd(app *App) *cobra.Command {
	var (
		filter store.OrderFilter
		status []string
	)
	cmd := &cobra.Command{
		Use:   "orders <user>",
		Short: "List a user's orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.UserID = args[0]
			for _, s := range status {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.ToUpper(s)))
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			orders, err := st.ListOrders(cmd.Context(), filter)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}
			table := NewTable(output, "TIME", "STRATEGY", "LEG", "BROKER", "SYMBOL", "SIDE", "QTY", "FILLED", "PRICE", "TAG", "STATUS")
			for _, o := range orders {
				price := o.FillPrice
				if price.IsZero() {
					price = o.Price
				}
				label := output.Status(string(o.Status))
				if o.RejectionReason != "" {
					label += " " + o.RejectionReason
				}
				table.AddRow(o.PlacedAt.In(utils.IndiaLocation).Format("15:04:05"), o.StrategyID, o.LegID,
					o.BrokerID, o.Symbol, string(o.Side), utils.FormatQuantity(int64(o.Quantity)),
					strconv.Itoa(o.FilledQuantity), price.StringFixed(2), string(o.Tag), label)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.StrategyID, "strategy", "", "filter by strategy id")
	cmd.Flags().StringVar(&filter.BrokerID, "broker", "", "filter by broker id")
	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "filter by trading symbol")
	cmd.Flags().StringSliceVar(&status, "status", nil, "filter by status (repeatable)")
	cmd.Flags().BoolVar(&filter.OpenOnly, "open", false, "only orders that can still fill")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newExecutionsCmd(app *App) *cobra.Command {
	var (
		filter store.ExecutionFilter
		status []string
	)
	cmd := &cobra.Command{
		Use:     "executions <user>",
		Aliases: []string{"exec"},
		Short:   "List a user's per-leg execution records",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.UserID = args[0]
			for _, s := range status {
				filter.Statuses = append(filter.Statuses, models.ExecutionStatus(strings.ToUpper(s)))
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(records)
			}
			if len(records) == 0 {
				output.Dim("No execution records")
				return nil
			}
			table := NewTable(output, "DAY", "STRATEGY", "LEG", "BROKER", "TYPE", "TAG", "LOTS", "RETRIES", "STATUS")
			for _, r := range records {
				label := output.Status(string(r.Status))
				if r.FailureReason != "" {
					label += " " + r.FailureReason
				}
				table.AddRow(r.Day, r.StrategyID, r.LegID, r.BrokerID, string(r.ExecutionType), string(r.Tag),
					strconv.FormatInt(r.Lots, 10), strconv.Itoa(r.RetryCount), label)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.StrategyID, "strategy", "", "filter by strategy id")
	cmd.Flags().StringVar(&filter.Day, "day", "", "trading day (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&status, "status", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newPositionsCmd(app *App) *cobra.Command {
	var (
		filter store.PositionFilter
		open   bool
	)
	cmd := &cobra.Command{
		Use:   "positions <user>",
		Short: "List a user's net positions with P&L",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.UserID = args[0]
			if open {
				filter.Status = models.PositionOpen
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			positions, err := st.ListPositions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No positions")
				return nil
			}
			table := NewTable(output, "DAY", "STRATEGY", "BROKER", "SYMBOL", "NET", "LTP", "REALIZED", "UNREALIZED", "STATUS")
			for _, p := range positions {
				table.AddRow(p.Day, p.StrategyID, p.BrokerID, p.Symbol, strconv.Itoa(p.NetQuantity),
					p.LastPrice.StringFixed(2), output.PnL(p.RealizedPnL), output.PnL(p.UnrealizedPnL),
					output.Status(string(p.Status)))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.StrategyID, "strategy", "", "filter by strategy id")
	cmd.Flags().StringVar(&filter.Day, "day", "", "trading day (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&open, "open", false, "only open positions")
	return cmd
}

func newRunsCmd(app *App) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "runs <user>",
		Short: "Show each strategy's lifecycle for a trading day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if day == "" {
				day = models.TradingDay(utils.NowIST())
			}
			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), args[0], day)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Dim("No runs on %s", day)
				return nil
			}
			table := NewTable(output, "STRATEGY", "STATUS", "EXIT REASON", "RE-ENTRIES")
			for _, r := range runs {
				table.AddRow(r.StrategyID, output.Status(string(r.Status)), string(r.ExitReason), strconv.Itoa(r.ReEntryCount))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "trading day (default: today in IST)")
	return cmd
}
