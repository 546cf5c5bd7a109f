package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"options-executor/internal/allocation"
	"options-executor/internal/models"
	"options-executor/internal/store"
)

// catalogFile is the on-disk shape of a seed file. Money and strike values
// are strings so TOML, YAML and JSON sources decode the same way.
type catalogFile struct {
	Accounts    []accountEntry    `mapstructure:"accounts"`
	Baskets     []basketEntry     `mapstructure:"baskets"`
	Strategies  []strategyEntry   `mapstructure:"strategies"`
	Allocations []allocationEntry `mapstructure:"allocations"`
}

type accountEntry struct {
	ID          string `mapstructure:"id"`
	UserID      string `mapstructure:"user_id"`
	BrokerID    string `mapstructure:"broker_id"`
	Kind        string `mapstructure:"kind"`
	ClientID    string `mapstructure:"client_id"`
	AccessToken string `mapstructure:"access_token"`
}

type basketEntry struct {
	ID     string `mapstructure:"id"`
	UserID string `mapstructure:"user_id"`
	Name   string `mapstructure:"name"`
}

type strategyEntry struct {
	ID              string       `mapstructure:"id"`
	UserID          string       `mapstructure:"user_id"`
	BasketID        string       `mapstructure:"basket_id"`
	Name            string       `mapstructure:"name"`
	Underlying      string       `mapstructure:"underlying"`
	Exchange        string       `mapstructure:"exchange"`
	Product         string       `mapstructure:"product"`
	TradingMode     string       `mapstructure:"trading_mode"`
	EntryTime       string       `mapstructure:"entry_time"`
	ExitTime        string       `mapstructure:"exit_time"`
	Weekdays        []string     `mapstructure:"weekdays"`
	Status          string       `mapstructure:"status"`
	StopLossPercent string       `mapstructure:"stop_loss_percent"`
	TargetPercent   string       `mapstructure:"target_percent"`
	MaxRetries      int          `mapstructure:"max_retries"`
	ReEntry         reEntryEntry `mapstructure:"re_entry"`
	Legs            []legEntry   `mapstructure:"legs"`
}

type reEntryEntry struct {
	Enabled         bool     `mapstructure:"enabled"`
	MaxCount        int      `mapstructure:"max_count"`
	Conditions      []string `mapstructure:"conditions"`
	CooldownMinutes int      `mapstructure:"cooldown_minutes"`
}

type legEntry struct {
	ID            string `mapstructure:"id"`
	OptionType    string `mapstructure:"option_type"`
	Action        string `mapstructure:"action"`
	Strike        string `mapstructure:"strike"`
	Expiry        string `mapstructure:"expiry"` // YYYY-MM-DD
	Symbol        string `mapstructure:"symbol"`
	BaseLots      int    `mapstructure:"base_lots"`
	LotSize       int    `mapstructure:"lot_size"`
	OrderType     string `mapstructure:"order_type"`
	LimitPrice    string `mapstructure:"limit_price"`
	TriggerPrice  string `mapstructure:"trigger_price"`
	TrailingType  string `mapstructure:"trailing_type"`
	TrailingValue string `mapstructure:"trailing_value"`
}

type allocationEntry struct {
	ID            string `mapstructure:"id"`
	UserID        string `mapstructure:"user_id"`
	BasketID      string `mapstructure:"basket_id"`
	StrategyID    string `mapstructure:"strategy_id"`
	LegID         string `mapstructure:"leg_id"`
	BrokerID      string `mapstructure:"broker_id"`
	AccountID     string `mapstructure:"account_id"`
	LotMultiplier string `mapstructure:"lot_multiplier"`
	Priority      int    `mapstructure:"priority"`
	Status        string `mapstructure:"status"`
	MaxLots       int64  `mapstructure:"max_lots"`
	MaxOrderValue string `mapstructure:"max_order_value"`
}

func addCatalogCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newSeedCmd(app))
	rootCmd.AddCommand(newStrategiesCmd(app))
	rootCmd.AddCommand(newAllocationCmd(app))
}

func newSeedCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load accounts, baskets, strategies and allocations from a file",
		Long: `Load catalog records from a TOML, YAML or JSON file.

Records are upserted by id, so a file can be re-applied after editing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := readCatalog(args[0])
			if err != nil {
				return err
			}
			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := applyCatalog(cmd.Context(), st, cat, app.Config.Location())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(n)
			}
			output.Success("✓ Seeded %d accounts, %d baskets, %d strategies, %d allocations",
				n.Accounts, n.Baskets, n.Strategies, n.Allocations)
			return nil
		},
	}
}

type seedCounts struct {
	Accounts    int `json:"accounts"`
	Baskets     int `json:"baskets"`
	Strategies  int `json:"strategies"`
	Allocations int `json:"allocations"`
}

func readCatalog(path string) (*catalogFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cat catalogFile
	if err := v.Unmarshal(&cat); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &cat, nil
}

func applyCatalog(ctx context.Context, st *store.SQLiteStore, cat *catalogFile, loc *time.Location) (seedCounts, error) {
	var n seedCounts
	now := time.Now()

	for _, e := range cat.Accounts {
		acct := &models.BrokerAccount{
			ID:          e.ID,
			UserID:      e.UserID,
			BrokerID:    e.BrokerID,
			Kind:        models.BrokerKind(strings.ToLower(e.Kind)),
			ClientID:    e.ClientID,
			AccessToken: e.AccessToken,
			Connected:   e.AccessToken != "",
			UpdatedAt:   now,
		}
		if err := st.SaveAccount(ctx, acct); err != nil {
			return n, fmt.Errorf("account %s: %w", e.ID, err)
		}
		n.Accounts++
	}

	for _, e := range cat.Baskets {
		b := &models.Basket{ID: e.ID, UserID: e.UserID, Name: e.Name, Status: "ACTIVE", CreatedAt: now, UpdatedAt: now}
		if err := st.SaveRecord(ctx, b); err != nil {
			return n, fmt.Errorf("basket %s: %w", e.ID, err)
		}
		n.Baskets++
	}

	for _, e := range cat.Strategies {
		s, err := e.toModel(loc)
		if err != nil {
			return n, fmt.Errorf("strategy %s: %w", e.ID, err)
		}
		s.CreatedAt, s.UpdatedAt = now, now
		if err := st.SaveRecord(ctx, s); err != nil {
			return n, fmt.Errorf("strategy %s: %w", e.ID, err)
		}
		n.Strategies++
	}

	for _, e := range cat.Allocations {
		a, err := e.toModel()
		if err != nil {
			return n, fmt.Errorf("allocation %s: %w", e.ID, err)
		}
		if existing, err := st.GetAllocation(ctx, a.ID); err == nil {
			a.Version = existing.Version
			a.CreatedAt = existing.CreatedAt
		}
		if err := st.SaveRecord(ctx, a); err != nil {
			return n, fmt.Errorf("allocation %s: %w", e.ID, err)
		}
		n.Allocations++
	}
	return n, nil
}

func (e strategyEntry) toModel(loc *time.Location) (*models.Strategy, error) {
	s := &models.Strategy{
		ID:          e.ID,
		UserID:      e.UserID,
		BasketID:    e.BasketID,
		Name:        e.Name,
		Underlying:  strings.ToUpper(e.Underlying),
		Exchange:    models.Exchange(orDefault(strings.ToUpper(e.Exchange), string(models.NFO))),
		Product:     models.ProductType(orDefault(strings.ToUpper(e.Product), string(models.ProductNRML))),
		TradingMode: models.TradingMode(orDefault(strings.ToUpper(e.TradingMode), string(models.ModePaper))),
		EntryTime:   e.EntryTime,
		ExitTime:    e.ExitTime,
		Status:      models.StrategyStatus(orDefault(strings.ToUpper(e.Status), string(models.StrategyActive))),
		MaxRetries:  e.MaxRetries,
		ReEntry: models.ReEntryConfig{
			Enabled:         e.ReEntry.Enabled,
			MaxCount:        e.ReEntry.MaxCount,
			CooldownMinutes: e.ReEntry.CooldownMinutes,
		},
	}
	for _, d := range e.Weekdays {
		w, err := models.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		s.Weekdays = append(s.Weekdays, w)
	}
	for _, c := range e.ReEntry.Conditions {
		s.ReEntry.Conditions = append(s.ReEntry.Conditions, models.ExitReason(strings.ToUpper(c)))
	}

	var err error
	if s.Risk.StopLossPercent, err = parseDecimal("stop_loss_percent", e.StopLossPercent); err != nil {
		return nil, err
	}
	if s.Risk.TargetPercent, err = parseDecimal("target_percent", e.TargetPercent); err != nil {
		return nil, err
	}

	for _, le := range e.Legs {
		leg, err := le.toModel(loc)
		if err != nil {
			return nil, err
		}
		s.Legs = append(s.Legs, leg)
	}
	return s, s.Validate()
}

func (e legEntry) toModel(loc *time.Location) (models.Leg, error) {
	leg := models.Leg{
		ID:         e.ID,
		OptionType: models.OptionType(strings.ToUpper(e.OptionType)),
		Action:     models.OrderSide(strings.ToUpper(e.Action)),
		Symbol:     e.Symbol,
		BaseLots:   e.BaseLots,
		LotSize:    e.LotSize,
		OrderType:  models.OrderType(strings.ToUpper(e.OrderType)),
	}
	var err error
	if leg.Strike, err = parseDecimal("strike", e.Strike); err != nil {
		return leg, err
	}
	if leg.LimitPrice, err = parseDecimal("limit_price", e.LimitPrice); err != nil {
		return leg, err
	}
	if leg.TriggerPrice, err = parseDecimal("trigger_price", e.TriggerPrice); err != nil {
		return leg, err
	}
	if e.Expiry != "" {
		if leg.Expiry, err = time.ParseInLocation("2006-01-02", e.Expiry, loc); err != nil {
			return leg, fmt.Errorf("leg %s: invalid expiry %q", e.ID, e.Expiry)
		}
	}
	if e.TrailingType != "" {
		value, err := parseDecimal("trailing_value", e.TrailingValue)
		if err != nil {
			return leg, err
		}
		leg.TrailingSL = &models.TrailingSLConfig{Type: models.TrailingType(strings.ToUpper(e.TrailingType)), Value: value}
	}
	return leg, nil
}

func (e allocationEntry) toModel() (*models.Allocation, error) {
	a := &models.Allocation{
		ID:         e.ID,
		UserID:     e.UserID,
		BasketID:   e.BasketID,
		StrategyID: e.StrategyID,
		LegID:      e.LegID,
		BrokerID:   e.BrokerID,
		AccountID:  e.AccountID,
		Priority:   e.Priority,
		Status:     models.AllocationStatus(orDefault(strings.ToUpper(e.Status), string(models.AllocationActive))),
		RiskLimits: models.RiskLimits{MaxLots: e.MaxLots},
	}
	if a.Priority == 0 {
		a.Priority = 1
	}
	var err error
	if a.LotMultiplier, err = parseDecimal("lot_multiplier", orDefault(e.LotMultiplier, "1")); err != nil {
		return nil, err
	}
	if !models.MultiplierInRange(a.LotMultiplier) {
		return nil, fmt.Errorf("lot_multiplier %s out of range", a.LotMultiplier)
	}
	if a.RiskLimits.MaxOrderValue, err = parseDecimal("max_order_value", e.MaxOrderValue); err != nil {
		return nil, err
	}
	return a, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, raw)
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func newStrategiesCmd(app *App) *cobra.Command {
	var userID, basketID string
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			strategies, err := st.ListStrategies(cmd.Context(), store.StrategyFilter{UserID: userID, BasketID: basketID})
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(strategies)
			}
			if len(strategies) == 0 {
				output.Dim("No strategies")
				return nil
			}
			table := NewTable(output, "ID", "USER", "BASKET", "UNDERLYING", "ENTRY", "EXIT", "DAYS", "LEGS", "MODE", "STATUS")
			for _, s := range strategies {
				days := make([]string, len(s.Weekdays))
				for i, d := range s.Weekdays {
					days[i] = string(d)
				}
				table.AddRow(s.ID, s.UserID, s.BasketID, s.Underlying, s.EntryTime, s.ExitTime,
					strings.Join(days, ","), strconv.Itoa(len(s.Legs)), string(s.TradingMode), output.Status(string(s.Status)))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&basketID, "basket", "", "filter by basket id")
	return cmd
}

func newAllocationCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "allocation",
		Aliases: []string{"alloc"},
		Short:   "Inspect and adjust basket allocations",
	}
	cmd.AddCommand(newAllocationListCmd(app))
	cmd.AddCommand(newAllocationSetCmd(app))
	return cmd
}

func newAllocationListCmd(app *App) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list [basket]",
		Short: "List allocations in priority order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			var allocs []models.Allocation
			if len(args) == 1 {
				allocs, err = allocation.NewService(st, app.Logger).List(cmd.Context(), args[0])
			} else {
				allocs, err = st.ListAllocations(cmd.Context(), store.AllocationFilter{UserID: userID})
			}
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(allocs)
			}
			if len(allocs) == 0 {
				output.Dim("No allocations")
				return nil
			}
			table := NewTable(output, "ID", "TARGET", "BROKER", "ACCOUNT", "MULT", "PRI", "MAX LOTS", "STATUS", "VER")
			for _, a := range allocs {
				target := a.BasketID
				if a.IsLegacy() {
					target = a.StrategyID
					if a.LegID != "" {
						target += "/" + a.LegID
					}
				}
				maxLots := "-"
				if a.RiskLimits.MaxLots > 0 {
					maxLots = strconv.FormatInt(a.RiskLimits.MaxLots, 10)
				}
				table.AddRow(a.ID, target, a.BrokerID, a.AccountID, a.LotMultiplier.String()+"x",
					strconv.Itoa(a.Priority), maxLots, output.Status(string(a.Status)), strconv.FormatInt(a.Version, 10))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id when no basket is given")
	return cmd
}

func newAllocationSetCmd(app *App) *cobra.Command {
	var (
		version    int64
		multiplier string
		priority   int
		status     string
	)
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Change an allocation's multiplier, priority or status",
		Long: `Change an allocation with optimistic concurrency.

--version must match the stored version; each change bumps it by one.`,
		Example: `  executor allocation set a1 --version 3 --multiplier 1.5
  executor allocation set a1 --version 4 --status INACTIVE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("multiplier") && !flags.Changed("priority") && !flags.Changed("status") {
				return fmt.Errorf("nothing to change: pass --multiplier, --priority or --status")
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			svc := allocation.NewService(st, app.Logger)
			id := args[0]
			var a *models.Allocation
			if flags.Changed("multiplier") {
				m, err := decimal.NewFromString(multiplier)
				if err != nil {
					return fmt.Errorf("invalid --multiplier %q", multiplier)
				}
				if a, err = svc.UpdateMultiplier(ctx, id, m, version); err != nil {
					return err
				}
				version = a.Version
			}
			if flags.Changed("priority") {
				if a, err = svc.UpdatePriority(ctx, id, priority, version); err != nil {
					return err
				}
				version = a.Version
			}
			if flags.Changed("status") {
				if a, err = svc.UpdateStatus(ctx, id, models.AllocationStatus(strings.ToUpper(status)), version); err != nil {
					return err
				}
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(a)
			}
			output.Success("✓ Allocation %s updated (version %d)", a.ID, a.Version)
			output.Printf("  %s/%s %sx priority %d %s\n", a.BrokerID, a.AccountID, a.LotMultiplier, a.Priority, output.Status(string(a.Status)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected current version")
	cmd.Flags().StringVar(&multiplier, "multiplier", "", "lot multiplier (0.1 to 10)")
	cmd.Flags().IntVar(&priority, "priority", 0, "execution priority, 1 runs first")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE or INACTIVE")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}
