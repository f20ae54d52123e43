// rebalancer - weekly portfolio rebalancing against a KIS brokerage account
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/dashboard"
	"rebalancer/internal/exec"
	"rebalancer/internal/quote"
	"rebalancer/internal/report"
	"rebalancer/internal/selector"
	"rebalancer/internal/store"
	"rebalancer/internal/trader"
	"rebalancer/internal/util"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "rebalancer",
		Short: "Weekly portfolio rebalancing engine",
		Long: `rebalancer converts the scoring pipeline's target weights into market
orders and reconciles a live KIS brokerage account, one unattended weekly
cycle at a time.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sellAllCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Storage.SQLitePath)
}

// buildBroker creates the KIS client. Mock mode (the paper-trading API
// host and VTTC transaction IDs) is selected through the config.
func buildBroker(cfg *config.Config) (broker.Broker, error) {
	if !cfg.BrokerCredentialsSet() {
		return nil, fmt.Errorf("KIS credentials missing: set KIS_APP_KEY, KIS_APP_SECRET and KIS_ACCOUNT_NO")
	}
	return broker.NewKISBroker(broker.KISConfig{
		AppKey:         cfg.KIS.AppKey,
		AppSecret:      cfg.KIS.AppSecret,
		AccountNo:      cfg.KIS.AccountNo,
		BaseURL:        cfg.KIS.BaseURL,
		Mock:           cfg.KIS.Mock,
		RequestsPerSec: cfg.KIS.RequestsPerSec,
		RequestsPerMin: cfg.KIS.RequestsPerMin,
		Timeout:        cfg.KISTimeout(),
	})
}

func buildTrader(cfg *config.Config, b broker.Broker, st *store.SQLiteStore, sel selector.Selector) *trader.Trader {
	retry := util.RetryPolicy{
		MaxAttempts: cfg.Trading.MaxRetries,
		BaseDelay:   cfg.Trading.RetryBaseDelay(),
		MaxDelay:    cfg.Trading.RetryMaxDelay(),
	}
	oracle := quote.NewOracle(b, cfg.Trading.QuoteTTL(), cfg.Trading.QuoteConcurrency, retry)
	snaps := store.NewSnapshotStore(cfg.Storage.DataDir)
	return trader.New(b, st, snaps, sel, oracle, trader.Options{
		CashReserveRatio: cfg.Trading.CashReserveRatio,
		SkipCalendar:     cfg.Trading.SkipCalendarCheck,
		Retry:            retry,
		Engine: exec.Config{
			Retry:        retry,
			PollInterval: cfg.Trading.PollInterval(),
			PollTimeout:  cfg.Trading.PollTimeout(),
		},
	})
}

func newCycleID(now time.Time) string {
	return fmt.Sprintf("cycle-%s-%s", now.Format("20060102"), uuid.NewString()[:8])
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var dryRun, resume bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one rebalancing cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := buildBroker(cfg)
			if err != nil {
				return err
			}
			tr := buildTrader(cfg, b, st, selector.NewFileSelector(cfg.Storage.TargetsPath))

			ctx, stop := signalContext()
			defer stop()

			if resume {
				rec, err := tr.Resume(ctx)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Println("nothing to resume")
					return nil
				}
				fmt.Print(report.RenderCycle(*rec))
				return nil
			}

			cycleID := newCycleID(time.Now())

			if dryRun {
				plan, err := tr.Plan(ctx, cycleID)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			rec, err := tr.RunCycle(ctx, cycleID)
			if rec != nil {
				fmt.Print(report.RenderCycle(*rec))
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and print the plan without placing orders")
	cmd.Flags().BoolVar(&resume, "resume", false, "Finalize an interrupted cycle by reconciling against the brokerage")
	return cmd
}

func sellAllCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "sell-all",
		Short: "Liquidate every position to cash",
		Long: `sell-all runs a cycle against an empty target allocation, selling every
held position at market. An emergency exit; requires --yes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("sell-all liquidates the whole account; pass --yes to confirm")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := buildBroker(cfg)
			if err != nil {
				return err
			}
			tr := buildTrader(cfg, b, st, &selector.StaticSelector{})

			ctx, stop := signalContext()
			defer stop()

			rec, err := tr.RunCycle(ctx, newCycleID(time.Now()))
			if rec != nil {
				fmt.Print(report.RenderCycle(*rec))
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm full liquidation")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current portfolio state and last cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signalContext()
			defer stop()

			state, err := st.Load(ctx)
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("no portfolio state yet; run a cycle first")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("Cash:        %.0f KRW\n", state.Cash)
			fmt.Printf("Total value: %.0f KRW\n", state.TotalValue)
			fmt.Printf("Updated:     %s (cycle %s)\n", state.UpdatedAt.Format("2006-01-02 15:04:05"), state.CycleID)
			fmt.Printf("Holdings:    %d\n", len(state.Holdings))
			for _, h := range state.Holdings {
				fmt.Printf("  %s %-20s %6d sh @ avg %.0f\n", h.AssetID, h.Name, h.Shares, h.CostBasis)
			}

			last, err := st.LastCycle(ctx)
			if err == nil {
				fmt.Print(report.RenderCycle(*last))
			}

			history, err := st.History(ctx, 520)
			if err == nil && len(history) > 0 {
				fmt.Print(report.Render(report.Evaluate(report.CycleReturns(history))))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past cycles and performance metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signalContext()
			defer stop()

			history, err := st.History(ctx, limit)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("no cycles recorded yet")
				return nil
			}

			for _, rec := range history {
				fmt.Print(report.RenderCycle(rec))
			}
			fmt.Print(report.Render(report.Evaluate(report.CycleReturns(history))))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of cycles to show")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Dashboard.Enabled {
				return fmt.Errorf("dashboard disabled in config; set dashboard.enabled: true")
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signalContext()
			defer stop()

			return dashboard.NewServer(st, cfg.Dashboard).Start(ctx)
		},
	}
}
