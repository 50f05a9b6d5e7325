package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coin-rotation-bot/internal/binance"
	"coin-rotation-bot/internal/config"
	"coin-rotation-bot/internal/database"
	"coin-rotation-bot/internal/ledger"
	"coin-rotation-bot/internal/logger"
	"coin-rotation-bot/internal/trader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "trader",
		Short:        "Coin rotation trading bot",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs", "directory containing config.yml")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(ledgerCmd(&configPath))
	return root
}

// bootstrap loads the configuration and opens the logger and database
// shared by every subcommand. A read-only bootstrap skips the migration.
func bootstrap(configPath string, readOnly bool) (*config.Config, *zap.Logger, *gorm.DB, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		return nil, nil, nil, fmt.Errorf("could not load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("Configuration loaded")

	if readOnly {
		db, err := database.Open(cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return &cfg, log, db, nil
	}

	db, err := database.NewDatabase(&cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("Database connection successful and schema migrated.")
	return &cfg, log, db, nil
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Scout for rotations until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, db, err := bootstrap(*configPath, false)
			if err != nil {
				return err
			}
			defer log.Sync()

			restClient := binance.NewRestClient(&cfg.Binance, log)
			if _, err := restClient.GetServerTime(ctx); err != nil {
				log.Error("Failed to connect to Binance API", zap.Error(err))
				return err
			}
			log.Info("Successfully connected to Binance API.", zap.Bool("dry_run", cfg.Trading.DryRun))
			manager := binance.NewManager(restClient, log, cfg.Trading.DryRun)
			manager.SetDryRunBalance(cfg.Trading.Bridge, decimal.NewFromFloat(cfg.Trading.DryRunBalance))

			store, err := ledger.Open(ctx, cfg.Ledger, db, log)
			if err != nil {
				log.Error("Ledger store unavailable", zap.String("backend", cfg.Ledger.Backend), zap.Error(err))
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := trader.NewMetrics(registry)

			engine, err := trader.NewEngine(log, cfg, manager, db, store, metrics)
			if err != nil {
				log.Error("Failed to create trading engine", zap.Error(err))
				return err
			}

			api := trader.NewAPIServer(engine, registry, log)
			api.Start()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := api.Stop(shutdownCtx); err != nil {
					log.Error("API server shutdown failed", zap.Error(err))
				}
			}()

			if err := engine.Run(ctx); err != nil {
				log.Error("Trading engine stopped", zap.Error(err))
				return err
			}
			log.Info("Bot has been shut down.")
			return nil
		},
	}
}

func ledgerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the cost basis ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, db, err := bootstrap(*configPath, true)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := ledger.Open(ctx, cfg.Ledger, db, log)
			if err != nil {
				return err
			}
			entries, err := store.List(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-32s %-8s %20s %20s\n", "KEY", "ASSET", "LAST BUY PRICE", "QUANTITY")
			for _, e := range entries {
				fmt.Fprintf(out, "%-32s %-8s %20s %20s\n", e.Key, e.Asset, e.LastBuyPrice.StringFixed(10), e.Quantity.String())
			}
			return nil
		},
	})
	return cmd
}
