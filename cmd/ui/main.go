package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coin-rotation-bot/internal/config"
	"coin-rotation-bot/internal/database"
	"coin-rotation-bot/internal/ledger"
	"coin-rotation-bot/internal/logger"
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
		Use:          "ui",
		Short:        "Read-only dashboard over the trader's database and ledger",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs", "directory containing config.yml")
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, store, err := openReadOnly(ctx, &cfg, log)
	if err != nil {
		log.Error("Failed to open trader state", zap.Error(err))
		return err
	}

	apiHandler := NewAPIHandler(log.Named("ui"), db, store)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Web server shutdown failed", zap.Error(err))
		}
	}()

	log.Info("Starting web server", zap.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Web server failed", zap.Error(err))
		return err
	}
	return nil
}

// openReadOnly opens the database and ledger written by the trader without
// migrating the schema or syncing the coins table.
func openReadOnly(ctx context.Context, cfg *config.Config, log *zap.Logger) (*gorm.DB, ledger.Store, error) {
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.Open(ctx, cfg.Ledger, db, log)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger store unavailable: %w", err)
	}
	return db, store, nil
}
