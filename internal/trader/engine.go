package trader

import (
	"context"
	"fmt"
	"time"

	"coin-rotation-bot/internal/config"
	"coin-rotation-bot/internal/costbasis"
	"coin-rotation-bot/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// exchangeInfoLoader is implemented by gateways that cache trading rules.
type exchangeInfoLoader interface {
	LoadExchangeInfo(ctx context.Context) error
}

// Engine wires the trading core together and runs the scout loop.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	logger   *zap.Logger
	cfg      *config.Config
	gateway  Gateway
	ranker   *RatioRanker
	ledger   ledger.Store
	strategy Strategy
	sc       StrategyContext
}

// NewEngine creates a new trading engine. It fails on an unknown strategy
// or cost basis convention.
func NewEngine(logger *zap.Logger, cfg *config.Config, gateway Gateway, db *gorm.DB, store ledger.Store, metrics *Metrics) (*Engine, error) {
	strategy, err := NewStrategy(cfg.Trading.Strategy)
	if err != nil {
		return nil, err
	}
	costBasis, err := costbasis.New(cfg.Ledger.CostBasis, decimal.NewFromFloat(cfg.Ledger.FeeMultiplier))
	if err != nil {
		return nil, err
	}

	holding := NewDBHoldingStore(db)
	ranker := NewRatioRanker(db, gateway, &cfg.Trading, logger)
	executor := NewRotationExecutor(RotationConfig{
		Gateway:   gateway,
		Holding:   holding,
		Ledger:    store,
		CostBasis: costBasis,
		Ranker:    ranker,
		Trades:    NewDBTradeLog(db, cfg.Trading.DryRun),
		Metrics:   metrics,
		Logger:    logger,
		Bridge:    cfg.Trading.Bridge,
		Quote:     cfg.Ledger.Quote,
	})

	logger.Info("Cost basis convention selected",
		zap.String("cost_basis", costBasis.Name()),
		zap.String("quote", cfg.Ledger.Quote))

	return &Engine{
		UUID:     uuid.NewString(),
		Name:     "coin-rotation-bot",
		logger:   logger,
		cfg:      cfg,
		gateway:  gateway,
		ranker:   ranker,
		ledger:   store,
		strategy: strategy,
		sc: StrategyContext{
			Logger:   logger.Named("strategy"),
			Cfg:      cfg,
			Gateway:  gateway,
			Holding:  holding,
			Ranker:   ranker,
			Executor: executor,
			Metrics:  metrics,
		},
	}, nil
}

// Initialize caches exchange rules, creates the coin pairs with their
// starting ratios and selects the starting coin. Its errors are fatal.
func (e *Engine) Initialize(ctx context.Context) error {
	if loader, ok := e.gateway.(exchangeInfoLoader); ok {
		e.logger.Info("Fetching exchange information...")
		if err := loader.LoadExchangeInfo(ctx); err != nil {
			return err
		}
	}

	coins := e.cfg.Trading.SupportedCoins
	e.logger.Info("Populating coin pairs", zap.Int("coins", len(coins)), zap.String("bridge", e.cfg.Trading.Bridge))
	if err := e.ranker.EnsurePairs(ctx, coins); err != nil {
		return err
	}
	if err := e.ranker.InitializeRatios(ctx); err != nil {
		return err
	}

	if err := e.strategy.Initialize(ctx, e.sc); err != nil {
		return fmt.Errorf("failed to initialize strategy %s: %w", e.strategy.Name(), err)
	}
	return nil
}

// Run initializes the engine and scouts once per tick until ctx is done.
// Cycles never overlap: the next tick is only read after a scout returns.
func (e *Engine) Run(ctx context.Context) error {
	e.StartTime = time.Now()
	e.logger.Info("Initializing trading engine...", zap.String("uuid", e.UUID), zap.String("strategy", e.strategy.Name()))
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	e.logger.Info("Engine initialized successfully.")

	interval := time.Duration(e.cfg.Trading.TickInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting scout loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return nil
		case <-ticker.C:
			e.ScoutOnce(ctx)
		}
	}
}

// ScoutOnce runs a single scout cycle and logs its error.
func (e *Engine) ScoutOnce(ctx context.Context) {
	if err := e.strategy.Scout(ctx, e.sc); err != nil {
		e.logger.Error("Scout failed", zap.Error(err))
	}
}

// CurrentCoin returns the coin currently held.
func (e *Engine) CurrentCoin(ctx context.Context) (string, bool, error) {
	return e.sc.Holding.Get(ctx)
}

// Ledger returns the cost basis store for read-only consumers.
func (e *Engine) Ledger() ledger.Store {
	return e.ledger
}

// StrategyName returns the name of the active strategy.
func (e *Engine) StrategyName() string {
	return e.strategy.Name()
}
