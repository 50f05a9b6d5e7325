package trader

import (
	"context"
	"fmt"
	"math/rand"

	"coin-rotation-bot/internal/config"
	"go.uber.org/zap"
)

// StrategyContext provides the strategy with access to the core components.
type StrategyContext struct {
	Logger   *zap.Logger
	Cfg      *config.Config
	Gateway  Gateway
	Holding  HoldingStore
	Ranker   Ranker
	Executor Rotator
	Metrics  *Metrics
}

// Strategy defines the interface for a trading strategy.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Initialize gives the strategy a chance to perform setup tasks.
	Initialize(ctx context.Context, sc StrategyContext) error

	// Scout is the main logic of the strategy, called periodically by the engine.
	Scout(ctx context.Context, sc StrategyContext) error
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "default", "":
		return &DefaultStrategy{}, nil
	case "multiple_coins":
		return &MultipleCoinsStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// initializeHolding picks the starting coin when none was persisted: the
// configured one, or a random supported coin that is then bought right away
// so the bot starts from a real position.
func initializeHolding(ctx context.Context, sc StrategyContext) error {
	current, ok, err := sc.Holding.Get(ctx)
	if err != nil {
		return err
	}
	if ok {
		sc.Logger.Info("Resuming with current coin", zap.String("coin", current))
		return nil
	}

	trading := &sc.Cfg.Trading
	symbol := trading.CurrentCoin
	random := symbol == ""
	if random {
		symbol = trading.SupportedCoins[rand.Intn(len(trading.SupportedCoins))]
	}
	sc.Logger.Info("Setting initial coin", zap.String("coin", symbol))

	if !trading.IsSupported(symbol) {
		return fmt.Errorf("%w: %s; since there is no saved state, a supported coin must be provided at init", ErrUnsupportedCoin, symbol)
	}
	if err := sc.Holding.Set(ctx, symbol); err != nil {
		return err
	}

	if random {
		sc.Logger.Info("Purchasing initial coin to begin trading", zap.String("coin", symbol))
		if _, err := sc.Gateway.BuyAlt(ctx, symbol, trading.Bridge); err != nil {
			sc.Logger.Error("Initial purchase failed, the bridge scout will retry", zap.String("coin", symbol), zap.Error(err))
			return nil
		}
		sc.Logger.Info("Ready to start trading")
	}
	return nil
}

// bridgeScout runs the ranker's bridge scout and moves the holding to the
// coin it bought. The ledger is not touched.
func bridgeScout(ctx context.Context, sc StrategyContext, l *zap.Logger) error {
	sc.Metrics.scout(scoutBridgeScout)
	coin, err := sc.Ranker.BridgeScout(ctx)
	if err != nil {
		return fmt.Errorf("bridge scout failed: %w", err)
	}
	if coin == "" {
		l.Debug("Bridge scout found no entry point")
		return nil
	}
	if err := sc.Holding.Set(ctx, coin); err != nil {
		return err
	}
	l.Info("Bridge scout bought new coin", zap.String("coin", coin))
	return nil
}
