package trader

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultStrategy scouts jumps away from the single coin currently held.
type DefaultStrategy struct{}

func (s *DefaultStrategy) Name() string {
	return "Default"
}

func (s *DefaultStrategy) Initialize(ctx context.Context, sc StrategyContext) error {
	if err := initializeHolding(ctx, sc); err != nil {
		return err
	}
	sc.Logger.Info("DefaultStrategy initialized")
	return nil
}

func (s *DefaultStrategy) Scout(ctx context.Context, sc StrategyContext) error {
	l := sc.Logger.With(zap.String("strategy", s.Name()))
	bridge := sc.Cfg.Trading.Bridge

	current, ok, err := sc.Holding.Get(ctx)
	if err != nil {
		sc.Metrics.scout(scoutError)
		return err
	}
	if !ok {
		l.Warn("No current coin, nothing to scout")
		sc.Metrics.scout(scoutSkipped)
		return nil
	}
	l = l.With(zap.String("current_coin", current))

	price, err := sc.Gateway.GetTickerPrice(ctx, current+bridge)
	if err != nil {
		l.Info("Skipping scouting... current coin not found", zap.String("symbol", current+bridge), zap.Error(err))
		sc.Metrics.scout(scoutSkipped)
		return nil
	}

	// Without enough of the current coin there is nothing to jump with:
	// look for a fresh entry point with the bridge balance instead.
	enough, err := holdsTradableValue(ctx, sc, current, price)
	if err != nil {
		l.Info("Skipping scouting... could not value current coin", zap.Error(err))
		sc.Metrics.scout(scoutSkipped)
		return nil
	}
	if !enough {
		return bridgeScout(ctx, sc, l)
	}

	l.Debug("Scouting for trades...", zap.String("price", price.String()))
	req, err := sc.Ranker.BestJump(ctx, current, price)
	if err != nil {
		sc.Metrics.scout(scoutError)
		return err
	}
	if req == nil {
		l.Debug("No profitable jump opportunities found in this cycle.")
		sc.Metrics.scout(scoutIdle)
		return nil
	}

	l.Info("Found best jump opportunity",
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Float64("profit_margin", req.Profit))

	if _, err := sc.Executor.Execute(ctx, *req); err != nil {
		sc.Metrics.scout(scoutError)
		if errors.Is(err, ErrSellFailed) || errors.Is(err, ErrBuyFailed) {
			// Reported by the executor; retried on a later tick.
			return nil
		}
		return err
	}
	sc.Metrics.scout(scoutRotated)
	return nil
}

// holdsTradableValue reports whether the balance of coin, valued at price,
// exceeds the minimum order value of its bridge market.
func holdsTradableValue(ctx context.Context, sc StrategyContext, coin string, price decimal.Decimal) (bool, error) {
	balance, err := sc.Gateway.GetCurrencyBalance(ctx, coin)
	if err != nil {
		return false, err
	}
	minNotional, err := sc.Gateway.GetMinNotional(ctx, coin, sc.Cfg.Trading.Bridge)
	if err != nil {
		return false, err
	}
	return hasTradableValue(balance, price, minNotional), nil
}
