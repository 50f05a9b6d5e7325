package trader

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// MultipleCoinsStrategy scouts from every supported coin the account holds
// enough of, not only from the current coin.
type MultipleCoinsStrategy struct{}

// Name returns the unique name of the strategy.
func (s *MultipleCoinsStrategy) Name() string {
	return "MultipleCoins"
}

// Initialize selects the starting coin when there is no saved state.
func (s *MultipleCoinsStrategy) Initialize(ctx context.Context, sc StrategyContext) error {
	if err := initializeHolding(ctx, sc); err != nil {
		return err
	}
	sc.Logger.Info("MultipleCoinsStrategy initialized", zap.Int("coins", len(sc.Cfg.Trading.SupportedCoins)))
	return nil
}

// Scout jumps from every candidate coin. A coin is a candidate when it is
// the current coin or its balance is worth more than the minimum order
// value. With no candidate at all the bridge balance is used to re-enter.
func (s *MultipleCoinsStrategy) Scout(ctx context.Context, sc StrategyContext) error {
	l := sc.Logger.With(zap.String("strategy", s.Name()))
	bridge := sc.Cfg.Trading.Bridge

	current, _, err := sc.Holding.Get(ctx)
	if err != nil {
		sc.Metrics.scout(scoutError)
		return err
	}

	haveCoin := false
	rotated := false
	for _, coin := range sc.Cfg.Trading.SupportedCoins {
		cl := l.With(zap.String("coin", coin))

		price, err := sc.Gateway.GetTickerPrice(ctx, coin+bridge)
		if err != nil {
			cl.Info("Skipping scouting... coin price not found", zap.String("symbol", coin+bridge), zap.Error(err))
			continue
		}

		if coin != current {
			enough, err := holdsTradableValue(ctx, sc, coin, price)
			if err != nil {
				cl.Info("Skipping scouting... could not value coin", zap.Error(err))
				continue
			}
			if !enough {
				continue
			}
		}
		haveCoin = true

		req, err := sc.Ranker.BestJump(ctx, coin, price)
		if err != nil {
			cl.Warn("Ranking failed", zap.Error(err))
			continue
		}
		if req == nil {
			continue
		}

		cl.Info("Found best jump opportunity",
			zap.String("from", req.From),
			zap.String("to", req.To),
			zap.Float64("profit_margin", req.Profit))
		if _, err := sc.Executor.Execute(ctx, *req); err != nil {
			if !errors.Is(err, ErrSellFailed) && !errors.Is(err, ErrBuyFailed) {
				cl.Error("Jump did not settle", zap.Error(err))
			}
			continue
		}
		rotated = true
	}

	if !haveCoin {
		return bridgeScout(ctx, sc, l)
	}
	if rotated {
		sc.Metrics.scout(scoutRotated)
	} else {
		sc.Metrics.scout(scoutIdle)
	}
	return nil
}
