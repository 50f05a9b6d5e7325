package trader

import (
	"context"
	"fmt"
	"sync"

	"coin-rotation-bot/internal/binance"
	"coin-rotation-bot/internal/costbasis"
	"coin-rotation-bot/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RotationExecutor jumps from one coin to another through the bridge coin
// and settles the cost basis of the coin it lands in.
//
// A rotation either sells and buys, or changes nothing: a failed sell aborts
// before the buy is attempted. A failed buy after a successful sell is
// logged for manual reconciliation and not retried. Execute calls are
// serialized; an in-flight rotation is never cancelled halfway.
type RotationExecutor struct {
	mu sync.Mutex

	gateway   Gateway
	holding   HoldingStore
	ledger    ledger.Store
	costBasis costbasis.Strategy
	ranker    Ranker
	trades    TradeLog
	metrics   *Metrics
	logger    *zap.Logger

	bridge string
	quote  string
}

var _ Rotator = (*RotationExecutor)(nil)

// RotationConfig holds the collaborators of a RotationExecutor.
// Ranker, Trades and Metrics are optional.
type RotationConfig struct {
	Gateway   Gateway
	Holding   HoldingStore
	Ledger    ledger.Store
	CostBasis costbasis.Strategy
	Ranker    Ranker
	Trades    TradeLog
	Metrics   *Metrics
	Logger    *zap.Logger
	Bridge    string
	Quote     string
}

func NewRotationExecutor(cfg RotationConfig) *RotationExecutor {
	return &RotationExecutor{
		gateway:   cfg.Gateway,
		holding:   cfg.Holding,
		ledger:    cfg.Ledger,
		costBasis: cfg.CostBasis,
		ranker:    cfg.Ranker,
		trades:    cfg.Trades,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.Named("rotation"),
		bridge:    cfg.Bridge,
		quote:     cfg.Quote,
	}
}

// Execute runs a rotation from req.From to req.To.
func (e *RotationExecutor) Execute(ctx context.Context, req RotationRequest) (*RotationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The legs must run to a definite outcome even when the caller gives up.
	ctx = context.WithoutCancel(ctx)

	id := uuid.NewString()
	l := e.logger.With(
		zap.String("rotation_id", id),
		zap.String("from_coin", req.From),
		zap.String("to_coin", req.To),
		zap.String("bridge", e.bridge),
	)
	l.Info("Executing jump transaction...", zap.Float64("profit_margin", req.Profit))

	canSell, err := e.canSell(ctx, req.From, l)
	if err != nil {
		e.metrics.rotation(outcomeAborted)
		l.Warn("Could not evaluate source balance, aborting jump", zap.Error(err))
		return nil, err
	}

	result := &RotationResult{ID: id, To: req.To}
	if canSell {
		sold, err := e.gateway.SellAlt(ctx, req.From, e.bridge)
		if err != nil {
			e.metrics.rotation(outcomeSellFailed)
			l.Info("Couldn't sell, going back to scouting mode...", zap.Error(err))
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrSellFailed, req.From, e.bridge, err)
		}
		result.SoldSource = true
		e.record(ctx, id, binance.OrderSideSell, sold, l)
		l.Info("Sold source coin",
			zap.String("price", sold.Price.String()),
			zap.String("quantity", sold.ExecutedQty.String()),
			zap.String("bridge_received", sold.CumulativeQuoteQty.String()))
	} else {
		l.Info("Skipping sell")
	}

	bought, err := e.gateway.BuyAlt(ctx, req.To, e.bridge)
	if err != nil {
		e.metrics.rotation(outcomeBuyFailed)
		l.Error("Couldn't buy, going back to scouting mode...",
			zap.Bool("source_sold", result.SoldSource),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrBuyFailed, req.To, e.bridge, err)
	}
	e.record(ctx, id, binance.OrderSideBuy, bought, l)

	result.ExecutedPrice = bought.Price
	result.Quantity = bought.ExecutedQty
	result.CumulativeQuoteSpent = bought.CumulativeQuoteQty

	if err := e.settle(ctx, req, bought, l); err != nil {
		return result, err
	}
	e.metrics.rotation(outcomeSettled)
	l.Info("Jump settled", zap.String("new_coin", req.To))
	return result, nil
}

// canSell reports whether the source balance is worth more than the
// minimum order value of its bridge market.
func (e *RotationExecutor) canSell(ctx context.Context, coin string, l *zap.Logger) (bool, error) {
	balance, err := e.gateway.GetCurrencyBalance(ctx, coin)
	if err != nil {
		return false, fmt.Errorf("could not get balance of %s: %w", coin, err)
	}
	if balance.IsZero() {
		return false, nil
	}
	price, err := e.gateway.GetTickerPrice(ctx, coin+e.bridge)
	if err != nil {
		return false, fmt.Errorf("%w: %s%s: %v", ErrPriceUnavailable, coin, e.bridge, err)
	}
	minNotional, err := e.gateway.GetMinNotional(ctx, coin, e.bridge)
	if err != nil {
		return false, fmt.Errorf("could not get min notional of %s%s: %w", coin, e.bridge, err)
	}
	l.Debug("Source balance",
		zap.String("balance", balance.String()),
		zap.String("price", price.String()),
		zap.String("min_notional", minNotional.String()))
	return hasTradableValue(balance, price, minNotional), nil
}

// settle records the new holding, then replaces the source cost basis with
// the one of the acquired lot. A crash part way leaves the holding without a
// ledger entry, which the next rotation reads as a zero cost basis.
func (e *RotationExecutor) settle(ctx context.Context, req RotationRequest, bought *binance.OrderResult, l *zap.Logger) error {
	if err := e.holding.Set(ctx, req.To); err != nil {
		l.Error("Bought target coin but could not record the new holding", zap.Error(err))
		return err
	}

	if e.ranker != nil {
		if err := e.ranker.UpdateThreshold(ctx, req.To, bought.Price); err != nil {
			l.Warn("Could not update trade thresholds", zap.Error(err))
		}
	}

	entry, err := e.computeEntry(ctx, req, bought)
	if err != nil {
		l.Error("Cost basis not updated",
			zap.String("bought_quantity", bought.ExecutedQty.String()),
			zap.String("bought_price", bought.Price.String()),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLedgerUpdate, err)
	}

	if err := e.ledger.Remove(ctx, req.From); err != nil {
		l.Error("Could not reset source cost basis", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLedgerUpdate, err)
	}
	l.Info(fmt.Sprintf("Last Buy Price of %s/%s has been reset", req.From, e.quote))
	e.metrics.resetCostBasis(req.From)

	if err := e.ledger.Upsert(ctx, req.To, entry.AveragePrice, entry.Quantity); err != nil {
		l.Error("Could not persist target cost basis",
			zap.String("avg_price", entry.AveragePrice.String()),
			zap.String("quantity", entry.Quantity.String()),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLedgerUpdate, err)
	}
	e.metrics.setCostBasis(req.To, entry.AveragePrice)
	l.Info(fmt.Sprintf("AVG Last Buy Price of %s for %s/%s in total amount of %s is persisted",
		entry.AveragePrice.StringFixed(10), req.To, e.quote, entry.Quantity.StringFixed(10)))
	return nil
}

func (e *RotationExecutor) computeEntry(ctx context.Context, req RotationRequest, bought *binance.OrderResult) (costbasis.Position, error) {
	spot, err := e.quotePrice(ctx, req.To)
	if err != nil {
		return costbasis.Position{}, err
	}
	buyPrice := spot
	if e.bridge == e.quote {
		buyPrice = bought.Price
	}

	source, err := e.position(ctx, req.From)
	if err != nil {
		return costbasis.Position{}, err
	}
	target, err := e.position(ctx, req.To)
	if err != nil {
		return costbasis.Position{}, err
	}

	return e.costBasis.Compute(costbasis.Input{
		Source:    source,
		Target:    target,
		SpotPrice: spot,
		BuyPrice:  buyPrice,
		LotQty:    bought.ExecutedQty,
	})
}

// quotePrice returns the price of coin in the ledger quote unit.
func (e *RotationExecutor) quotePrice(ctx context.Context, coin string) (decimal.Decimal, error) {
	if coin == e.quote {
		return decimal.NewFromInt(1), nil
	}
	price, err := e.gateway.GetTickerPrice(ctx, coin+e.quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s%s: %v", ErrPriceUnavailable, coin, e.quote, err)
	}
	return price, nil
}

func (e *RotationExecutor) position(ctx context.Context, coin string) (costbasis.Position, error) {
	entry, ok, err := e.ledger.Get(ctx, coin)
	if err != nil || !ok {
		return costbasis.Position{}, err
	}
	return costbasis.Position{AveragePrice: entry.LastBuyPrice, Quantity: entry.Quantity}, nil
}

func (e *RotationExecutor) record(ctx context.Context, id, side string, order *binance.OrderResult, l *zap.Logger) {
	if e.trades == nil {
		return
	}
	trade := newTrade(id, order.Symbol, side, order.Price, order.ExecutedQty, order.CumulativeQuoteQty)
	if err := e.trades.Record(ctx, trade); err != nil {
		l.Error("Failed to save trade record to database", zap.String("side", side), zap.Error(err))
	}
}
