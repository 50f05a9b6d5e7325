package trader

import (
	"context"
	"fmt"
	"sync"

	"coin-rotation-bot/internal/config"
	"coin-rotation-bot/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RatioRanker scores jumps by comparing the live price ratio of two coins
// against the ratio stored on their pair.
type RatioRanker struct {
	db      *gorm.DB
	gateway Gateway
	cfg     *config.Trading
	logger  *zap.Logger
}

var _ Ranker = (*RatioRanker)(nil)

// priceSnapshotter is implemented by gateways that can price every symbol at once.
type priceSnapshotter interface {
	GetAllTickerPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

func NewRatioRanker(db *gorm.DB, gateway Gateway, cfg *config.Trading, logger *zap.Logger) *RatioRanker {
	return &RatioRanker{
		db:      db,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.Named("ranker"),
	}
}

// EnsurePairs creates a pair for every ordered combination of coins.
func (r *RatioRanker) EnsurePairs(ctx context.Context, coins []string) error {
	for _, from := range coins {
		for _, to := range coins {
			if from == to {
				continue
			}
			pair := models.Pair{FromCoinSymbol: from, ToCoinSymbol: to}
			if err := r.db.WithContext(ctx).Where(pair).FirstOrCreate(&pair).Error; err != nil {
				return fmt.Errorf("failed to create pair %s/%s: %w", from, to, err)
			}
		}
	}
	return nil
}

// InitializeRatios sets the ratio of every pair that has none yet to the
// current price ratio. Pairs without prices are left for the next start.
func (r *RatioRanker) InitializeRatios(ctx context.Context) error {
	var pairs []models.Pair
	if err := r.db.WithContext(ctx).Where("ratio = ?", 0).Find(&pairs).Error; err != nil {
		return fmt.Errorf("failed to find pairs to update: %w", err)
	}
	if len(pairs) == 0 {
		return nil
	}
	r.logger.Info("Initializing trade ratios", zap.Int("count", len(pairs)))

	// Warm the cache with one bulk request when the gateway supports it.
	prices := make(map[string]decimal.Decimal)
	if bulk, ok := r.gateway.(priceSnapshotter); ok {
		all, err := bulk.GetAllTickerPrices(ctx)
		if err != nil {
			r.logger.Warn("Could not fetch all ticker prices, falling back to single lookups", zap.Error(err))
		}
		for _, pair := range pairs {
			for _, coin := range []string{pair.FromCoinSymbol, pair.ToCoinSymbol} {
				if p, ok := all[coin+r.cfg.Bridge]; ok {
					prices[coin] = p
				}
			}
		}
	}
	price := func(coin string) (decimal.Decimal, bool) {
		if p, ok := prices[coin]; ok {
			return p, !p.IsZero()
		}
		p, err := r.gateway.GetTickerPrice(ctx, coin+r.cfg.Bridge)
		if err != nil {
			r.logger.Warn("Could not find ticker price to initialize ratio", zap.String("symbol", coin+r.cfg.Bridge), zap.Error(err))
			p = decimal.Zero
		}
		prices[coin] = p
		return p, !p.IsZero()
	}

	for _, pair := range pairs {
		fromPrice, ok1 := price(pair.FromCoinSymbol)
		toPrice, ok2 := price(pair.ToCoinSymbol)
		if !ok1 || !ok2 {
			continue
		}
		ratio := fromPrice.Div(toPrice).InexactFloat64()
		if err := r.db.WithContext(ctx).Model(&pair).Update("ratio", ratio).Error; err != nil {
			r.logger.Error("Failed to save initialized ratio", zap.String("from", pair.FromCoinSymbol), zap.String("to", pair.ToCoinSymbol), zap.Error(err))
		}
	}
	return nil
}

// BestJump searches for the most profitable jump away from coin.
func (r *RatioRanker) BestJump(ctx context.Context, coin string, price decimal.Decimal) (*RotationRequest, error) {
	pairs, err := r.pairsFrom(ctx, coin)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	var wg sync.WaitGroup
	opportunities := make(chan RotationRequest, len(pairs))

	for _, p := range pairs {
		wg.Add(1)
		go func(pair models.Pair) {
			defer wg.Done()
			toPrice, err := r.gateway.GetTickerPrice(ctx, pair.ToCoinSymbol+r.cfg.Bridge)
			if err != nil {
				r.logger.Debug("Skipping pair without price", zap.String("pair", pair.FromCoinSymbol+"/"+pair.ToCoinSymbol), zap.Error(err))
				return
			}
			profit, err := r.profit(pair, price, toPrice)
			if err != nil {
				r.logger.Warn("Failed to calculate profit for pair", zap.String("pair", pair.FromCoinSymbol+"/"+pair.ToCoinSymbol), zap.Error(err))
				return
			}
			if profit > 0 {
				opportunities <- RotationRequest{From: pair.FromCoinSymbol, To: pair.ToCoinSymbol, Profit: profit}
			}
		}(p)
	}

	go func() {
		wg.Wait()
		close(opportunities)
	}()

	var best *RotationRequest
	for opp := range opportunities {
		if best == nil || opp.Profit > best.Profit {
			current := opp
			best = &current
		}
	}
	return best, nil
}

// profit is the relative gain of a jump after both legs' fees and the
// scout margin. Positive means the jump is worth taking.
func (r *RatioRanker) profit(pair models.Pair, fromPrice, toPrice decimal.Decimal) (float64, error) {
	if pair.Ratio <= 0 {
		return 0, fmt.Errorf("pair %s/%s has no ratio", pair.FromCoinSymbol, pair.ToCoinSymbol)
	}
	if !fromPrice.IsPositive() || !toPrice.IsPositive() {
		return 0, fmt.Errorf("invalid prices for pair %s/%s", pair.FromCoinSymbol, pair.ToCoinSymbol)
	}

	feeRate := r.cfg.FeeRate
	margin := r.cfg.ScoutMargin / 100

	currentRatio := fromPrice.Div(toPrice).InexactFloat64()
	effectiveRatio := currentRatio * (1 - feeRate) * (1 - feeRate)
	return (effectiveRatio / pair.Ratio) - 1 - margin, nil
}

// UpdateThreshold re-bases every pair into coin on the price coin was just
// bought at, so the next jump is measured from this trade.
func (r *RatioRanker) UpdateThreshold(ctx context.Context, coin string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("invalid price %s for %s", price, coin)
	}
	var pairs []models.Pair
	if err := r.db.WithContext(ctx).Where("to_coin_symbol = ?", coin).Find(&pairs).Error; err != nil {
		return fmt.Errorf("could not get pairs into %s: %w", coin, err)
	}

	for _, pair := range pairs {
		fromPrice, err := r.gateway.GetTickerPrice(ctx, pair.FromCoinSymbol+r.cfg.Bridge)
		if err != nil {
			r.logger.Info("Skipping update... price not found", zap.String("symbol", pair.FromCoinSymbol+r.cfg.Bridge))
			continue
		}
		ratio := fromPrice.Div(price).InexactFloat64()
		if err := r.db.WithContext(ctx).Model(&pair).Update("ratio", ratio).Error; err != nil {
			return fmt.Errorf("could not update ratio of %s/%s: %w", pair.FromCoinSymbol, coin, err)
		}
	}
	return nil
}

// BridgeScout looks for the coin none of whose jumps is profitable, the one
// currently cheapest relative to the rest, and buys it with the bridge
// balance when that balance is above the coin's minimum order value.
func (r *RatioRanker) BridgeScout(ctx context.Context) (string, error) {
	bridgeBalance, err := r.gateway.GetCurrencyBalance(ctx, r.cfg.Bridge)
	if err != nil {
		return "", fmt.Errorf("could not get bridge balance: %w", err)
	}

	var coins []models.Coin
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("symbol").Find(&coins).Error; err != nil {
		return "", fmt.Errorf("could not fetch coins: %w", err)
	}

	for _, coin := range coins {
		price, err := r.gateway.GetTickerPrice(ctx, coin.Symbol+r.cfg.Bridge)
		if err != nil {
			continue
		}
		jump, err := r.BestJump(ctx, coin.Symbol, price)
		if err != nil {
			return "", err
		}
		if jump != nil {
			continue
		}

		minNotional, err := r.gateway.GetMinNotional(ctx, coin.Symbol, r.cfg.Bridge)
		if err != nil {
			r.logger.Warn("Could not get min notional", zap.String("coin", coin.Symbol), zap.Error(err))
			continue
		}
		if !bridgeBalance.GreaterThan(minNotional) {
			continue
		}

		r.logger.Info("Will be purchasing coin using bridge coin", zap.String("coin", coin.Symbol), zap.String("bridge_balance", bridgeBalance.String()))
		result, err := r.gateway.BuyAlt(ctx, coin.Symbol, r.cfg.Bridge)
		if err != nil {
			return "", fmt.Errorf("bridge scout could not buy %s: %w", coin.Symbol, err)
		}
		if err := r.UpdateThreshold(ctx, coin.Symbol, result.Price); err != nil {
			r.logger.Warn("Could not update trade thresholds", zap.Error(err))
		}
		return coin.Symbol, nil
	}
	return "", nil
}

func (r *RatioRanker) pairsFrom(ctx context.Context, coin string) ([]models.Pair, error) {
	var pairs []models.Pair
	err := r.db.WithContext(ctx).
		Joins("JOIN coins ON coins.symbol = pairs.to_coin_symbol AND coins.enabled = ? AND coins.deleted_at IS NULL", true).
		Where("pairs.from_coin_symbol = ?", coin).
		Find(&pairs).Error
	if err != nil {
		return nil, fmt.Errorf("could not get pairs for coin %s: %w", coin, err)
	}
	return pairs, nil
}
