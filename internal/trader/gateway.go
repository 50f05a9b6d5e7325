package trader

import (
	"context"
	"errors"

	"coin-rotation-bot/internal/binance"
	"github.com/shopspring/decimal"
)

var (
	// ErrSellFailed aborts a rotation before anything was bought.
	// Holding and ledger are untouched.
	ErrSellFailed = errors.New("sell leg failed")
	// ErrBuyFailed aborts a rotation after the source coin was sold. The
	// proceeds stay in the bridge coin and need manual reconciliation.
	ErrBuyFailed = errors.New("buy leg failed")
	// ErrPriceUnavailable means a ticker price couldn't be fetched.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrUnsupportedCoin is returned for a configured coin that isn't in the supported list.
	ErrUnsupportedCoin = errors.New("unsupported coin")
	// ErrLedgerUpdate means the rotation settled but its cost basis wasn't persisted.
	ErrLedgerUpdate = errors.New("ledger update failed")
)

// Gateway is the exchange connectivity the trading core relies on.
// binance.Manager is the production implementation.
type Gateway interface {
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetCurrencyBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetMinNotional(ctx context.Context, asset, bridge string) (decimal.Decimal, error)
	SellAlt(ctx context.Context, asset, bridge string) (*binance.OrderResult, error)
	BuyAlt(ctx context.Context, asset, bridge string) (*binance.OrderResult, error)
}

var _ Gateway = (*binance.Manager)(nil)

// RotationRequest is a candidate jump produced by the ranker.
type RotationRequest struct {
	From   string
	To     string
	Profit float64
}

// RotationResult is what a settled rotation bought.
type RotationResult struct {
	ID                   string
	To                   string
	ExecutedPrice        decimal.Decimal
	Quantity             decimal.Decimal
	CumulativeQuoteSpent decimal.Decimal
	// SoldSource is false when the source balance was below the minimum order value.
	SoldSource bool
}

// Ranker picks rotation targets and keeps the jump thresholds current.
type Ranker interface {
	// BestJump returns the most profitable jump away from coin, or nil.
	BestJump(ctx context.Context, coin string, price decimal.Decimal) (*RotationRequest, error)
	// UpdateThreshold re-bases the ratios of every pair into coin after it
	// was bought at price.
	UpdateThreshold(ctx context.Context, coin string, price decimal.Decimal) error
	// BridgeScout buys a coin with the bridge balance when one is a good
	// entry point. It returns the coin bought, or "" when nothing was bought.
	BridgeScout(ctx context.Context) (string, error)
}

// Rotator executes rotations.
type Rotator interface {
	Execute(ctx context.Context, req RotationRequest) (*RotationResult, error)
}

// hasTradableValue reports whether balance, valued at price, is worth more
// than the minimum order value. Equal is not enough.
func hasTradableValue(balance, price, minNotional decimal.Decimal) bool {
	return balance.Mul(price).GreaterThan(minNotional)
}
