package trader

import (
	"context"
	"sync"
	"testing"

	"coin-rotation-bot/internal/binance"
	"coin-rotation-bot/internal/config"
	"coin-rotation-bot/internal/ledger"
	"coin-rotation-bot/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MockGateway is a mock implementation of the Gateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockGateway) GetCurrencyBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockGateway) GetMinNotional(ctx context.Context, asset, bridge string) (decimal.Decimal, error) {
	args := m.Called(asset, bridge)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockGateway) SellAlt(ctx context.Context, asset, bridge string) (*binance.OrderResult, error) {
	args := m.Called(asset, bridge)
	result, _ := args.Get(0).(*binance.OrderResult)
	return result, args.Error(1)
}

func (m *MockGateway) BuyAlt(ctx context.Context, asset, bridge string) (*binance.OrderResult, error) {
	args := m.Called(asset, bridge)
	result, _ := args.Get(0).(*binance.OrderResult)
	return result, args.Error(1)
}

// MockRanker is a mock implementation of the Ranker interface.
type MockRanker struct {
	mock.Mock
}

func (m *MockRanker) BestJump(ctx context.Context, coin string, price decimal.Decimal) (*RotationRequest, error) {
	args := m.Called(coin, price.String())
	req, _ := args.Get(0).(*RotationRequest)
	return req, args.Error(1)
}

func (m *MockRanker) UpdateThreshold(ctx context.Context, coin string, price decimal.Decimal) error {
	args := m.Called(coin, price.String())
	return args.Error(0)
}

func (m *MockRanker) BridgeScout(ctx context.Context) (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// MockRotator is a mock implementation of the Rotator interface.
type MockRotator struct {
	mock.Mock
}

func (m *MockRotator) Execute(ctx context.Context, req RotationRequest) (*RotationResult, error) {
	args := m.Called(req)
	result, _ := args.Get(0).(*RotationResult)
	return result, args.Error(1)
}

// fakeGateway is an in-memory exchange with settable prices and balances.
type fakeGateway struct {
	mu          sync.Mutex
	prices      map[string]decimal.Decimal
	balances    map[string]decimal.Decimal
	minNotional decimal.Decimal
	orders      []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prices:      make(map[string]decimal.Decimal),
		balances:    make(map[string]decimal.Decimal),
		minNotional: d("10"),
	}
}

func (f *fakeGateway) setPrice(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = d(price)
}

func (f *fakeGateway) setBalance(asset, balance string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[asset] = d(balance)
}

func (f *fakeGateway) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return price, nil
}

func (f *fakeGateway) GetCurrencyBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[asset], nil
}

func (f *fakeGateway) GetMinNotional(ctx context.Context, asset, bridge string) (decimal.Decimal, error) {
	return f.minNotional, nil
}

func (f *fakeGateway) SellAlt(ctx context.Context, asset, bridge string) (*binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price := f.prices[asset+bridge]
	qty := f.balances[asset]
	f.balances[asset] = decimal.Zero
	f.balances[bridge] = f.balances[bridge].Add(qty.Mul(price))
	f.orders = append(f.orders, "SELL "+asset+bridge)
	return &binance.OrderResult{Symbol: asset + bridge, Price: price, ExecutedQty: qty, CumulativeQuoteQty: qty.Mul(price)}, nil
}

func (f *fakeGateway) BuyAlt(ctx context.Context, asset, bridge string) (*binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price := f.prices[asset+bridge]
	spend := f.balances[bridge]
	qty := spend.Div(price)
	f.balances[bridge] = decimal.Zero
	f.balances[asset] = f.balances[asset].Add(qty)
	f.orders = append(f.orders, "BUY "+asset+bridge)
	return &binance.OrderResult{Symbol: asset + bridge, Price: price, ExecutedQty: qty, CumulativeQuoteQty: spend}, nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// setupDB creates a fresh in-memory database with every table migrated.
func setupDB(t *testing.T, coins ...string) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.Coin{}, &models.Pair{}, &models.CurrentCoin{}, &models.Trade{}, &models.LedgerEntry{}))
	for _, coin := range coins {
		require.NoError(t, db.Create(&models.Coin{Symbol: coin, Enabled: true}).Error)
	}
	return db
}

func setupLedger(t *testing.T, db *gorm.DB, quote string) *ledger.SQLStore {
	store, err := ledger.NewSQLStore(db, quote, zap.NewNop())
	require.NoError(t, err)
	return store
}

func testConfig(strategy string, coins ...string) *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Bridge:         "USDT",
			SupportedCoins: coins,
			Strategy:       strategy,
			FeeRate:        0.001,
			ScoutMargin:    0.8,
			TickInterval:   1,
		},
		Ledger: config.Ledger{
			Backend:   ledger.BackendSQL,
			Quote:     "BTC",
			CostBasis: "direct_buy",
		},
	}
}
