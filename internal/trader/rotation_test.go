package trader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coin-rotation-bot/internal/binance"
	"coin-rotation-bot/internal/costbasis"
	"coin-rotation-bot/internal/ledger"
	"coin-rotation-bot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type rotationFixture struct {
	db       *gorm.DB
	gateway  *MockGateway
	ranker   *MockRanker
	holding  *DBHoldingStore
	ledger   *ledger.SQLStore
	metrics  *Metrics
	executor *RotationExecutor
}

func setupRotation(t *testing.T, strategy costbasis.Strategy, bridge, quote string) *rotationFixture {
	db := setupDB(t, "ADA", "XLM", "BTC")
	store := setupLedger(t, db, quote)
	holding := NewDBHoldingStore(db)
	gateway := new(MockGateway)
	ranker := new(MockRanker)
	metrics := NewMetrics(prometheus.NewRegistry())

	executor := NewRotationExecutor(RotationConfig{
		Gateway:   gateway,
		Holding:   holding,
		Ledger:    store,
		CostBasis: strategy,
		Ranker:    ranker,
		Trades:    NewDBTradeLog(db, false),
		Metrics:   metrics,
		Logger:    zap.NewNop(),
		Bridge:    bridge,
		Quote:     quote,
	})
	return &rotationFixture{
		db:       db,
		gateway:  gateway,
		ranker:   ranker,
		holding:  holding,
		ledger:   store,
		metrics:  metrics,
		executor: executor,
	}
}

// seed sets the holding to ADA with ledger entries for ADA and XLM.
func (f *rotationFixture) seed(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, f.holding.Set(ctx, "ADA"))
	require.NoError(t, f.ledger.Upsert(ctx, "ADA", d("0.00001"), d("100")))
	require.NoError(t, f.ledger.Upsert(ctx, "XLM", d("0.05"), d("2.0")))
}

// sellable makes 100 ADA at 0.5 USDT worth more than the 10 USDT minimum.
func (f *rotationFixture) sellable() {
	f.gateway.On("GetCurrencyBalance", "ADA").Return(d("100"), nil)
	f.gateway.On("GetTickerPrice", "ADAUSDT").Return(d("0.5"), nil)
	f.gateway.On("GetMinNotional", "ADA", "USDT").Return(d("10"), nil)
}

func snapshot(t *testing.T, store *ledger.SQLStore) []ledger.Entry {
	entries, err := store.List(context.Background())
	require.NoError(t, err)
	return entries
}

func TestRotationExecutor_Execute(t *testing.T) {
	ctx := context.Background()
	req := RotationRequest{From: "ADA", To: "XLM", Profit: 0.012}

	t.Run("Settles holding and weighted cost basis", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.seed(t)
		f.sellable()
		f.gateway.On("SellAlt", "ADA", "USDT").Return(&binance.OrderResult{
			Symbol: "ADAUSDT", Price: d("0.5"), ExecutedQty: d("100"), CumulativeQuoteQty: d("50"),
		}, nil).Once()
		f.gateway.On("BuyAlt", "XLM", "USDT").Return(&binance.OrderResult{
			Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("3.0"), CumulativeQuoteQty: d("0.3"),
		}, nil).Once()
		f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0.04"), nil)
		f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(nil).Once()

		result, err := f.executor.Execute(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.SoldSource)
		assert.Equal(t, "XLM", result.To)
		assert.True(t, d("3").Equal(result.Quantity))

		current, ok, err := f.holding.Get(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "XLM", current)

		_, found, err := f.ledger.Get(ctx, "ADA")
		require.NoError(t, err)
		assert.False(t, found, "source entry should be reset")

		entry, found, err := f.ledger.Get(ctx, "XLM")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "XLMBTC-last-buy-price", entry.Key)
		assert.Truef(t, d("0.04433").Equal(entry.LastBuyPrice), "got %s", entry.LastBuyPrice)
		assert.True(t, d("5").Equal(entry.Quantity))

		var trades []models.Trade
		require.NoError(t, f.db.Order("id").Find(&trades).Error)
		require.Len(t, trades, 2)
		assert.Equal(t, binance.OrderSideSell, trades[0].Side)
		assert.Equal(t, binance.OrderSideBuy, trades[1].Side)
		assert.Equal(t, result.ID, trades[0].RotationID)

		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.rotations.WithLabelValues(outcomeSettled)))
		assert.InDelta(t, 0.04433, testutil.ToFloat64(f.metrics.costBasis.WithLabelValues("XLM")), 1e-9)
		f.gateway.AssertExpectations(t)
		f.ranker.AssertExpectations(t)
	})

	t.Run("Sell failure changes nothing", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.seed(t)
		f.sellable()
		f.gateway.On("SellAlt", "ADA", "USDT").Return(nil, errors.New("insufficient balance"))
		before := snapshot(t, f.ledger)

		result, err := f.executor.Execute(ctx, req)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrSellFailed)

		current, _, err := f.holding.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ADA", current)
		assert.Equal(t, before, snapshot(t, f.ledger))

		var count int64
		require.NoError(t, f.db.Model(&models.Trade{}).Count(&count).Error)
		assert.Zero(t, count)

		f.gateway.AssertNotCalled(t, "BuyAlt", mock.Anything, mock.Anything)
		f.ranker.AssertNotCalled(t, "UpdateThreshold", mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.rotations.WithLabelValues(outcomeSellFailed)))
	})

	t.Run("Buy failure keeps holding and ledger", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.seed(t)
		f.sellable()
		f.gateway.On("SellAlt", "ADA", "USDT").Return(&binance.OrderResult{
			Symbol: "ADAUSDT", Price: d("0.5"), ExecutedQty: d("100"), CumulativeQuoteQty: d("50"),
		}, nil)
		f.gateway.On("BuyAlt", "XLM", "USDT").Return(nil, errors.New("market closed"))
		before := snapshot(t, f.ledger)

		_, err := f.executor.Execute(ctx, req)
		assert.ErrorIs(t, err, ErrBuyFailed)

		current, _, err := f.holding.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ADA", current)
		assert.Equal(t, before, snapshot(t, f.ledger))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.rotations.WithLabelValues(outcomeBuyFailed)))
	})

	t.Run("Skips the sell when the balance equals the minimum", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.seed(t)
		f.gateway.On("GetCurrencyBalance", "ADA").Return(d("20"), nil)
		f.gateway.On("GetTickerPrice", "ADAUSDT").Return(d("0.5"), nil)
		f.gateway.On("GetMinNotional", "ADA", "USDT").Return(d("10"), nil)
		f.gateway.On("BuyAlt", "XLM", "USDT").Return(&binance.OrderResult{
			Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("3.0"), CumulativeQuoteQty: d("0.3"),
		}, nil)
		f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0.04"), nil)
		f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(nil)

		result, err := f.executor.Execute(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.SoldSource)
		f.gateway.AssertNotCalled(t, "SellAlt", mock.Anything, mock.Anything)

		current, _, err := f.holding.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "XLM", current)
	})

	t.Run("Zero balance skips the sell", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.gateway.On("GetCurrencyBalance", "ADA").Return(d("0"), nil)
		f.gateway.On("BuyAlt", "XLM", "USDT").Return(&binance.OrderResult{
			Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("3.0"), CumulativeQuoteQty: d("0.3"),
		}, nil)
		f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0.04"), nil)
		f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(nil)

		result, err := f.executor.Execute(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.SoldSource)
		f.gateway.AssertNotCalled(t, "GetMinNotional", mock.Anything, mock.Anything)

		entry, found, err := f.ledger.Get(ctx, "XLM")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, d("0.0403").Equal(entry.LastBuyPrice))
	})

	t.Run("Spend based carries spot value on cold start", func(t *testing.T) {
		f := setupRotation(t, costbasis.SpendBased{FeeMultiplier: d("1.015")}, "USDT", "USDT")
		require.NoError(t, f.holding.Set(ctx, "ADA"))
		f.sellable()
		f.gateway.On("SellAlt", "ADA", "USDT").Return(&binance.OrderResult{
			Symbol: "ADAUSDT", Price: d("0.5"), ExecutedQty: d("100"), CumulativeQuoteQty: d("50"),
		}, nil)
		f.gateway.On("BuyAlt", "BTC", "USDT").Return(&binance.OrderResult{
			Symbol: "BTCUSDT", Price: d("30000"), ExecutedQty: d("0.01"), CumulativeQuoteQty: d("300"),
		}, nil)
		f.gateway.On("GetTickerPrice", "BTCUSDT").Return(d("30000"), nil)
		f.ranker.On("UpdateThreshold", "BTC", "30000").Return(nil)

		_, err := f.executor.Execute(ctx, RotationRequest{From: "ADA", To: "BTC"})
		require.NoError(t, err)

		entry, found, err := f.ledger.Get(ctx, "BTC")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "BTCUSDT-last-buy-price", entry.Key)
		assert.Truef(t, d("30450").Equal(entry.LastBuyPrice), "got %s", entry.LastBuyPrice)
		assert.True(t, d("0.01").Equal(entry.Quantity))
	})

	t.Run("Missing quote price leaves the ledger untouched", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.seed(t)
		f.sellable()
		f.gateway.On("SellAlt", "ADA", "USDT").Return(&binance.OrderResult{
			Symbol: "ADAUSDT", Price: d("0.5"), ExecutedQty: d("100"), CumulativeQuoteQty: d("50"),
		}, nil)
		f.gateway.On("BuyAlt", "XLM", "USDT").Return(&binance.OrderResult{
			Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("3.0"), CumulativeQuoteQty: d("0.3"),
		}, nil)
		f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0"), errors.New("no such market"))
		f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(nil)
		before := snapshot(t, f.ledger)

		result, err := f.executor.Execute(ctx, req)
		require.NotNil(t, result)
		assert.ErrorIs(t, err, ErrLedgerUpdate)
		assert.ErrorIs(t, err, ErrPriceUnavailable)

		current, _, err := f.holding.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "XLM", current)
		assert.Equal(t, before, snapshot(t, f.ledger))
	})

	t.Run("Threshold update failure does not fail the rotation", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.seed(t)
		f.sellable()
		f.gateway.On("SellAlt", "ADA", "USDT").Return(&binance.OrderResult{
			Symbol: "ADAUSDT", Price: d("0.5"), ExecutedQty: d("100"), CumulativeQuoteQty: d("50"),
		}, nil)
		f.gateway.On("BuyAlt", "XLM", "USDT").Return(&binance.OrderResult{
			Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("3.0"), CumulativeQuoteQty: d("0.3"),
		}, nil)
		f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0.04"), nil)
		f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(errors.New("database is locked"))

		_, err := f.executor.Execute(ctx, req)
		assert.NoError(t, err)
	})

	t.Run("Balance lookup failure aborts", func(t *testing.T) {
		f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
		f.gateway.On("GetCurrencyBalance", "ADA").Return(d("0"), errors.New("timeout"))

		_, err := f.executor.Execute(ctx, req)
		assert.ErrorContains(t, err, "timeout")
		f.gateway.AssertNotCalled(t, "BuyAlt", mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.rotations.WithLabelValues(outcomeAborted)))
	})
}

func TestRotationExecutor_Serialized(t *testing.T) {
	f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
	f.gateway.On("GetCurrencyBalance", "ADA").Return(d("0"), nil)
	f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0.04"), nil)
	f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(nil)

	var inFlight, maxInFlight int32
	f.gateway.On("BuyAlt", "XLM", "USDT").Run(func(mock.Arguments) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}).Return(&binance.OrderResult{
		Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("1"), CumulativeQuoteQty: d("0.1"),
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.executor.Execute(context.Background(), RotationRequest{From: "ADA", To: "XLM"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	entry, found, err := f.ledger.Get(context.Background(), "XLM")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, d("4").Equal(entry.Quantity))
}

func TestRotationExecutor_CancelledContext(t *testing.T) {
	f := setupRotation(t, costbasis.DirectBuyBased{FeeMultiplier: d("1.0075")}, "USDT", "BTC")
	f.gateway.On("GetCurrencyBalance", "ADA").Return(d("0"), nil)
	f.gateway.On("BuyAlt", "XLM", "USDT").Return(&binance.OrderResult{
		Symbol: "XLMUSDT", Price: d("0.1"), ExecutedQty: d("1"), CumulativeQuoteQty: d("0.1"),
	}, nil)
	f.gateway.On("GetTickerPrice", "XLMBTC").Return(d("0.04"), nil)
	f.ranker.On("UpdateThreshold", "XLM", "0.1").Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.executor.Execute(ctx, RotationRequest{From: "ADA", To: "XLM"})
	require.NoError(t, err)

	current, _, err := f.holding.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "XLM", current)
}

func TestHasTradableValue(t *testing.T) {
	testCases := []struct {
		name     string
		balance  string
		price    string
		min      string
		expected bool
	}{
		{name: "Above minimum", balance: "21", price: "0.5", min: "10", expected: true},
		{name: "Equal to minimum", balance: "20", price: "0.5", min: "10", expected: false},
		{name: "Below minimum", balance: "19", price: "0.5", min: "10", expected: false},
		{name: "Zero balance", balance: "0", price: "0.5", min: "0", expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, hasTradableValue(d(tc.balance), d(tc.price), d(tc.min)))
		})
	}
}
