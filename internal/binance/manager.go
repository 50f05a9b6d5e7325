package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrNoOrderFill is returned when the exchange accepted an order that
	// executed nothing.
	ErrNoOrderFill = errors.New("order was not filled")
	// ErrNothingToTrade is returned when the balance to trade rounds to zero.
	ErrNothingToTrade = errors.New("balance too small to trade")
	ErrUnknownSymbol  = errors.New("unknown symbol")
)

// defaultQuotePrecision is used when exchangeInfo doesn't report one.
const defaultQuotePrecision = 8

// OrderResult is the outcome of a filled market order.
// Price is the average fill price in the quote asset.
type OrderResult struct {
	OrderID            int64
	Symbol             string
	Price              decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
}

// Manager wraps the REST client into the operations the trading core needs:
// prices, balances, minimum order values and whole-balance market orders.
type Manager struct {
	client RestClientInterface
	logger *zap.Logger
	dryRun bool

	mu    sync.RWMutex
	rules map[string]SymbolInfo
	// wallet holds the simulated free balances of a dry run.
	wallet map[string]decimal.Decimal
}

// NewManager creates a Manager. With dryRun set orders are simulated at the
// current ticker price against a virtual wallet, and neither orders nor
// balance lookups reach the exchange.
func NewManager(client RestClientInterface, logger *zap.Logger, dryRun bool) *Manager {
	return &Manager{
		client: client,
		logger: logger.Named("binance-manager"),
		dryRun: dryRun,
		rules:  make(map[string]SymbolInfo),
		wallet: make(map[string]decimal.Decimal),
	}
}

// SetDryRunBalance sets the simulated free balance of asset. It has no
// effect outside a dry run.
func (m *Manager) SetDryRunBalance(asset string, amount decimal.Decimal) {
	if !m.dryRun {
		return
	}
	m.mu.Lock()
	m.wallet[asset] = amount
	m.mu.Unlock()
}

// LoadExchangeInfo caches the trading rules of every symbol.
func (m *Manager) LoadExchangeInfo(ctx context.Context) error {
	info, err := m.client.GetExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("could not get exchange info: %w", err)
	}

	rules := make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		rules[s.Symbol] = s
	}

	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()

	m.logger.Info("Cached exchange information for symbols", zap.Int("count", len(rules)))
	return nil
}

func (m *Manager) rule(ctx context.Context, symbol string) (SymbolInfo, error) {
	m.mu.RLock()
	info, ok := m.rules[symbol]
	empty := len(m.rules) == 0
	m.mu.RUnlock()
	if ok {
		return info, nil
	}
	if empty {
		if err := m.LoadExchangeInfo(ctx); err != nil {
			return SymbolInfo{}, err
		}
		m.mu.RLock()
		info, ok = m.rules[symbol]
		m.mu.RUnlock()
		if ok {
			return info, nil
		}
	}
	return SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// GetTickerPrice returns the last price of symbol. A missing or zero price is an error.
func (m *Manager) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := m.client.GetTickerPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for %s: %w", raw, symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// GetAllTickerPrices returns the last price of every listed symbol in one
// request. Symbols with an unparsable or zero price are left out.
func (m *Manager) GetAllTickerPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := m.client.GetAllTickerPrices(ctx)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal, len(raw))
	for symbol, s := range raw {
		price, err := decimal.NewFromString(s)
		if err != nil || !price.IsPositive() {
			continue
		}
		prices[symbol] = price
	}
	return prices, nil
}

// GetCurrencyBalance returns the free balance of asset; zero when the
// account holds none.
func (m *Manager) GetCurrencyBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if m.dryRun {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.wallet[asset], nil
	}
	account, err := m.client.GetAccount(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("could not get balance of %s: %w", asset, err)
	}
	for _, b := range account.Balances {
		if b.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid balance %q for %s: %w", b.Free, asset, err)
		}
		return free, nil
	}
	return decimal.Zero, nil
}

// GetMinNotional returns the minimum order value of the asset/bridge market,
// in the bridge asset.
func (m *Manager) GetMinNotional(ctx context.Context, asset, bridge string) (decimal.Decimal, error) {
	info, err := m.rule(ctx, asset+bridge)
	if err != nil {
		return decimal.Zero, err
	}
	for _, f := range info.Filters {
		if (f.FilterType == "MIN_NOTIONAL" || f.FilterType == "NOTIONAL") && f.MinNotional != "" {
			return decimal.NewFromString(f.MinNotional)
		}
	}
	return decimal.Zero, nil
}

// SellAlt sells the whole free balance of asset for bridge.
func (m *Manager) SellAlt(ctx context.Context, asset, bridge string) (*OrderResult, error) {
	symbol := asset + bridge
	balance, err := m.GetCurrencyBalance(ctx, asset)
	if err != nil {
		return nil, err
	}
	info, err := m.rule(ctx, symbol)
	if err != nil {
		return nil, err
	}
	quantity := FloorToStep(balance, lotStepSize(info))
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s balance %s", ErrNothingToTrade, asset, balance)
	}

	l := m.logger.With(zap.String("symbol", symbol), zap.String("quantity", quantity.String()))
	l.Info("Selling alt coin")

	if m.dryRun {
		return m.simulate(ctx, asset, bridge, quantity, decimal.Zero)
	}
	resp, err := m.client.CreateOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          OrderSideSell,
		Quantity:      quantity.String(),
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return toOrderResult(resp)
}

// BuyAlt spends the whole free bridge balance on asset.
func (m *Manager) BuyAlt(ctx context.Context, asset, bridge string) (*OrderResult, error) {
	symbol := asset + bridge
	balance, err := m.GetCurrencyBalance(ctx, bridge)
	if err != nil {
		return nil, err
	}
	info, err := m.rule(ctx, symbol)
	if err != nil {
		return nil, err
	}
	precision := info.QuoteAssetPrecision
	if precision == 0 {
		precision = defaultQuotePrecision
	}
	spend := balance.RoundFloor(int32(precision))
	if !spend.IsPositive() {
		return nil, fmt.Errorf("%w: %s balance %s", ErrNothingToTrade, bridge, balance)
	}

	l := m.logger.With(zap.String("symbol", symbol), zap.String("quote_order_qty", spend.String()))
	l.Info("Buying alt coin")

	if m.dryRun {
		return m.simulate(ctx, asset, bridge, decimal.Zero, spend)
	}
	resp, err := m.client.CreateOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          OrderSideBuy,
		QuoteOrderQty: spend.String(),
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return toOrderResult(resp)
}

// simulate fills an order at the current ticker price and moves the wallet.
// A non-zero quantity sells asset, otherwise spend is used to buy it.
func (m *Manager) simulate(ctx context.Context, asset, bridge string, quantity, spend decimal.Decimal) (*OrderResult, error) {
	symbol := asset + bridge
	price, err := m.GetTickerPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if quantity.IsZero() {
		quantity = spend.Div(price)
		m.wallet[bridge] = m.wallet[bridge].Sub(spend)
		m.wallet[asset] = m.wallet[asset].Add(quantity)
	} else {
		spend = quantity.Mul(price)
		m.wallet[asset] = m.wallet[asset].Sub(quantity)
		m.wallet[bridge] = m.wallet[bridge].Add(spend)
	}
	m.mu.Unlock()

	m.logger.Warn("[Dry Run] Simulated order",
		zap.String("symbol", symbol),
		zap.String("price", price.String()),
		zap.String("quantity", quantity.String()))
	return &OrderResult{
		Symbol:             symbol,
		Price:              price,
		ExecutedQty:        quantity,
		CumulativeQuoteQty: spend,
	}, nil
}

func toOrderResult(resp *CreateOrderResponse) (*OrderResult, error) {
	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("invalid executed quantity %q: %w", resp.ExecutedQuantity, err)
	}
	quote, err := decimal.NewFromString(resp.CummulativeQuoteQty)
	if err != nil {
		return nil, fmt.Errorf("invalid cumulative quote quantity %q: %w", resp.CummulativeQuoteQty, err)
	}
	if !executed.IsPositive() {
		return nil, fmt.Errorf("%w: order %d on %s", ErrNoOrderFill, resp.OrderID, resp.Symbol)
	}
	return &OrderResult{
		OrderID:            resp.OrderID,
		Symbol:             resp.Symbol,
		Price:              quote.Div(executed),
		ExecutedQty:        executed,
		CumulativeQuoteQty: quote,
	}, nil
}

func lotStepSize(info SymbolInfo) string {
	for _, f := range info.Filters {
		if f.FilterType == "LOT_SIZE" {
			return f.StepSize
		}
	}
	return ""
}

// FloorToStep floors quantity to a multiple of stepSize. An empty or
// unparsable step leaves quantity unchanged.
func FloorToStep(quantity decimal.Decimal, stepSize string) decimal.Decimal {
	step, err := decimal.NewFromString(stepSize)
	if err != nil || !step.IsPositive() {
		return quantity
	}
	return quantity.Div(step).Floor().Mul(step)
}
