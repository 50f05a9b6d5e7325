package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"coin-rotation-bot/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL         = "https://api.binance.com/api/v3"
	testnetBaseURL  = "https://testnet.binance.vision/api/v3"
	recvWindow      = "5000" // How long a request is valid in milliseconds
	OrderTypeMarket = "MARKET"
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
)

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetTickerPrice(ctx context.Context, symbol string) (string, error)
	GetAllTickerPrices(ctx context.Context) (map[string]string, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error)
	GetAccount(ctx context.Context) (*AccountResponse, error)
	CreateOrder(ctx context.Context, order OrderRequest) (*CreateOrderResponse, error)
}

// ErrStatusUnknown is returned when a request that must not be repeated
// failed without a definite answer from the exchange.
var ErrStatusUnknown = errors.New("request outcome unknown")

// APIError is a non-retryable error answered by the exchange.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// RestClient is a client for the Binance REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	logger = logger.Named("binance")
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
		breaker:   newBreaker(cfg.BreakerFailures, logger),
	}
}

// newBreaker opens after maxFailures consecutive transport or server failures.
// Errors answered by the exchange itself (bad symbol, insufficient balance)
// don't count against it.
func newBreaker(maxFailures uint32, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedParams adds the timestamp, receive window and signature to params.
func (c *RestClient) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))
	return params
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req, true)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest runs the request through the circuit breaker. Requests that are
// not retryable are sent exactly once.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request, retryable bool) (*resty.Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequestWithRetry(ctx, method, url, req, retryable)
	})
	if err != nil {
		return nil, err
	}
	return out.(*resty.Response), nil
}

// doRequestWithRetry handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequestWithRetry(ctx context.Context, method, url string, req *resty.Request, retryable bool) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	req.SetContext(ctx)
	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			err = fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		if !retryable {
			// The exchange may have acted on the request already.
			return nil, fmt.Errorf("%w: %s %s: %v", ErrStatusUnknown, method, url, err)
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetTickerPrice fetches the latest price of a single symbol.
func (c *RestClient) GetTickerPrice(ctx context.Context, symbol string) (string, error) {
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&TickerPrice{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/price", req, true)
	if err != nil {
		return "", fmt.Errorf("failed to get ticker price for %s: %w", symbol, err)
	}

	return resp.Result().(*TickerPrice).Price, nil
}

// GetAllTickerPrices fetches the latest price for all symbols.
func (c *RestClient) GetAllTickerPrices(ctx context.Context) (map[string]string, error) {
	var prices []*TickerPrice

	req := c.client.R().
		SetResult(&prices).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/price", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get all ticker prices: %w", err)
	}

	result := resp.Result().(*[]*TickerPrice)
	priceMap := make(map[string]string, len(*result))
	for _, p := range *result {
		priceMap[p.Symbol] = p.Price
	}

	return priceMap, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol              string   `json:"symbol"`
	Status              string   `json:"status"`
	BaseAsset           string   `json:"baseAsset"`
	QuoteAsset          string   `json:"quoteAsset"`
	QuoteAssetPrecision int      `json:"quoteAssetPrecision"`
	Filters             []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// LOT_SIZE carries the step size, MIN_NOTIONAL and NOTIONAL the minimum order value.
type Filter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetResult(&exchangeInfo).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, http.MethodGet, "/exchangeInfo", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	return resp.Result().(*ExchangeInfoResponse), nil
}

// Balance is the holding of a single asset.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// AccountResponse is the part of /account the bot reads.
type AccountResponse struct {
	CanTrade bool      `json:"canTrade"`
	Balances []Balance `json:"balances"`
}

// GetAccount fetches the account balances. It is a signed endpoint.
func (c *RestClient) GetAccount(ctx context.Context) (*AccountResponse, error) {
	params := c.signedParams(url.Values{})

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(params.Encode()).
		SetResult(&AccountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/account", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return resp.Result().(*AccountResponse), nil
}

// OrderRequest describes a market order. Exactly one of Quantity (base asset)
// and QuoteOrderQty (quote asset to spend) must be set.
type OrderRequest struct {
	Symbol        string
	Side          string
	Quantity      string
	QuoteOrderQty string
	ClientOrderID string
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

// CreateOrder places a new MARKET order on Binance.
func (c *RestClient) CreateOrder(ctx context.Context, order OrderRequest) (*CreateOrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", order.Side)
	params.Set("type", OrderTypeMarket)
	params.Set("newOrderRespType", "RESULT")
	if order.QuoteOrderQty != "" {
		params.Set("quoteOrderQty", order.QuoteOrderQty)
	} else {
		params.Set("quantity", order.Quantity)
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	params = c.signedParams(params)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req, false)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.String("quantity", order.Quantity),
			zap.String("quote_order_qty", order.QuoteOrderQty),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*CreateOrderResponse)
	c.logger.Info("Successfully created order", zap.Any("order", result))
	return result, nil
}
