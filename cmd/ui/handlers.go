package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"coin-rotation-bot/internal/binance"
	"coin-rotation-bot/internal/ledger"
	"coin-rotation-bot/internal/models"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultTradeLimit = 100

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log    *zap.Logger
	db     *gorm.DB
	ledger ledger.Store
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB, store ledger.Store) *APIHandler {
	return &APIHandler{log: log, db: db, ledger: store}
}

// Routes registers every read-only endpoint on a new router.
func (h *APIHandler) Routes() *mux.Router {
	// Full paths on the top-level router, so a wrong method is answered with 405.
	r := mux.NewRouter()
	r.HandleFunc("/api/trades", h.TradesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/trades/{rotation}", h.RotationHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/holding", h.HoldingHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ledger", h.LedgerHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/statistics", h.StatisticsHandler).Methods(http.MethodGet)
	return r
}

// TradesHandler returns the most recent trades, newest first.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var trades []models.Trade
	if err := h.db.WithContext(r.Context()).Order("timestamp desc").Limit(limit).Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// RotationHandler returns both legs of one rotation.
func (h *APIHandler) RotationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rotation"]

	var trades []models.Trade
	if err := h.db.WithContext(r.Context()).Where(&models.Trade{RotationID: id}).Order("id").Find(&trades).Error; err != nil {
		h.log.Error("Failed to get rotation from database", zap.String("rotation_id", id), zap.Error(err))
		http.Error(w, "Failed to get rotation", http.StatusInternalServerError)
		return
	}
	if len(trades) == 0 {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, trades)
}

// HoldingEntry is one change of the current coin.
type HoldingEntry struct {
	Symbol string    `json:"symbol"`
	Since  time.Time `json:"since"`
}

// HoldingHandler returns the holding history, newest first.
func (h *APIHandler) HoldingHandler(w http.ResponseWriter, r *http.Request) {
	var rows []models.CurrentCoin
	if err := h.db.WithContext(r.Context()).Order("id desc").Limit(defaultTradeLimit).Find(&rows).Error; err != nil {
		h.log.Error("Failed to get holding history", zap.Error(err))
		http.Error(w, "Failed to get holding history", http.StatusInternalServerError)
		return
	}

	history := make([]HoldingEntry, 0, len(rows))
	for _, row := range rows {
		history = append(history, HoldingEntry{Symbol: row.Symbol, Since: row.CreatedAt})
	}
	h.writeJSON(w, history)
}

// LedgerHandler returns every cost basis entry.
func (h *APIHandler) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.List(r.Context())
	if err != nil {
		h.log.Error("Failed to list ledger entries", zap.Error(err))
		http.Error(w, "Failed to list ledger entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	h.writeJSON(w, entries)
}

// StatsDetail holds trade activity for a given period.
type StatsDetail struct {
	Rotations   int             `json:"rotations"`
	Buys        int64           `json:"buys"`
	Sells       int64           `json:"sells"`
	BoughtQuote decimal.Decimal `json:"bought_quote"`
	SoldQuote   decimal.Decimal `json:"sold_quote"`
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler summarizes trading activity.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	var allTrades []models.Trade
	if err := h.db.WithContext(r.Context()).Find(&allTrades).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := time.Now().Add(-24 * time.Hour).UnixMilli()
	rotations24h := make(map[string]struct{})
	rotationsAll := make(map[string]struct{})
	var stats24h, statsAllTime StatsDetail

	for _, trade := range allTrades {
		addTrade(&statsAllTime, trade)
		rotationsAll[trade.RotationID] = struct{}{}
		if trade.Timestamp >= since24h {
			addTrade(&stats24h, trade)
			rotations24h[trade.RotationID] = struct{}{}
		}
	}
	statsAllTime.Rotations = len(rotationsAll)
	stats24h.Rotations = len(rotations24h)

	h.writeJSON(w, StatisticsResponse{
		Since24h: stats24h,
		AllTime:  statsAllTime,
	})
}

func addTrade(s *StatsDetail, trade models.Trade) {
	switch trade.Side {
	case binance.OrderSideBuy:
		s.Buys++
		s.BoughtQuote = s.BoughtQuote.Add(trade.QuoteQuantity)
	case binance.OrderSideSell:
		s.Sells++
		s.SoldQuote = s.SoldQuote.Add(trade.QuoteQuantity)
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}
