package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coin-rotation-bot/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// HoldingStore owns the "current coin". Only the rotation executor, the
// bridge scout and initialization write it.
type HoldingStore interface {
	Get(ctx context.Context) (symbol string, ok bool, err error)
	Set(ctx context.Context, symbol string) error
}

// DBHoldingStore appends every change to the current_coins table.
type DBHoldingStore struct {
	db *gorm.DB
}

var _ HoldingStore = (*DBHoldingStore)(nil)

func NewDBHoldingStore(db *gorm.DB) *DBHoldingStore {
	return &DBHoldingStore{db: db}
}

func (s *DBHoldingStore) Get(ctx context.Context) (string, bool, error) {
	var current models.CurrentCoin
	err := s.db.WithContext(ctx).Order("id desc").First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("could not get current coin: %w", err)
	}
	return current.Symbol, true, nil
}

func (s *DBHoldingStore) Set(ctx context.Context, symbol string) error {
	if err := s.db.WithContext(ctx).Create(&models.CurrentCoin{Symbol: symbol}).Error; err != nil {
		return fmt.Errorf("could not set current coin to %s: %w", symbol, err)
	}
	return nil
}

// TradeLog records every filled order leg.
type TradeLog interface {
	Record(ctx context.Context, trade models.Trade) error
}

// DBTradeLog stores trades in the trades table.
type DBTradeLog struct {
	db     *gorm.DB
	dryRun bool
}

func NewDBTradeLog(db *gorm.DB, dryRun bool) *DBTradeLog {
	return &DBTradeLog{db: db, dryRun: dryRun}
}

func (t *DBTradeLog) Record(ctx context.Context, trade models.Trade) error {
	if trade.Timestamp == 0 {
		trade.Timestamp = time.Now().UnixMilli()
	}
	trade.IsSimulation = t.dryRun
	return t.db.WithContext(ctx).Create(&trade).Error
}

func newTrade(rotationID, symbol, side string, price, quantity, quote decimal.Decimal) models.Trade {
	return models.Trade{
		RotationID:    rotationID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		QuoteQuantity: quote,
	}
}
