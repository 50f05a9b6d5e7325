package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade represents one leg of a rotation placed on the exchange.
type Trade struct {
	gorm.Model
	RotationID    string          `json:"rotation_id" gorm:"index"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // "BUY" or "SELL"
	Price         decimal.Decimal `json:"price" gorm:"type:text"`
	Quantity      decimal.Decimal `json:"quantity" gorm:"type:text"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity" gorm:"type:text"`
	Timestamp     int64           `json:"timestamp"`
	IsSimulation  bool            `json:"is_simulation"`
}
