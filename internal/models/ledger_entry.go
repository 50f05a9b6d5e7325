package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is the persisted cost basis of one asset, in the record layout
// shared with the trailing-trade bot: {key, lastBuyPrice, quantity}.
// Amounts are stored as text so they round-trip without float rounding.
type LedgerEntry struct {
	ID           uint            `json:"-" gorm:"primarykey"`
	Key          string          `json:"key" gorm:"uniqueIndex;not null"`
	Asset        string          `json:"asset" gorm:"index"`
	LastBuyPrice decimal.Decimal `json:"lastBuyPrice" gorm:"type:text;not null"`
	Quantity     decimal.Decimal `json:"quantity" gorm:"type:text;not null"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// TableName keeps the collection name the trailing-trade bot reads from.
func (LedgerEntry) TableName() string {
	return "trailing_trade_symbols"
}
