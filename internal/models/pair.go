package models

import "gorm.io/gorm"

// Pair represents a jump from one coin to another.
// Ratio is the price of FromCoin expressed in ToCoin at the last rebase and
// is the benchmark every scout compares the live ratio against.
type Pair struct {
	gorm.Model
	FromCoinSymbol string  `gorm:"uniqueIndex:idx_from_to"`
	ToCoinSymbol   string  `gorm:"uniqueIndex:idx_from_to"`
	Ratio          float64 `gorm:"not null;default:0"`
}
