package models

import "gorm.io/gorm"

// CurrentCoin records which coin the bot holds. Every change appends a row;
// the most recent row is the current holding.
type CurrentCoin struct {
	gorm.Model
	Symbol string `gorm:"index;not null"`
}
