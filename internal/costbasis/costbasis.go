// Package costbasis computes the weighted average acquisition price of the
// coin a rotation lands in.
//
// Two conventions are supported and kept apart on purpose. SpendBased carries
// the total amount spent on the disposed coin into the new coin. DirectBuyBased
// averages the executed buy of the new coin with its previous entry. They use
// different default fee multipliers (1.015 for a full sell+buy round trip,
// 1.0075 for a single buy leg); which one matches the venue is an operator
// decision.
package costbasis

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	SpendBasedName     = "spend_based"
	DirectBuyBasedName = "direct_buy"
)

var (
	// DefaultSpendBasedFee covers the fee of both legs Coin A -> Bridge -> Coin B.
	DefaultSpendBasedFee = decimal.RequireFromString("1.015")
	// DefaultDirectBuyFee covers the fee of the buy leg only.
	DefaultDirectBuyFee = decimal.RequireFromString("1.0075")
)

var (
	ErrZeroQuantity  = errors.New("total quantity must be greater than zero")
	ErrNegativeInput = errors.New("prices and quantities must not be negative")
	ErrUnknown       = errors.New("unknown cost basis strategy")
)

// Position is an average price and the quantity it applies to.
// The zero value stands for "no entry".
type Position struct {
	AveragePrice decimal.Decimal
	Quantity     decimal.Decimal
}

// IsZero reports whether p carries no quantity.
func (p Position) IsZero() bool {
	return !p.Quantity.IsPositive()
}

// Input describes a freshly acquired lot.
type Input struct {
	// Source is the ledger entry of the coin that was disposed of.
	Source Position
	// Target is the existing ledger entry of the coin that was acquired.
	Target Position
	// SpotPrice is the ticker price of the acquired coin in the quote unit.
	SpotPrice decimal.Decimal
	// BuyPrice is the executed price of the acquired lot in the quote unit.
	BuyPrice decimal.Decimal
	// LotQty is the quantity of the acquired lot.
	LotQty decimal.Decimal
}

func (in Input) validate() error {
	for _, d := range []decimal.Decimal{
		in.Source.AveragePrice, in.Source.Quantity,
		in.Target.AveragePrice, in.Target.Quantity,
		in.SpotPrice, in.BuyPrice, in.LotQty,
	} {
		if d.IsNegative() {
			return ErrNegativeInput
		}
	}
	return nil
}

// Strategy computes the new ledger entry of the acquired coin.
type Strategy interface {
	Name() string
	Compute(in Input) (Position, error)
}

// New returns the strategy registered under name. A zero feeMultiplier
// selects the strategy's default.
func New(name string, feeMultiplier decimal.Decimal) (Strategy, error) {
	switch name {
	case SpendBasedName:
		if feeMultiplier.IsZero() {
			feeMultiplier = DefaultSpendBasedFee
		}
		return SpendBased{FeeMultiplier: feeMultiplier}, nil
	case DirectBuyBasedName:
		if feeMultiplier.IsZero() {
			feeMultiplier = DefaultDirectBuyFee
		}
		return DirectBuyBased{FeeMultiplier: feeMultiplier}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// SpendBased carries what was spent on the source coin into the target:
//
//	totalSpent  = source.avg == 0 ? spot*lot : source.avg*source.qty
//	newAvgPrice = (target.avg*target.qty + totalSpent) * fee / (lot + target.qty)
type SpendBased struct {
	FeeMultiplier decimal.Decimal
}

func (SpendBased) Name() string { return SpendBasedName }

func (s SpendBased) Compute(in Input) (Position, error) {
	if err := in.validate(); err != nil {
		return Position{}, err
	}

	var totalSpent decimal.Decimal
	if in.Source.AveragePrice.IsZero() {
		totalSpent = in.SpotPrice.Mul(in.LotQty)
	} else {
		totalSpent = in.Source.AveragePrice.Mul(in.Source.Quantity)
	}
	totalExists := in.Target.AveragePrice.Mul(in.Target.Quantity)
	totalQty := in.LotQty.Add(in.Target.Quantity)
	if !totalQty.IsPositive() {
		return Position{}, ErrZeroQuantity
	}

	return Position{
		AveragePrice: totalExists.Add(totalSpent).Mul(s.FeeMultiplier).Div(totalQty),
		Quantity:     totalQty,
	}, nil
}

// DirectBuyBased averages the executed buy with the entry it replaces:
//
//	newAvgPrice = (buy*lot + target.avg*target.qty) * fee / (lot + target.qty)
type DirectBuyBased struct {
	FeeMultiplier decimal.Decimal
}

func (DirectBuyBased) Name() string { return DirectBuyBasedName }

func (s DirectBuyBased) Compute(in Input) (Position, error) {
	if err := in.validate(); err != nil {
		return Position{}, err
	}

	totalQty := in.LotQty.Add(in.Target.Quantity)
	if !totalQty.IsPositive() {
		return Position{}, ErrZeroQuantity
	}
	total := in.BuyPrice.Mul(in.LotQty).Add(in.Target.AveragePrice.Mul(in.Target.Quantity))

	return Position{
		AveragePrice: total.Mul(s.FeeMultiplier).Div(totalQty),
		Quantity:     totalQty,
	}, nil
}
