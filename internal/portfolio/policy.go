package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/tradeclass/simex/internal/model"
)

// MarginPolicy is the pluggable buying-power and commission hook. Lessons
// with margin mechanics inject their own implementation.
type MarginPolicy interface {
	// BuyingPower derives spendable notional from cash and open positions.
	BuyingPower(cash decimal.Decimal, positions map[string]*model.Position) decimal.Decimal
	// Commission returns the fee for a fill of qty at price.
	Commission(price, qty decimal.Decimal) decimal.Decimal
}

// FlatPolicy is the default: buying power is cash times a fixed leverage,
// commission is a flat rate on notional.
type FlatPolicy struct {
	Leverage       decimal.Decimal
	CommissionRate decimal.Decimal
}

// NewFlatPolicy builds the default policy. Non-positive leverage is treated
// as 1 (no margin).
func NewFlatPolicy(leverage, commissionRate decimal.Decimal) FlatPolicy {
	if leverage.LessThanOrEqual(decimal.Zero) {
		leverage = decimal.NewFromInt(1)
	}
	return FlatPolicy{Leverage: leverage, CommissionRate: commissionRate}
}

func (p FlatPolicy) BuyingPower(cash decimal.Decimal, _ map[string]*model.Position) decimal.Decimal {
	return cash.Mul(p.Leverage)
}

func (p FlatPolicy) Commission(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(p.CommissionRate)
}
