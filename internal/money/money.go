// Package money centralizes the decimal-arithmetic rules the billing core follows:
// explicit scale, no floating point in the billing path, rounding applied
// once at the final cost computation.
package money

import "github.com/shopspring/decimal"

// MoneyScale is the fractional-digit count for account balances and costs.
const MoneyScale = 4

// RateScale is the fractional-digit count for per-minute rates.
const RateScale = 6

// RoundMoney applies half-even rounding to MoneyScale fractional digits.
// It is applied to final costs and to amounts written to balances,
// reservations and ledger rows; intermediate values keep full decimal
// precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MoneyScale)
}

// RoundRate applies half-even rounding to RateScale fractional digits.
func RoundRate(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(RateScale)
}

// Zero is the canonical zero-value money amount.
func Zero() decimal.Decimal {
	return decimal.NewFromInt(0)
}
