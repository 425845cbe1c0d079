package shared

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MoneyEpsilon absorbs rounding noise when comparing balances.
var MoneyEpsilon = decimal.RequireFromString("0.01")

// Money builds a decimal from a whole-unit integer amount.
func Money(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// RoundMoney rounds to two decimal places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampZero returns zero for negative amounts.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// WithinEpsilon reports whether d is at most MoneyEpsilon.
func WithinEpsilon(d decimal.Decimal) bool {
	return d.LessThanOrEqual(MoneyEpsilon)
}

var moneyPrinter = message.NewPrinter(language.English)

// FormatMoney renders an amount with thousands grouping, e.g. "1,500.00".
func FormatMoney(d decimal.Decimal) string {
	f, _ := RoundMoney(d).Float64()
	return moneyPrinter.Sprintf("%.2f", f)
}
