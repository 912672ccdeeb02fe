package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits maps currency codes to the number of decimal places settled for
// that currency. Unknown codes fall back to two places.
var minorUnits = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"CHF":  2,
	"SGD":  2,
	"INR":  2,
	"BRL":  2,
	"MXN":  2,
	"JPY":  0,
	"KRW":  0,
	"USDC": 6,
	"USDT": 6,
	"EURC": 6,
	"FLR":  18,
	"SGB":  18,
	"XRP":  6,
}

const defaultMinorUnits int32 = 2

func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return places
	}
	return defaultMinorUnits
}

// Round rounds half away from zero to the currency's minor unit. Payroll amounts
// are non-negative, so this is half-up.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// Mul multiplies an amount by a rate and rounds the product once.
func Mul(amount, rate decimal.Decimal, currency string) decimal.Decimal {
	return Round(amount.Mul(rate), currency)
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
