package fxrates

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/money"
)

// Static serves fixed rates, keyed "FROM/TO". It backs local runs without an
// FX service.
type Static map[string]decimal.Decimal

func (s Static) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	from, to = money.NormalizeCurrency(from), money.NormalizeCurrency(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := s[from+"/"+to]; ok {
		return rate, nil
	}
	if inverse, ok := s[to+"/"+from]; ok && inverse.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inverse, 10), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrRateNotFound, from, to)
}
