package ledger

import (
	"github.com/shopspring/decimal"

	"lastpush.com/pkg/xerr"
)

// Scale is the number of fractional digits money is kept with.
const Scale = 2

// ValidateAmount accepts strictly positive amounts with at most two decimals.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.InvalidAmount, "amount must be positive")
	}
	if !amount.Equal(amount.Round(Scale)) {
		return xerr.New(xerr.InvalidAmount, "amount has more than two decimals")
	}
	return nil
}

// ParseAmount parses and validates a decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, xerr.Wrap(err, xerr.InvalidAmount, "amount is not a number")
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}
