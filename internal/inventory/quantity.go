package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var maxQuantity = decimal.NewFromInt(1 << 53)

// ParseQuantity converts a boundary decimal into a strictly positive whole quantity.
func ParseQuantity(d decimal.Decimal) (int64, error) {
	n, err := wholeNumber(d)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be greater than zero", ErrInvalidQuantity, d.String())
	}
	return n, nil
}

// ParseDelta converts a boundary decimal into a non-zero signed whole quantity.
func ParseDelta(d decimal.Decimal) (int64, error) {
	n, err := wholeNumber(d)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: adjustment must not be zero", ErrInvalidQuantity)
	}
	return n, nil
}

// ParseCount converts a boundary decimal into a non-negative whole quantity.
func ParseCount(d decimal.Decimal) (int64, error) {
	n, err := wholeNumber(d)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: count %s must not be negative", ErrInvalidQuantity, d.String())
	}
	return n, nil
}

func wholeNumber(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: %s is not a whole number", ErrInvalidQuantity, d.String())
	}
	if d.Abs().GreaterThan(maxQuantity) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidQuantity, d.String())
	}
	return d.IntPart(), nil
}
