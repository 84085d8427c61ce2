package math

import "github.com/shopspring/decimal"

// ToDecimal renders a fixed-point integer with the given precision
// (a power of ten) as a decimal, e.g. ToDecimal(50_000_250, PricePrecision)
// is 50.00025.
func ToDecimal(value, precision int64) decimal.Decimal {
	exp := int32(0)
	for p := precision; p > 1; p /= 10 {
		exp--
	}
	return decimal.New(value, exp)
}

// FromDecimal converts a decimal back to fixed-point, truncating digits
// beyond the precision.
func FromDecimal(d decimal.Decimal, precision int64) (int64, error) {
	scaled := d.Mul(decimal.NewFromInt(precision)).Truncate(0)
	if !scaled.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}
