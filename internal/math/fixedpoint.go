package math

import (
	"errors"
	stdmath "math"
	"math/big"
	"sync"
)

// Precision scales. Every quantity in the engine is an int64 carrying exactly
// one of these scales; mixing two of them requires an explicit MulDiv.
const (
	PricePrecision      int64 = 1_000_000     // oracle and AMM prices
	PegPrecision        int64 = 1_000_000     // AMM peg multiplier
	QuotePrecision      int64 = 1_000_000     // quote asset (USDC)
	BasePrecision       int64 = 1_000_000_000 // perp base asset amounts
	AmmReservePrecision int64 = 1_000_000_000 // AMM reserves

	// AmmToQuoteRatio converts reserve precision to quote precision.
	AmmToQuoteRatio = AmmReservePrecision / QuotePrecision
	// AmmTimesPegToQuoteRatio converts reserve*peg to quote precision.
	AmmTimesPegToQuoteRatio = AmmToQuoteRatio * PegPrecision

	FundingRateBuffer    int64 = 1_000
	FundingRatePrecision       = PricePrecision * FundingRateBuffer

	MarginPrecision int64 = 10_000 // margin ratios and leverage

	SpotBalancePrecision            int64 = 1_000_000_000
	SpotCumulativeInterestPrecision int64 = 10_000_000_000
	SpotUtilizationPrecision        int64 = 1_000_000
	SpotRatePrecision               int64 = 1_000_000

	OneYear int64 = 31_536_000 // seconds
)

var (
	ErrOverflow     = errors.New("fixed-point result overflows int64")
	ErrDivideByZero = errors.New("fixed-point division by zero")
)

// int128Pool holds big.Ints for intermediate products.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // toward zero
	RoundUp                           // away from zero
	RoundHalfEven                     // banker's rounding
)

// MultiplyInt128 performs a * b without overflow. The caller owns the result
// and should release it with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	x := getInt128().SetInt64(a)
	y := getInt128().SetInt64(b)
	result.Mul(x, y)
	putInt128(x)
	putInt128(y)
	return result
}

// Release returns an intermediate obtained from MultiplyInt128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with the given rounding.
func DivideInt128(numerator *big.Int, denominator int64, mode RoundingMode) (int64, error) {
	if denominator == 0 {
		return 0, ErrDivideByZero
	}

	denom := getInt128().SetInt64(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(denom)
		putInt128(quotient)
		putInt128(remainder)
	}()

	// QuoRem truncates toward zero; remainder takes the numerator's sign.
	quotient.QuoRem(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		negative := (numerator.Sign() < 0) != (denominator < 0)
		step := int64(1)
		if negative {
			step = -1
		}

		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(step))
		case RoundHalfEven:
			// compare 2*|remainder| against |denominator|
			twice := getInt128().Abs(remainder)
			twice.Lsh(twice, 1)
			cmp := twice.Cmp(denom.Abs(denom))
			putInt128(twice)

			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(step))
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / c with a 128-bit (or wider) intermediate.
// Multiplication always happens before division.
func MulDiv(a, b, c int64, mode RoundingMode) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, c, mode)
}

// MulMulDiv computes a * b * c / d; used where three scales meet
// (reserve * peg * precision).
func MulMulDiv(a, b, c, d int64, mode RoundingMode) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)

	factor := getInt128().SetInt64(c)
	product.Mul(product, factor)
	putInt128(factor)

	return DivideInt128(product, d, mode)
}

// CheckedAbs returns |v|, or ErrOverflow for math.MinInt64.
func CheckedAbs(v int64) (int64, error) {
	if v == stdmath.MinInt64 {
		return 0, ErrOverflow
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a - b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Pow10 returns 10^exp for 0 <= exp <= 18.
func Pow10(exp int) (int64, error) {
	if exp < 0 || exp > 18 {
		return 0, ErrOverflow
	}
	v := int64(1)
	for i := 0; i < exp; i++ {
		v *= 10
	}
	return v, nil
}
