package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	fpmath "PerpRisk/internal/math"

	"github.com/shopspring/decimal"
)

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"exact", 6, 4, 3, fpmath.RoundDown, 8},
		{"down truncates toward zero", 3, 1, 2, fpmath.RoundDown, 1},
		{"down negative", -3, 1, 2, fpmath.RoundDown, -1},
		{"up away from zero", 3, 1, 2, fpmath.RoundUp, 2},
		{"up negative", -3, 1, 2, fpmath.RoundUp, -2},
		{"half even rounds to even", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even rounds up from odd", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even negative", -7, 1, 2, fpmath.RoundHalfEven, -4},
		{"half even below half", 4, 1, 3, fpmath.RoundHalfEven, 1},
		// intermediate exceeds int64
		{"wide intermediate", stdmath.MaxInt64, 4, 8, fpmath.RoundDown, stdmath.MaxInt64 / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.c, tt.mode)
			if err != nil {
				t.Fatalf("MulDiv: %v", err)
			}
			if got != tt.want {
				t.Errorf("MulDiv(%d, %d, %d): got %d, want %d", tt.a, tt.b, tt.c, got, tt.want)
			}
		})
	}
}

func TestMulDiv_Errors(t *testing.T) {
	if _, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown); !errors.Is(err, fpmath.ErrDivideByZero) {
		t.Errorf("divide by zero: got %v", err)
	}
	if _, err := fpmath.MulDiv(stdmath.MaxInt64, 2, 1, fpmath.RoundDown); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("overflow: got %v", err)
	}
}

func TestMulMulDiv(t *testing.T) {
	// reserve * peg * precision / (reserve precision * peg precision)
	got, err := fpmath.MulMulDiv(1_000_000_000, 50_000_000, fpmath.PricePrecision, fpmath.AmmTimesPegToQuoteRatio*fpmath.QuotePrecision, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("MulMulDiv: %v", err)
	}
	if got != 50_000_000 {
		t.Errorf("got %d, want 50_000_000", got)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := fpmath.CheckedAdd(stdmath.MaxInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("add overflow: got %v", err)
	}
	if _, err := fpmath.CheckedSub(stdmath.MinInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("sub overflow: got %v", err)
	}
	if v, err := fpmath.CheckedAdd(-5, 3); err != nil || v != -2 {
		t.Errorf("add: got %d, %v", v, err)
	}
	if v, err := fpmath.CheckedSub(-5, -8); err != nil || v != 3 {
		t.Errorf("sub: got %d, %v", v, err)
	}
}

func TestCheckedAbs(t *testing.T) {
	for _, v := range []int64{0, 7, -7, stdmath.MaxInt64, -stdmath.MaxInt64} {
		got, err := fpmath.CheckedAbs(v)
		if err != nil {
			t.Fatalf("|%d|: %v", v, err)
		}
		if got < 0 || (got != v && got != -v) {
			t.Errorf("|%d|: got %d", v, got)
		}
	}
	if _, err := fpmath.CheckedAbs(stdmath.MinInt64); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("|MinInt64|: expected ErrOverflow, got %v", err)
	}
}

func TestPow10(t *testing.T) {
	if v, err := fpmath.Pow10(0); err != nil || v != 1 {
		t.Errorf("10^0: got %d, %v", v, err)
	}
	if v, err := fpmath.Pow10(18); err != nil || v != 1_000_000_000_000_000_000 {
		t.Errorf("10^18: got %d, %v", v, err)
	}
	for _, exp := range []int{-1, 19} {
		if _, err := fpmath.Pow10(exp); !errors.Is(err, fpmath.ErrOverflow) {
			t.Errorf("10^%d: expected ErrOverflow, got %v", exp, err)
		}
	}
}

func TestDecimalConversion(t *testing.T) {
	d := fpmath.ToDecimal(50_000_250, fpmath.PricePrecision)
	if !d.Equal(decimal.RequireFromString("50.00025")) {
		t.Errorf("ToDecimal: got %s", d)
	}
	if d := fpmath.ToDecimal(-50_002, fpmath.QuotePrecision); !d.Equal(decimal.RequireFromString("-0.050002")) {
		t.Errorf("ToDecimal negative: got %s", d)
	}

	v, err := fpmath.FromDecimal(decimal.RequireFromString("1.23456789"), fpmath.PricePrecision)
	if err != nil || v != 1_234_567 {
		t.Errorf("FromDecimal truncates: got %d, %v", v, err)
	}
	if _, err := fpmath.FromDecimal(decimal.RequireFromString("1e20"), fpmath.BasePrecision); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("FromDecimal overflow: got %v", err)
	}
}
