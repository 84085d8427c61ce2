package state

import (
	"errors"
	"fmt"
	"math"

	fpmath "PerpRisk/internal/math"
)

var ErrInvalidMarginTiers = errors.New("invalid margin tier table")

// DefaultMarginTiers is the table used for new markets: 5x up to 100k
// notional, then tightening with size.
var DefaultMarginTiers = []MarginTier{
	{SizeBreakpoint: 100_000_000_000, Initial: 2_000, Maintenance: 500},  // <= 100k: 20% / 5%
	{SizeBreakpoint: 500_000_000_000, Initial: 2_500, Maintenance: 1_000}, // <= 500k: 25% / 10%
	{SizeBreakpoint: 2_000_000_000_000, Initial: 5_000, Maintenance: 2_500},
	{SizeBreakpoint: math.MaxInt64, Initial: 10_000, Maintenance: 5_000},
}

// ValidateMarginTiers checks a tier table: non-empty, strictly increasing
// breakpoints, ratios in (0, 1] at margin precision, maintenance <= initial,
// and neither ratio decreasing with size.
func ValidateMarginTiers(tiers []MarginTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidMarginTiers)
	}

	for i, t := range tiers {
		if t.SizeBreakpoint <= 0 {
			return fmt.Errorf("%w: tier %d breakpoint must be > 0, got %d", ErrInvalidMarginTiers, i, t.SizeBreakpoint)
		}
		if t.Maintenance <= 0 || t.Initial > fpmath.MarginPrecision {
			return fmt.Errorf("%w: tier %d ratios out of range (initial=%d maintenance=%d)",
				ErrInvalidMarginTiers, i, t.Initial, t.Maintenance)
		}
		if t.Maintenance > t.Initial {
			return fmt.Errorf("%w: tier %d maintenance (%d) > initial (%d)",
				ErrInvalidMarginTiers, i, t.Maintenance, t.Initial)
		}
		if i == 0 {
			continue
		}

		prev := tiers[i-1]
		if t.SizeBreakpoint <= prev.SizeBreakpoint {
			return fmt.Errorf("%w: tier %d breakpoint %d not above %d",
				ErrInvalidMarginTiers, i, t.SizeBreakpoint, prev.SizeBreakpoint)
		}
		if t.Initial < prev.Initial || t.Maintenance < prev.Maintenance {
			return fmt.Errorf("%w: tier %d ratios decrease with size", ErrInvalidMarginTiers, i)
		}
	}
	return nil
}
