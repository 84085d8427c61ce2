// Package margin maps worst-case exposure to required margin through each
// market's size-tiered ratio table.
package margin

import (
	"errors"
	"fmt"
	"math"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// NoExposureRatio is reported as the margin ratio of an account with nothing
// at risk.
const NoExposureRatio int64 = math.MaxInt64

var (
	ErrEmptyMarginTiers         = errors.New("margin: market has no margin tiers")
	ErrInvalidMarginCalculation = errors.New("margin: operation requires liquidation mode")
)

// Type selects which column of the tier table applies.
type Type int

const (
	Initial Type = iota
	Maintenance
)

func (t Type) String() string {
	switch t {
	case Initial:
		return "initial"
	case Maintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// ValidateTiers rejects malformed tier tables.
func ValidateTiers(tiers []state.MarginTier) error {
	return state.ValidateMarginTiers(tiers)
}

// Ratio returns the required-margin fraction (margin precision) for a
// worst-case notional. It picks the smallest breakpoint >= size and falls
// back to the last tier.
func Ratio(market *state.PerpMarket, worstCaseNotional int64, t Type) (int64, error) {
	tiers := market.MarginTiers
	if len(tiers) == 0 {
		return 0, fmt.Errorf("%w: market %d", ErrEmptyMarginTiers, market.Index)
	}

	size, err := fpmath.CheckedAbs(worstCaseNotional)
	if err != nil {
		return 0, fmt.Errorf("market %d notional: %w", market.Index, err)
	}
	tier := tiers[len(tiers)-1]
	for _, candidate := range tiers {
		if candidate.SizeBreakpoint >= size {
			tier = candidate
			break
		}
	}

	if t == Maintenance {
		return tier.Maintenance, nil
	}
	return tier.Initial, nil
}

// RequiredMargin = notional * ratio / MarginPrecision.
func RequiredMargin(market *state.PerpMarket, worstCaseNotional int64, t Type) (int64, error) {
	ratio, err := Ratio(market, worstCaseNotional, t)
	if err != nil {
		return 0, err
	}
	size, err := fpmath.CheckedAbs(worstCaseNotional)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(size, ratio, fpmath.MarginPrecision, fpmath.RoundDown)
}

// MaxLeverage is the reciprocal of the smallest tier's initial ratio, in
// margin precision (50_000 = 5x).
func MaxLeverage(market *state.PerpMarket) (int64, error) {
	if len(market.MarginTiers) == 0 {
		return 0, fmt.Errorf("%w: market %d", ErrEmptyMarginTiers, market.Index)
	}
	initial := market.MarginTiers[0].Initial
	if initial <= 0 {
		return 0, fmt.Errorf("%w: market %d initial ratio %d", state.ErrInvalidMarginTiers, market.Index, initial)
	}
	return fpmath.MulDiv(fpmath.MarginPrecision, fpmath.MarginPrecision, initial, fpmath.RoundDown)
}
