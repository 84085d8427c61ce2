// Package amm prices a virtual constant-product AMM. Every function is pure:
// the passed AMM is a value and is never modified.
package amm

import (
	"errors"
	"fmt"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

var (
	ErrInvalidReserves       = errors.New("amm: reserves must be positive")
	ErrInvalidPeg            = errors.New("amm: peg multiplier must be positive")
	ErrInvalidPrice          = errors.New("amm: oracle price must be positive")
	ErrInsufficientLiquidity = errors.New("amm: swap exhausts base reserve")
	ErrInvalidSwapAmount     = errors.New("amm: swap amount must be positive")
)

// Price returns quoteReserve * peg / baseReserve in price precision. The
// reserve precisions cancel and peg precision equals price precision, so no
// rescaling is needed.
func Price(baseReserve, quoteReserve, peg int64) (int64, error) {
	if baseReserve <= 0 || quoteReserve <= 0 {
		return 0, ErrInvalidReserves
	}
	if peg <= 0 {
		return 0, ErrInvalidPeg
	}
	return fpmath.MulDiv(quoteReserve, peg, baseReserve, fpmath.RoundDown)
}

// MarkPrice is the instantaneous price of the market's current curve.
func MarkPrice(a state.AMM) (int64, error) {
	return Price(a.BaseAssetReserve, a.QuoteAssetReserve, a.PegMultiplier)
}

// ReservePrice is the price after the repeg the AMM would perform toward
// oraclePrice, limited by its fee pool.
func ReservePrice(a state.AMM, oraclePrice int64) (int64, error) {
	peg, _, err := RepegTarget(a, oraclePrice)
	if err != nil {
		return 0, err
	}
	return Price(a.BaseAssetReserve, a.QuoteAssetReserve, peg)
}

// RepegTarget returns the peg the AMM can afford to move to and what that
// move costs the fee pool (QuotePrecision, negative when the AMM gains).
func RepegTarget(a state.AMM, oraclePrice int64) (peg int64, cost int64, err error) {
	if oraclePrice <= 0 {
		return 0, 0, ErrInvalidPrice
	}
	if a.BaseAssetReserve <= 0 || a.QuoteAssetReserve <= 0 {
		return 0, 0, ErrInvalidReserves
	}
	if a.PegMultiplier <= 0 {
		return 0, 0, ErrInvalidPeg
	}

	target, err := fpmath.MulDiv(oraclePrice, a.BaseAssetReserve, a.QuoteAssetReserve, fpmath.RoundDown)
	if err != nil {
		return 0, 0, fmt.Errorf("target peg: %w", err)
	}
	if target <= 0 {
		target = 1
	}
	if target == a.PegMultiplier {
		return target, 0, nil
	}

	cost, err = RepegCost(a, target)
	if err != nil {
		return 0, 0, err
	}

	budget := a.TotalFeeMinusDistributions
	switch {
	case cost <= 0:
		// Pays for itself whatever the fee pool holds.
		return target, cost, nil
	case cost <= budget:
		return target, cost, nil
	case budget <= 0:
		return a.PegMultiplier, 0, nil
	}

	// Cost is linear in the peg delta: move the affordable fraction.
	delta, err := fpmath.MulDiv(target-a.PegMultiplier, budget, cost, fpmath.RoundDown)
	if err != nil {
		return 0, 0, fmt.Errorf("partial repeg: %w", err)
	}
	return a.PegMultiplier + delta, budget, nil
}

// RepegCost is what moving the peg to newPeg costs the AMM, given the net
// user position it would have to pay out against the curve.
func RepegCost(a state.AMM, newPeg int64) (int64, error) {
	terminalQuote, err := TerminalQuoteReserve(a)
	if err != nil {
		return 0, err
	}

	dq := a.QuoteAssetReserve - terminalQuote
	return fpmath.MulDiv(dq, newPeg-a.PegMultiplier, fpmath.AmmTimesPegToQuoteRatio, fpmath.RoundUp)
}

// TerminalQuoteReserve is the quote reserve once every user position has
// been closed against the AMM.
func TerminalQuoteReserve(a state.AMM) (int64, error) {
	if a.BaseAssetAmountWithAmm == 0 {
		return a.QuoteAssetReserve, nil
	}

	// Base precision equals reserve precision.
	terminalBase := a.BaseAssetReserve + a.BaseAssetAmountWithAmm
	if terminalBase <= 0 {
		return 0, ErrInsufficientLiquidity
	}
	return fpmath.MulDiv(a.BaseAssetReserve, a.QuoteAssetReserve, terminalBase, fpmath.RoundUp)
}

// OracleSpread returns (mark - oracle) / oracle in margin precision.
func OracleSpread(markPrice, oraclePrice int64) (int64, error) {
	if oraclePrice <= 0 {
		return 0, ErrInvalidPrice
	}
	return fpmath.MulDiv(markPrice-oraclePrice, fpmath.MarginPrecision, oraclePrice, fpmath.RoundDown)
}
