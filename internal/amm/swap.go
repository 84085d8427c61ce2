package amm

import (
	"fmt"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// SwapDirection is the side of the AMM's base reserve a trade moves.
type SwapDirection int

const (
	// SwapAdd puts base into the AMM (user sells / goes short).
	SwapAdd SwapDirection = iota
	// SwapRemove takes base out of the AMM (user buys / goes long).
	SwapRemove
)

func (d SwapDirection) String() string {
	if d == SwapRemove {
		return "remove"
	}
	return "add"
}

// SwapReserves returns the reserves after moving baseAmount along k = base * quote.
// The new quote reserve is rounded up, so rounding never favours the trader.
func SwapReserves(a state.AMM, dir SwapDirection, baseAmount int64) (newBase, newQuote int64, err error) {
	if baseAmount <= 0 {
		return 0, 0, ErrInvalidSwapAmount
	}
	if a.BaseAssetReserve <= 0 || a.QuoteAssetReserve <= 0 {
		return 0, 0, ErrInvalidReserves
	}

	switch dir {
	case SwapRemove:
		newBase = a.BaseAssetReserve - baseAmount
		if newBase <= 0 {
			return 0, 0, ErrInsufficientLiquidity
		}
	default:
		newBase, err = fpmath.CheckedAdd(a.BaseAssetReserve, baseAmount)
		if err != nil {
			return 0, 0, err
		}
	}

	newQuote, err = fpmath.MulDiv(a.BaseAssetReserve, a.QuoteAssetReserve, newBase, fpmath.RoundUp)
	if err != nil {
		return 0, 0, fmt.Errorf("swap invariant: %w", err)
	}
	return newBase, newQuote, nil
}

// QuoteForBase returns the quote (QuotePrecision) a trader pays to remove
// baseAmount (rounded up) or receives for adding it (rounded down).
func QuoteForBase(a state.AMM, dir SwapDirection, baseAmount int64) (int64, error) {
	if a.PegMultiplier <= 0 {
		return 0, ErrInvalidPeg
	}

	_, newQuote, err := SwapReserves(a, dir, baseAmount)
	if err != nil {
		return 0, err
	}

	if dir == SwapRemove {
		return fpmath.MulDiv(newQuote-a.QuoteAssetReserve, a.PegMultiplier, fpmath.AmmTimesPegToQuoteRatio, fpmath.RoundUp)
	}
	return fpmath.MulDiv(a.QuoteAssetReserve-newQuote, a.PegMultiplier, fpmath.AmmTimesPegToQuoteRatio, fpmath.RoundDown)
}

// ApplySwap returns a copy of the AMM after the swap plus the quote amount
// exchanged. The argument is not modified.
func ApplySwap(a state.AMM, dir SwapDirection, baseAmount int64) (state.AMM, int64, error) {
	quote, err := QuoteForBase(a, dir, baseAmount)
	if err != nil {
		return a, 0, err
	}
	newBase, newQuote, err := SwapReserves(a, dir, baseAmount)
	if err != nil {
		return a, 0, err
	}

	next := a
	next.BaseAssetReserve = newBase
	next.QuoteAssetReserve = newQuote
	if dir == SwapRemove {
		next.BaseAssetAmountWithAmm += baseAmount
	} else {
		next.BaseAssetAmountWithAmm -= baseAmount
	}
	return next, quote, nil
}

// TakerFee is the fee charged on quoteAmount, rounded up.
func TakerFee(market *state.PerpMarket, quoteAmount int64) (int64, error) {
	if market.TakerFeeNumerator == 0 {
		return 0, nil
	}
	amount, err := fpmath.CheckedAbs(quoteAmount)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(amount, market.TakerFeeNumerator, market.TakerFeeDenominator, fpmath.RoundUp)
}
