// Package perp derives per-position exposure and PnL from a snapshot's
// position, order and market data.
package perp

import (
	"errors"
	"fmt"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

var (
	ErrNegativeOrderAmount = errors.New("perp: negative order amount")
	ErrInvalidOraclePrice  = errors.New("perp: oracle price must be positive")
)

// WorstCaseBaseAssetAmount assumes either every resting bid or every resting
// ask fills, whichever leaves the larger position. Ties go to the bids.
// With no orders it returns the held amount, and its magnitude is never below
// the held amount's.
func WorstCaseBaseAssetAmount(position state.Position, orders []state.OpenOrder) (int64, error) {
	var bids, asks int64
	for _, o := range orders {
		if o.MarketIndex != position.MarketIndex {
			continue
		}
		if o.BaseAssetAmountRemaining < 0 {
			return 0, fmt.Errorf("%w: order %s", ErrNegativeOrderAmount, o.OrderID)
		}

		var err error
		if o.Side == state.OrderSideBid {
			bids, err = fpmath.CheckedAdd(bids, o.BaseAssetAmountRemaining)
		} else {
			asks, err = fpmath.CheckedAdd(asks, o.BaseAssetAmountRemaining)
		}
		if err != nil {
			return 0, fmt.Errorf("order totals: %w", err)
		}
	}

	allBids, err := fpmath.CheckedAdd(position.BaseAssetAmount, bids)
	if err != nil {
		return 0, err
	}
	allAsks, err := fpmath.CheckedSub(position.BaseAssetAmount, asks)
	if err != nil {
		return 0, err
	}

	bidsSize, err := fpmath.CheckedAbs(allBids)
	if err != nil {
		return 0, err
	}
	asksSize, err := fpmath.CheckedAbs(allAsks)
	if err != nil {
		return 0, err
	}
	if bidsSize >= asksSize {
		return allBids, nil
	}
	return allAsks, nil
}

// WorstCaseNotional values a worst-case base amount at the oracle price, in
// quote precision.
func WorstCaseNotional(worstCase, oraclePrice int64) (int64, error) {
	if oraclePrice <= 0 {
		return 0, ErrInvalidOraclePrice
	}
	size, err := fpmath.CheckedAbs(worstCase)
	if err != nil {
		return 0, fmt.Errorf("worst-case size: %w", err)
	}
	return fpmath.MulDiv(size, oraclePrice, fpmath.BasePrecision, fpmath.RoundDown)
}

// BaseAssetValue is the signed value of the position's base at the oracle.
func BaseAssetValue(position state.Position, oraclePrice int64) (int64, error) {
	if oraclePrice <= 0 {
		return 0, ErrInvalidOraclePrice
	}
	return fpmath.MulDiv(position.BaseAssetAmount, oraclePrice, fpmath.BasePrecision, fpmath.RoundDown)
}

// UnsettledFundingPnL is the funding accrued since the position last settled.
// Longs pay a rising long rate; shorts receive a rising short rate.
func UnsettledFundingPnL(position state.Position, market *state.PerpMarket) (int64, error) {
	var cumulative int64
	switch position.SideSign() {
	case 1:
		cumulative = market.AMM.CumulativeFundingRateLong
	case -1:
		cumulative = market.AMM.CumulativeFundingRateShort
	default:
		return 0, nil
	}

	delta, err := fpmath.CheckedSub(cumulative, position.LastCumulativeFundingRate)
	if err != nil {
		return 0, err
	}
	payment, err := fpmath.MulDiv(delta, position.BaseAssetAmount,
		fpmath.BasePrecision*fpmath.FundingRateBuffer, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("funding payment: %w", err)
	}
	return -payment, nil
}

// UnrealizedPnL is the base value at the oracle plus the signed quote cost
// basis, optionally including unsettled funding.
func UnrealizedPnL(position state.Position, market *state.PerpMarket, oraclePrice int64, withFunding bool) (int64, error) {
	value, err := BaseAssetValue(position, oraclePrice)
	if err != nil {
		return 0, err
	}
	pnl, err := fpmath.CheckedAdd(value, position.QuoteAssetAmount)
	if err != nil {
		return 0, err
	}
	if !withFunding {
		return pnl, nil
	}

	funding, err := UnsettledFundingPnL(position, market)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(pnl, funding)
}

// EntryPrice is |quote| per unit of base, in price precision. Flat positions
// have no entry price.
func EntryPrice(position state.Position) (int64, bool, error) {
	if position.IsFlat() {
		return 0, false, nil
	}
	quote, err := fpmath.CheckedAbs(position.QuoteAssetAmount)
	if err != nil {
		return 0, false, err
	}
	base, err := fpmath.CheckedAbs(position.BaseAssetAmount)
	if err != nil {
		return 0, false, err
	}
	price, err := fpmath.MulDiv(quote, fpmath.BasePrecision, base, fpmath.RoundHalfEven)
	if err != nil {
		return 0, false, err
	}
	return price, true, nil
}
