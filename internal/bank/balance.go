// Package bank converts between scaled spot balances and token amounts and
// accrues the spot markets' cumulative interest.
package bank

import (
	"errors"
	"fmt"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

var (
	ErrInvalidPrecision = errors.New("bank: quantity outside its precision")
	ErrNegativeBalance  = errors.New("bank: negative balance")
	ErrClockSkew        = errors.New("bank: timestamp before last update")
)

// BalanceType selects deposit or borrow interest.
type BalanceType int

const (
	Deposit BalanceType = iota
	Borrow
)

func (b BalanceType) String() string {
	if b == Borrow {
		return "borrow"
	}
	return "deposit"
}

// precisionScale is 10^(19 - decimals): balance precision times interest
// precision, divided by the token's own precision.
func precisionScale(market *state.SpotMarket) (int64, error) {
	scale, err := fpmath.Pow10(19 - market.Decimals)
	if err != nil {
		return 0, fmt.Errorf("%w: spot market %d decimals %d", ErrInvalidPrecision, market.Index, market.Decimals)
	}
	return scale, nil
}

func cumulativeInterest(market *state.SpotMarket, t BalanceType) int64 {
	if t == Borrow {
		return market.CumulativeBorrowInterest
	}
	return market.CumulativeDepositInterest
}

// BalanceFromTokenAmount scales a token amount by the market's cumulative
// interest. Borrows round up by one unit.
func BalanceFromTokenAmount(tokenAmount int64, market *state.SpotMarket, t BalanceType) (int64, error) {
	if tokenAmount < 0 {
		return 0, fmt.Errorf("%w: token amount %d", ErrNegativeBalance, tokenAmount)
	}
	scale, err := precisionScale(market)
	if err != nil {
		return 0, err
	}

	balance, err := fpmath.MulDiv(tokenAmount, scale, cumulativeInterest(market, t), fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("spot balance: %w", err)
	}
	if balance != 0 && t == Borrow {
		balance++
	}
	return balance, nil
}

// TokenAmount is the inverse of BalanceFromTokenAmount.
func TokenAmount(balance int64, market *state.SpotMarket, t BalanceType) (int64, error) {
	if balance < 0 {
		return 0, fmt.Errorf("%w: spot market %d balance %d", ErrNegativeBalance, market.Index, balance)
	}
	scale, err := precisionScale(market)
	if err != nil {
		return 0, err
	}

	amount, err := fpmath.MulDiv(balance, cumulativeInterest(market, t), scale, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("token amount: %w", err)
	}
	if amount != 0 && t == Borrow {
		amount++
	}
	return amount, nil
}

func DepositTokenAmount(market *state.SpotMarket) (int64, error) {
	return TokenAmount(market.DepositBalance, market, Deposit)
}

func BorrowTokenAmount(market *state.SpotMarket) (int64, error) {
	return TokenAmount(market.BorrowBalance, market, Borrow)
}

// Utilization is borrows over deposits (SpotUtilizationPrecision). Borrows
// without deposits count as fully utilized.
func Utilization(market *state.SpotMarket) (int64, error) {
	deposits, err := DepositTokenAmount(market)
	if err != nil {
		return 0, err
	}
	borrows, err := BorrowTokenAmount(market)
	if err != nil {
		return 0, err
	}

	switch {
	case deposits == 0 && borrows == 0:
		return 0, nil
	case deposits == 0:
		return fpmath.SpotUtilizationPrecision, nil
	}
	return fpmath.MulDiv(borrows, fpmath.SpotUtilizationPrecision, deposits, fpmath.RoundDown)
}

// BorrowRate is the annual borrow rate at a utilization: linear up to the
// optimal point, then a steeper slope up to the max rate.
func BorrowRate(market *state.SpotMarket, utilization int64) (int64, error) {
	if utilization > market.OptimalUtilization {
		surplus := utilization - market.OptimalUtilization
		span := fpmath.SpotUtilizationPrecision - market.OptimalUtilization
		slope, err := fpmath.MulDiv(market.MaxBorrowRate-market.OptimalBorrowRate, fpmath.SpotUtilizationPrecision, span, fpmath.RoundDown)
		if err != nil {
			return 0, fmt.Errorf("borrow rate slope: %w", err)
		}
		extra, err := fpmath.MulDiv(surplus, slope, fpmath.SpotUtilizationPrecision, fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		return market.OptimalBorrowRate + extra, nil
	}

	slope, err := fpmath.MulDiv(market.OptimalBorrowRate, fpmath.SpotUtilizationPrecision, market.OptimalUtilization, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("borrow rate slope: %w", err)
	}
	return fpmath.MulDiv(utilization, slope, fpmath.SpotUtilizationPrecision, fpmath.RoundDown)
}

// InterestDelta is how much each cumulative interest index grows.
type InterestDelta struct {
	Borrow  int64
	Deposit int64
}

// CumulativeInterestDelta accrues interest from the market's last update to
// now (unix seconds). Depositors earn the borrow interest scaled by
// utilization.
func CumulativeInterestDelta(market *state.SpotMarket, now int64) (InterestDelta, error) {
	elapsed := now - market.LastUpdated
	if elapsed < 0 {
		return InterestDelta{}, fmt.Errorf("%w: now %d last %d", ErrClockSkew, now, market.LastUpdated)
	}
	if elapsed == 0 {
		return InterestDelta{}, nil
	}

	utilization, err := Utilization(market)
	if err != nil {
		return InterestDelta{}, err
	}
	rate, err := BorrowRate(market, utilization)
	if err != nil {
		return InterestDelta{}, err
	}
	depositRate, err := fpmath.MulDiv(rate, utilization, fpmath.SpotUtilizationPrecision, fpmath.RoundDown)
	if err != nil {
		return InterestDelta{}, err
	}

	perYear := fpmath.OneYear * fpmath.SpotRatePrecision
	borrowDelta, err := fpmath.MulMulDiv(market.CumulativeBorrowInterest, rate, elapsed, perYear, fpmath.RoundDown)
	if err != nil {
		return InterestDelta{}, fmt.Errorf("borrow interest: %w", err)
	}
	depositDelta, err := fpmath.MulMulDiv(market.CumulativeDepositInterest, depositRate, elapsed, perYear, fpmath.RoundDown)
	if err != nil {
		return InterestDelta{}, fmt.Errorf("deposit interest: %w", err)
	}
	return InterestDelta{Borrow: borrowDelta, Deposit: depositDelta}, nil
}

// TokenValue prices a token amount at the oracle, in quote precision.
func TokenValue(tokenAmount int64, decimals int, oraclePrice int64) (int64, error) {
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("%w: decimals %d", ErrInvalidPrecision, decimals)
	}
	precision, _ := fpmath.Pow10(decimals)
	return fpmath.MulDiv(tokenAmount, oraclePrice, precision, fpmath.RoundDown)
}
