package testutil

import (
	"testing"

	"PerpRisk/internal/amm"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

const (
	ScenarioPerpMarket  uint16 = 0
	ScenarioOracleIndex uint16 = 1
)

// ScenarioUserID is the account every scenario trades on.
var ScenarioUserID = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

// ScenarioMarket is a 50.0 market with 2e14 reserves on both sides, default
// margin tiers and a 0.1% taker fee.
func ScenarioMarket() *state.PerpMarket {
	return &state.PerpMarket{
		Index:  ScenarioPerpMarket,
		Name:   "SOL-PERP",
		Status: state.MarketStatusActive,
		AMM: state.AMM{
			BaseAssetReserve:  200_000_000_000_000,
			QuoteAssetReserve: 200_000_000_000_000,
			PegMultiplier:     50_000_000,
		},
		MarginTiers:         append([]state.MarginTier(nil), state.DefaultMarginTiers...),
		OracleIndex:         ScenarioOracleIndex,
		TakerFeeNumerator:   1,
		TakerFeeDenominator: 1_000,
	}
}

// QuoteSpotMarket is a USDC bank with no accrued interest.
func QuoteSpotMarket() *state.SpotMarket {
	return &state.SpotMarket{
		Index:                     state.QuoteSpotMarketIndex,
		Name:                      "USDC",
		Decimals:                  6,
		CumulativeDepositInterest: fpmath.SpotCumulativeInterestPrecision,
		CumulativeBorrowInterest:  fpmath.SpotCumulativeInterestPrecision,
		OptimalUtilization:        800_000,
		OptimalBorrowRate:         100_000,
		MaxBorrowRate:             1_000_000,
	}
}

// Scenario drives a store through deposits, trades and price moves the way
// the venue would, so tests see the same state a subscriber would publish.
type Scenario struct {
	t     *testing.T
	Store *state.Store
	slot  uint64
}

// NewScenario publishes the market, the USDC bank and an empty account.
func NewScenario(t *testing.T) *Scenario {
	t.Helper()
	s := &Scenario{t: t, Store: state.NewStore()}
	s.update(func(m *state.Mutation) error {
		if err := m.SetPerpMarket(ScenarioMarket()); err != nil {
			return err
		}
		if err := m.SetSpotMarket(QuoteSpotMarket()); err != nil {
			return err
		}
		return m.SetUser(&state.UserAccount{UserID: ScenarioUserID})
	})
	return s
}

func (s *Scenario) update(fn func(*state.Mutation) error) *state.Snapshot {
	s.t.Helper()
	snap, err := s.Store.Update(fn)
	if err != nil {
		s.t.Fatalf("scenario update: %v", err)
	}
	return snap
}

// SetOracle publishes a new price at the next slot.
func (s *Scenario) SetOracle(price int64) *state.Snapshot {
	s.t.Helper()
	s.slot++
	oracle := state.OracleData{
		Index:     ScenarioOracleIndex,
		Price:     price,
		Timestamp: 1_700_000_000 + int64(s.slot),
		Slot:      s.slot,
		Source:    state.OracleSourcePyth,
	}
	return s.update(func(m *state.Mutation) error { return m.SetOracle(oracle) })
}

// DepositQuote credits USDC tokens (quote precision) to the account.
func (s *Scenario) DepositQuote(tokens int64) *state.Snapshot {
	s.t.Helper()
	balance := tokens * (fpmath.SpotBalancePrecision / fpmath.QuotePrecision)
	return s.update(func(m *state.Mutation) error {
		user := s.user()
		for i := range user.SpotBalances {
			if user.SpotBalances[i].MarketIndex == state.QuoteSpotMarketIndex {
				user.SpotBalances[i].Balance += balance
				return m.SetUser(user)
			}
		}
		user.SpotBalances = append(user.SpotBalances, state.SpotBalance{
			MarketIndex: state.QuoteSpotMarketIndex,
			Balance:     balance,
		})
		return m.SetUser(user)
	})
}

// Trade fills baseAmount against the AMM: SwapRemove buys, SwapAdd sells.
// The taker fee is charged to the position's quote amount.
func (s *Scenario) Trade(dir amm.SwapDirection, baseAmount int64) *state.Snapshot {
	s.t.Helper()
	return s.update(func(m *state.Mutation) error {
		market, err := s.Store.Current().PerpMarket(ScenarioPerpMarket)
		if err != nil {
			return err
		}
		next, quote, err := amm.ApplySwap(market.AMM, dir, baseAmount)
		if err != nil {
			return err
		}
		fee, err := amm.TakerFee(market, quote)
		if err != nil {
			return err
		}

		updated := market.Clone()
		updated.AMM = next
		updated.AMM.TotalFeeMinusDistributions += fee
		if err := m.SetPerpMarket(updated); err != nil {
			return err
		}

		user := s.user()
		pos, idx := positionSlot(user, ScenarioPerpMarket)
		if dir == amm.SwapRemove {
			pos.BaseAssetAmount += baseAmount
			pos.QuoteAssetAmount -= quote + fee
		} else {
			pos.BaseAssetAmount -= baseAmount
			pos.QuoteAssetAmount += quote - fee
		}
		if pos.BaseAssetAmount < 0 {
			pos.LastCumulativeFundingRate = next.CumulativeFundingRateShort
		} else {
			pos.LastCumulativeFundingRate = next.CumulativeFundingRateLong
		}
		if idx < 0 {
			user.Positions = append(user.Positions, pos)
		} else {
			user.Positions[idx] = pos
		}
		return m.SetUser(user)
	})
}

// SetReserves moves the curve without a trade, as a repeg or an external
// fill would.
func (s *Scenario) SetReserves(base, quote int64) *state.Snapshot {
	s.t.Helper()
	return s.update(func(m *state.Mutation) error {
		market, err := s.Store.Current().PerpMarket(ScenarioPerpMarket)
		if err != nil {
			return err
		}
		updated := market.Clone()
		updated.AMM.BaseAssetReserve = base
		updated.AMM.QuoteAssetReserve = quote
		return m.SetPerpMarket(updated)
	})
}

// PlaceOrder rests an order on the scenario market.
func (s *Scenario) PlaceOrder(side state.OrderSide, baseAmount int64) *state.Snapshot {
	s.t.Helper()
	return s.update(func(m *state.Mutation) error {
		user := s.user()
		user.Orders = append(user.Orders, state.OpenOrder{
			OrderID:                  uuid.New(),
			MarketIndex:              ScenarioPerpMarket,
			Side:                     side,
			BaseAssetAmountRemaining: baseAmount,
		})
		return m.SetUser(user)
	})
}

func (s *Scenario) user() *state.UserAccount {
	s.t.Helper()
	u, err := s.Store.Current().User(ScenarioUserID)
	if err != nil {
		s.t.Fatalf("scenario user: %v", err)
	}
	return u.Clone()
}

func positionSlot(u *state.UserAccount, marketIndex uint16) (state.Position, int) {
	for i, p := range u.Positions {
		if p.MarketIndex == marketIndex {
			return p, i
		}
	}
	return state.Position{MarketIndex: marketIndex}, -1
}
