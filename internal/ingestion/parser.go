package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind    = errors.New("unknown update kind")
	ErrInvalidPayload = errors.New("invalid update payload")
)

// Kind names the state an update replaces.
type Kind string

const (
	KindPerpMarket Kind = "perp_market"
	KindSpotMarket Kind = "spot_market"
	KindOracle     Kind = "oracle"
	KindUser       Kind = "user"
)

// Update is a parsed state change. Apply runs inside a single Store.Update,
// so readers see either all of it or none.
type Update interface {
	Kind() Kind
	Apply(m *state.Mutation) error
}

// PerpMarketUpdate replaces a perp market.
type PerpMarketUpdate struct {
	Market *state.PerpMarket
	Slot   uint64
}

func (u *PerpMarketUpdate) Kind() Kind { return KindPerpMarket }

func (u *PerpMarketUpdate) Apply(m *state.Mutation) error {
	if err := m.SetPerpMarket(u.Market); err != nil {
		return err
	}
	m.SetSlot(u.Slot)
	return nil
}

// SpotMarketUpdate replaces a spot market.
type SpotMarketUpdate struct {
	Market *state.SpotMarket
	Slot   uint64
}

func (u *SpotMarketUpdate) Kind() Kind { return KindSpotMarket }

func (u *SpotMarketUpdate) Apply(m *state.Mutation) error {
	if err := m.SetSpotMarket(u.Market); err != nil {
		return err
	}
	m.SetSlot(u.Slot)
	return nil
}

// OracleUpdate installs a price, rejected as stale if its slot is behind.
type OracleUpdate struct {
	Oracle state.OracleData
}

func (u *OracleUpdate) Kind() Kind { return KindOracle }

func (u *OracleUpdate) Apply(m *state.Mutation) error {
	return m.SetOracle(u.Oracle)
}

// UserUpdate replaces a whole user account.
type UserUpdate struct {
	User *state.UserAccount
	Slot uint64
}

func (u *UserUpdate) Kind() Kind { return KindUser }

func (u *UserUpdate) Apply(m *state.Mutation) error {
	if err := m.SetUser(u.User); err != nil {
		return err
	}
	m.SetSlot(u.Slot)
	return nil
}

// UserRemoval drops a closed account.
type UserRemoval struct {
	UserID uuid.UUID
	Slot   uint64
}

func (u *UserRemoval) Kind() Kind { return KindUser }

func (u *UserRemoval) Apply(m *state.Mutation) error {
	m.RemoveUser(u.UserID)
	m.SetSlot(u.Slot)
	return nil
}

// ParseRawUpdate converts a raw message into a typed Update.
func ParseRawUpdate(raw RawUpdate) (Update, error) {
	switch raw.Kind {
	case KindPerpMarket:
		return parsePerpMarket(raw.Data)
	case KindSpotMarket:
		return parseSpotMarket(raw.Data)
	case KindOracle:
		return parseOracle(raw.Data)
	case KindUser:
		return parseUser(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. All amounts are
// integers at their fixed-point precision.

type ammJSON struct {
	BaseAssetReserve           int64 `json:"base_asset_reserve"`
	QuoteAssetReserve          int64 `json:"quote_asset_reserve"`
	PegMultiplier              int64 `json:"peg_multiplier"`
	BaseAssetAmountWithAmm     int64 `json:"base_asset_amount_with_amm"`
	CumulativeFundingRateLong  int64 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64 `json:"cumulative_funding_rate_short"`
	TotalFeeMinusDistributions int64 `json:"total_fee_minus_distributions"`
}

type marginTierJSON struct {
	SizeBreakpoint int64 `json:"size_breakpoint"`
	Initial        int64 `json:"initial"`
	Maintenance    int64 `json:"maintenance"`
}

type perpMarketJSON struct {
	MarketIndex         uint16           `json:"market_index"`
	Name                string           `json:"name"`
	Status              string           `json:"status"`
	OracleIndex         uint16           `json:"oracle_index"`
	AMM                 ammJSON          `json:"amm"`
	MarginTiers         []marginTierJSON `json:"margin_tiers"`
	TakerFeeNumerator   int64            `json:"taker_fee_numerator"`
	TakerFeeDenominator int64            `json:"taker_fee_denominator"`
	Slot                uint64           `json:"slot"`
}

func parsePerpMarket(data []byte) (*PerpMarketUpdate, error) {
	var j perpMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse perp market: %w", err)
	}

	status, err := state.ParseMarketStatus(j.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: perp market %d: %v", ErrInvalidPayload, j.MarketIndex, err)
	}
	if j.TakerFeeNumerator < 0 || j.TakerFeeDenominator <= 0 {
		return nil, fmt.Errorf("%w: perp market %d taker fee %d/%d",
			ErrInvalidPayload, j.MarketIndex, j.TakerFeeNumerator, j.TakerFeeDenominator)
	}

	// Markets published without a table get the default one. An explicit
	// empty list is kept and rejected by the store.
	tiers := state.DefaultMarginTiers
	if j.MarginTiers != nil {
		tiers = make([]state.MarginTier, len(j.MarginTiers))
		for i, t := range j.MarginTiers {
			tiers[i] = state.MarginTier{
				SizeBreakpoint: t.SizeBreakpoint,
				Initial:        t.Initial,
				Maintenance:    t.Maintenance,
			}
		}
	}

	return &PerpMarketUpdate{
		Market: &state.PerpMarket{
			Index:  j.MarketIndex,
			Name:   j.Name,
			Status: status,
			AMM: state.AMM{
				BaseAssetReserve:           j.AMM.BaseAssetReserve,
				QuoteAssetReserve:          j.AMM.QuoteAssetReserve,
				PegMultiplier:              j.AMM.PegMultiplier,
				BaseAssetAmountWithAmm:     j.AMM.BaseAssetAmountWithAmm,
				CumulativeFundingRateLong:  j.AMM.CumulativeFundingRateLong,
				CumulativeFundingRateShort: j.AMM.CumulativeFundingRateShort,
				TotalFeeMinusDistributions: j.AMM.TotalFeeMinusDistributions,
			},
			MarginTiers:         append([]state.MarginTier(nil), tiers...),
			OracleIndex:         j.OracleIndex,
			TakerFeeNumerator:   j.TakerFeeNumerator,
			TakerFeeDenominator: j.TakerFeeDenominator,
		},
		Slot: j.Slot,
	}, nil
}

type spotMarketJSON struct {
	MarketIndex               uint16 `json:"market_index"`
	Name                      string `json:"name"`
	Decimals                  int    `json:"decimals"`
	OracleIndex               uint16 `json:"oracle_index"`
	CumulativeDepositInterest int64  `json:"cumulative_deposit_interest"`
	CumulativeBorrowInterest  int64  `json:"cumulative_borrow_interest"`
	DepositBalance            int64  `json:"deposit_balance"`
	BorrowBalance             int64  `json:"borrow_balance"`
	OptimalUtilization        int64  `json:"optimal_utilization"`
	OptimalBorrowRate         int64  `json:"optimal_borrow_rate"`
	MaxBorrowRate             int64  `json:"max_borrow_rate"`
	LastUpdated               int64  `json:"last_updated"`
	Slot                      uint64 `json:"slot"`
}

func parseSpotMarket(data []byte) (*SpotMarketUpdate, error) {
	var j spotMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse spot market: %w", err)
	}
	if j.CumulativeDepositInterest <= 0 || j.CumulativeBorrowInterest <= 0 {
		return nil, fmt.Errorf("%w: spot market %d cumulative interest must be > 0", ErrInvalidPayload, j.MarketIndex)
	}

	return &SpotMarketUpdate{
		Market: &state.SpotMarket{
			Index:                     j.MarketIndex,
			Name:                      j.Name,
			Decimals:                  j.Decimals,
			OracleIndex:               j.OracleIndex,
			CumulativeDepositInterest: j.CumulativeDepositInterest,
			CumulativeBorrowInterest:  j.CumulativeBorrowInterest,
			DepositBalance:            j.DepositBalance,
			BorrowBalance:             j.BorrowBalance,
			OptimalUtilization:        j.OptimalUtilization,
			OptimalBorrowRate:         j.OptimalBorrowRate,
			MaxBorrowRate:             j.MaxBorrowRate,
			LastUpdated:               j.LastUpdated,
		},
		Slot: j.Slot,
	}, nil
}

type oracleJSON struct {
	OracleIndex uint16 `json:"oracle_index"`
	Price       int64  `json:"price"`
	Confidence  int64  `json:"confidence"`
	Timestamp   int64  `json:"timestamp"`
	Slot        uint64 `json:"slot"`
	Source      string `json:"source"`
}

func parseOracle(data []byte) (*OracleUpdate, error) {
	var j oracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse oracle: %w", err)
	}
	source, err := state.ParseOracleSource(j.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: oracle %d: %v", ErrInvalidPayload, j.OracleIndex, err)
	}
	if j.Price <= 0 || j.Confidence < 0 {
		return nil, fmt.Errorf("%w: oracle %d price %d confidence %d",
			ErrInvalidPayload, j.OracleIndex, j.Price, j.Confidence)
	}

	return &OracleUpdate{
		Oracle: state.OracleData{
			Index:      j.OracleIndex,
			Price:      j.Price,
			Confidence: j.Confidence,
			Timestamp:  j.Timestamp,
			Slot:       j.Slot,
			Source:     source,
		},
	}, nil
}

type positionJSON struct {
	MarketIndex               uint16 `json:"market_index"`
	BaseAssetAmount           int64  `json:"base_asset_amount"`
	QuoteAssetAmount          int64  `json:"quote_asset_amount"`
	LastCumulativeFundingRate int64  `json:"last_cumulative_funding_rate"`
}

type orderJSON struct {
	OrderID                  string `json:"order_id"`
	MarketIndex              uint16 `json:"market_index"`
	Side                     string `json:"side"` // "bid" or "ask"
	BaseAssetAmountRemaining int64  `json:"base_asset_amount_remaining"`
}

type spotBalanceJSON struct {
	MarketIndex uint16 `json:"market_index"`
	Balance     int64  `json:"balance"`
}

type userJSON struct {
	UserID       string            `json:"user_id"`
	Deleted      bool              `json:"deleted"`
	Positions    []positionJSON    `json:"positions"`
	Orders       []orderJSON       `json:"orders"`
	SpotBalances []spotBalanceJSON `json:"spot_balances"`
	Slot         uint64            `json:"slot"`
}

func parseUser(data []byte) (Update, error) {
	var j userJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Deleted {
		return &UserRemoval{UserID: userID, Slot: j.Slot}, nil
	}

	user := &state.UserAccount{
		UserID:       userID,
		Positions:    make([]state.Position, 0, len(j.Positions)),
		Orders:       make([]state.OpenOrder, 0, len(j.Orders)),
		SpotBalances: make([]state.SpotBalance, 0, len(j.SpotBalances)),
	}

	seen := make(map[uint16]bool, len(j.Positions))
	for _, p := range j.Positions {
		if seen[p.MarketIndex] {
			return nil, fmt.Errorf("%w: user %s has two positions in market %d", ErrInvalidPayload, userID, p.MarketIndex)
		}
		seen[p.MarketIndex] = true
		user.Positions = append(user.Positions, state.Position{
			MarketIndex:               p.MarketIndex,
			BaseAssetAmount:           p.BaseAssetAmount,
			QuoteAssetAmount:          p.QuoteAssetAmount,
			LastCumulativeFundingRate: p.LastCumulativeFundingRate,
		})
	}

	for _, o := range j.Orders {
		orderID, err := uuid.Parse(o.OrderID)
		if err != nil {
			return nil, fmt.Errorf("parse order_id: %w", err)
		}
		var side state.OrderSide
		switch o.Side {
		case "bid":
			side = state.OrderSideBid
		case "ask":
			side = state.OrderSideAsk
		default:
			return nil, fmt.Errorf("%w: order %s side %q", ErrInvalidPayload, orderID, o.Side)
		}
		user.Orders = append(user.Orders, state.OpenOrder{
			OrderID:                  orderID,
			MarketIndex:              o.MarketIndex,
			Side:                     side,
			BaseAssetAmountRemaining: o.BaseAssetAmountRemaining,
		})
	}

	for _, b := range j.SpotBalances {
		user.SpotBalances = append(user.SpotBalances, state.SpotBalance{
			MarketIndex: b.MarketIndex,
			Balance:     b.Balance,
		})
	}

	return &UserUpdate{User: user, Slot: j.Slot}, nil
}
