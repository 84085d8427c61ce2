package state

import "github.com/google/uuid"

// Position is a user's perp position in one market.
type Position struct {
	MarketIndex uint16

	// Signed base amount (BasePrecision): positive = long.
	BaseAssetAmount int64

	// Signed quote cost basis (QuotePrecision). Negative for a long that paid
	// quote to open. Fees and settled funding are folded in; a flattened
	// position keeps its residual here until the PnL is settled.
	QuoteAssetAmount int64

	// Cumulative funding rate at the last settlement (FundingRatePrecision).
	LastCumulativeFundingRate int64
}

// IsFlat returns true if the position has no base exposure.
func (p *Position) IsFlat() bool {
	return p.BaseAssetAmount == 0
}

// IsAvailable returns true for an empty slot: flat with nothing to settle.
func (p *Position) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *Position) SideSign() int64 {
	switch {
	case p.BaseAssetAmount > 0:
		return 1
	case p.BaseAssetAmount < 0:
		return -1
	default:
		return 0
	}
}

// OrderSide is the direction of a resting order.
type OrderSide int32

const (
	OrderSideBid OrderSide = iota
	OrderSideAsk
)

func (s OrderSide) String() string {
	if s == OrderSideAsk {
		return "ask"
	}
	return "bid"
}

// OpenOrder is a resting order. It only contributes to worst-case exposure.
type OpenOrder struct {
	OrderID                  uuid.UUID
	MarketIndex              uint16
	Side                     OrderSide
	BaseAssetAmountRemaining int64 // BasePrecision, always >= 0
}

// SpotBalance is a scaled deposit in a spot market (SpotBalancePrecision).
type SpotBalance struct {
	MarketIndex uint16
	Balance     int64
}

// UserAccount aggregates one user's positions, resting orders and deposits.
type UserAccount struct {
	UserID       uuid.UUID
	Positions    []Position
	Orders       []OpenOrder
	SpotBalances []SpotBalance
}

// Position returns the user's position in a market, if any.
func (u *UserAccount) Position(marketIndex uint16) (Position, bool) {
	for _, p := range u.Positions {
		if p.MarketIndex == marketIndex {
			return p, true
		}
	}
	return Position{}, false
}

// OrdersFor returns the resting orders in a market.
func (u *UserAccount) OrdersFor(marketIndex uint16) []OpenOrder {
	var out []OpenOrder
	for _, o := range u.Orders {
		if o.MarketIndex == marketIndex {
			out = append(out, o)
		}
	}
	return out
}

// Clone returns a deep copy.
func (u *UserAccount) Clone() *UserAccount {
	return &UserAccount{
		UserID:       u.UserID,
		Positions:    append([]Position(nil), u.Positions...),
		Orders:       append([]OpenOrder(nil), u.Orders...),
		SpotBalances: append([]SpotBalance(nil), u.SpotBalances...),
	}
}
