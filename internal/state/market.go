package state

import "fmt"

// MarketStatus tracks a perp market's lifecycle.
type MarketStatus int32

const (
	MarketStatusInitialized MarketStatus = iota
	MarketStatusActive
	MarketStatusPaused
	MarketStatusSettlement
	MarketStatusClosed
)

func (ms MarketStatus) String() string {
	switch ms {
	case MarketStatusInitialized:
		return "Initialized"
	case MarketStatusActive:
		return "Active"
	case MarketStatusPaused:
		return "Paused"
	case MarketStatusSettlement:
		return "Settlement"
	case MarketStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ParseMarketStatus accepts the lower-case wire names.
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch s {
	case "initialized":
		return MarketStatusInitialized, nil
	case "active":
		return MarketStatusActive, nil
	case "paused":
		return MarketStatusPaused, nil
	case "settlement":
		return MarketStatusSettlement, nil
	case "closed":
		return MarketStatusClosed, nil
	default:
		return 0, fmt.Errorf("unknown market status %q", s)
	}
}

// CanTransitionTo validates lifecycle transitions. Staying in the same
// status is always allowed so that repeated updates are idempotent.
func (ms MarketStatus) CanTransitionTo(next MarketStatus) bool {
	if ms == next {
		return true
	}

	validTransitions := map[MarketStatus][]MarketStatus{
		MarketStatusInitialized: {
			MarketStatusActive,
		},
		MarketStatusActive: {
			MarketStatusPaused,
			MarketStatusSettlement,
		},
		MarketStatusPaused: {
			MarketStatusActive,
			MarketStatusSettlement,
		},
		MarketStatusSettlement: {
			MarketStatusClosed,
		},
	}

	allowed, ok := validTransitions[ms]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// AMM is the virtual reserve curve of a perp market.
type AMM struct {
	BaseAssetReserve  int64 // AmmReservePrecision
	QuoteAssetReserve int64 // AmmReservePrecision
	PegMultiplier     int64 // PegPrecision

	// Net user base position taken against the AMM (BasePrecision).
	// Positive when users are net long.
	BaseAssetAmountWithAmm int64

	CumulativeFundingRateLong  int64 // FundingRatePrecision
	CumulativeFundingRateShort int64 // FundingRatePrecision

	// Fee pool available to pay for repegs (QuotePrecision).
	TotalFeeMinusDistributions int64
}

// MarginTier is one bucket of a market's margin table. A tier applies to
// worst-case notional values up to and including SizeBreakpoint.
type MarginTier struct {
	SizeBreakpoint int64 // QuotePrecision notional
	Initial        int64 // MarginPrecision
	Maintenance    int64 // MarginPrecision
}

// PerpMarket is read-only to the engine.
type PerpMarket struct {
	Index       uint16
	Name        string
	Status      MarketStatus
	AMM         AMM
	MarginTiers []MarginTier
	OracleIndex uint16

	TakerFeeNumerator   int64
	TakerFeeDenominator int64
}

// Clone returns a deep copy; the tier slice is not shared.
func (m *PerpMarket) Clone() *PerpMarket {
	c := *m
	c.MarginTiers = append([]MarginTier(nil), m.MarginTiers...)
	return &c
}
