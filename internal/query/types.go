package query

import (
	"PerpRisk/internal/margin"

	"github.com/google/uuid"
)

// MarginCheckRequest selects the calculation GetMarginCheck runs.
// Liquidation overrides Type with maintenance plus LiquidationBuffer.
type MarginCheckRequest struct {
	Type              margin.Type
	Liquidation       bool
	LiquidationBuffer int64 // MarginPrecision
	Strict            bool
}

// MarginCheck is the outcome of one margin calculation.
type MarginCheck struct {
	UserID      uuid.UUID
	Generation  uint64
	Slot        uint64
	Type        string
	Liquidation bool

	TotalCollateral    int64 // QuotePrecision
	MarginRequirement  int64 // QuotePrecision
	FreeCollateral     int64 // QuotePrecision
	MarginShortage     int64 // QuotePrecision, includes the buffer in liquidation
	MeetsRequirement   bool
	AllOraclesValid    bool
	NumPerpLiabilities int

	// Liquidation only.
	CanExitLiquidation     bool
	LiquidationMarginRatio int64 // PricePrecision
}

// MarketPrice is a perp market's price view on one generation.
type MarketPrice struct {
	MarketIndex  uint16
	Name         string
	Status       string
	Generation   uint64
	Slot         uint64
	OraclePrice  int64 // PricePrecision
	OracleSlot   uint64
	OracleSource string
	MarkPrice    int64 // PricePrecision
	ReservePrice int64 // PricePrecision
	OracleSpread int64 // MarginPrecision, (mark - oracle) / oracle
}
