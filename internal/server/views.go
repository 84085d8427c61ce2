package server

import (
	"time"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/query"
	"PerpRisk/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JSON views render fixed-point integers as decimal strings at their
// precision. Unbounded ratios render as null.

type positionView struct {
	MarketIndex              uint16           `json:"market_index"`
	BaseAssetAmount          decimal.Decimal  `json:"base_asset_amount"`
	QuoteAssetAmount         decimal.Decimal  `json:"quote_asset_amount"`
	WorstCaseBaseAssetAmount decimal.Decimal  `json:"worst_case_base_asset_amount"`
	WorstCaseNotional        decimal.Decimal  `json:"worst_case_notional"`
	OraclePrice              decimal.Decimal  `json:"oracle_price"`
	EntryPrice               *decimal.Decimal `json:"entry_price"`
	UnrealizedPnL            decimal.Decimal  `json:"unrealized_pnl"`
	UnsettledFunding         decimal.Decimal  `json:"unsettled_funding"`
	InitialMargin            decimal.Decimal  `json:"initial_margin"`
	MaintenanceMargin        decimal.Decimal  `json:"maintenance_margin"`
	BuyingPower              decimal.Decimal  `json:"buying_power"`
}

type riskView struct {
	UserID     uuid.UUID `json:"user_id"`
	Generation uint64    `json:"generation"`
	Slot       uint64    `json:"slot"`
	ComputedAt time.Time `json:"computed_at"`

	SpotCollateral               decimal.Decimal  `json:"spot_collateral"`
	UnrealizedPnL                decimal.Decimal  `json:"unrealized_pnl"`
	TotalCollateral              decimal.Decimal  `json:"total_collateral"`
	TotalWorstCaseNotional       decimal.Decimal  `json:"total_worst_case_notional"`
	InitialMarginRequirement     decimal.Decimal  `json:"initial_margin_requirement"`
	MaintenanceMarginRequirement decimal.Decimal  `json:"maintenance_margin_requirement"`
	FreeCollateral               decimal.Decimal  `json:"free_collateral"`
	Leverage                     *decimal.Decimal `json:"leverage"`
	MarginRatio                  *decimal.Decimal `json:"margin_ratio"`

	Health risk.MarginStatus `json:"health"`

	Positions []positionView `json:"positions"`
}

func quote(v int64) decimal.Decimal { return fpmath.ToDecimal(v, fpmath.QuotePrecision) }
func base(v int64) decimal.Decimal  { return fpmath.ToDecimal(v, fpmath.BasePrecision) }
func price(v int64) decimal.Decimal { return fpmath.ToDecimal(v, fpmath.PricePrecision) }

// ratio renders a MarginPrecision value, nil for the unbounded sentinel.
func ratio(v int64) *decimal.Decimal {
	if v == risk.MarginRatioSentinel {
		return nil
	}
	d := fpmath.ToDecimal(v, fpmath.MarginPrecision)
	return &d
}

func newRiskView(s *risk.RiskSummary) riskView {
	v := riskView{
		UserID:                       s.UserID,
		Generation:                   s.Generation,
		Slot:                         s.Slot,
		ComputedAt:                   s.ComputedAt,
		SpotCollateral:               quote(s.SpotCollateral),
		UnrealizedPnL:                quote(s.UnrealizedPnL),
		TotalCollateral:              quote(s.TotalCollateral),
		TotalWorstCaseNotional:       quote(s.TotalWorstCaseNotional),
		InitialMarginRequirement:     quote(s.InitialMarginRequirement),
		MaintenanceMarginRequirement: quote(s.MaintenanceMarginRequirement),
		FreeCollateral:               quote(s.FreeCollateral),
		Leverage:                     ratio(s.Leverage),
		MarginRatio:                  ratio(s.MarginRatio),
		Health:                       s.Health,
		Positions:                    make([]positionView, 0, len(s.Positions)),
	}
	for _, p := range s.Positions {
		pv := positionView{
			MarketIndex:              p.MarketIndex,
			BaseAssetAmount:          base(p.BaseAssetAmount),
			QuoteAssetAmount:         quote(p.QuoteAssetAmount),
			WorstCaseBaseAssetAmount: base(p.WorstCaseBaseAssetAmount),
			WorstCaseNotional:        quote(p.WorstCaseNotional),
			OraclePrice:              price(p.OraclePrice),
			UnrealizedPnL:            quote(p.UnrealizedPnL),
			UnsettledFunding:         quote(p.UnsettledFunding),
			InitialMargin:            quote(p.InitialMargin),
			MaintenanceMargin:        quote(p.MaintenanceMargin),
			BuyingPower:              quote(p.BuyingPower),
		}
		if p.EntryPrice != 0 {
			entry := price(p.EntryPrice)
			pv.EntryPrice = &entry
		}
		v.Positions = append(v.Positions, pv)
	}
	return v
}

type marginCheckView struct {
	UserID      uuid.UUID `json:"user_id"`
	Generation  uint64    `json:"generation"`
	Slot        uint64    `json:"slot"`
	Type        string    `json:"type"`
	Liquidation bool      `json:"liquidation"`

	TotalCollateral    decimal.Decimal `json:"total_collateral"`
	MarginRequirement  decimal.Decimal `json:"margin_requirement"`
	FreeCollateral     decimal.Decimal `json:"free_collateral"`
	MarginShortage     decimal.Decimal `json:"margin_shortage"`
	MeetsRequirement   bool            `json:"meets_requirement"`
	AllOraclesValid    bool            `json:"all_oracles_valid"`
	NumPerpLiabilities int             `json:"num_perp_liabilities"`

	CanExitLiquidation     *bool            `json:"can_exit_liquidation,omitempty"`
	LiquidationMarginRatio *decimal.Decimal `json:"liquidation_margin_ratio,omitempty"`
}

func newMarginCheckView(c *query.MarginCheck) marginCheckView {
	v := marginCheckView{
		UserID:             c.UserID,
		Generation:         c.Generation,
		Slot:               c.Slot,
		Type:               c.Type,
		Liquidation:        c.Liquidation,
		TotalCollateral:    quote(c.TotalCollateral),
		MarginRequirement:  quote(c.MarginRequirement),
		FreeCollateral:     quote(c.FreeCollateral),
		MarginShortage:     quote(c.MarginShortage),
		MeetsRequirement:   c.MeetsRequirement,
		AllOraclesValid:    c.AllOraclesValid,
		NumPerpLiabilities: c.NumPerpLiabilities,
	}
	if c.Liquidation {
		exit := c.CanExitLiquidation
		v.CanExitLiquidation = &exit
		if c.LiquidationMarginRatio != risk.MarginRatioSentinel {
			r := price(c.LiquidationMarginRatio)
			v.LiquidationMarginRatio = &r
		}
	}
	return v
}

type marketPriceView struct {
	MarketIndex  uint16          `json:"market_index"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Generation   uint64          `json:"generation"`
	Slot         uint64          `json:"slot"`
	OraclePrice  decimal.Decimal `json:"oracle_price"`
	OracleSlot   uint64          `json:"oracle_slot"`
	OracleSource string          `json:"oracle_source"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	ReservePrice decimal.Decimal `json:"reserve_price"`
	OracleSpread decimal.Decimal `json:"oracle_spread"`
}

func newMarketPriceView(p *query.MarketPrice) marketPriceView {
	return marketPriceView{
		MarketIndex:  p.MarketIndex,
		Name:         p.Name,
		Status:       p.Status,
		Generation:   p.Generation,
		Slot:         p.Slot,
		OraclePrice:  price(p.OraclePrice),
		OracleSlot:   p.OracleSlot,
		OracleSource: p.OracleSource,
		MarkPrice:    price(p.MarkPrice),
		ReservePrice: price(p.ReservePrice),
		OracleSpread: fpmath.ToDecimal(p.OracleSpread, fpmath.MarginPrecision),
	}
}
