package risk

import (
	"fmt"
	"time"

	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/perp"

	"github.com/google/uuid"
)

// PositionRisk is one market's line in a RiskSummary.
type PositionRisk struct {
	MarketIndex              uint16 `json:"market_index"`
	BaseAssetAmount          int64  `json:"base_asset_amount"`
	QuoteAssetAmount         int64  `json:"quote_asset_amount"`
	WorstCaseBaseAssetAmount int64  `json:"worst_case_base_asset_amount"`
	WorstCaseNotional        int64  `json:"worst_case_notional"`
	OraclePrice              int64  `json:"oracle_price"`
	EntryPrice               int64  `json:"entry_price,omitempty"`
	UnrealizedPnL            int64  `json:"unrealized_pnl"`
	UnsettledFunding         int64  `json:"unsettled_funding"`
	InitialMargin            int64  `json:"initial_margin"`
	MaintenanceMargin        int64  `json:"maintenance_margin"`
	BuyingPower              int64  `json:"buying_power"`
}

// RiskSummary is every account metric computed over a single generation.
type RiskSummary struct {
	UserID     uuid.UUID `json:"user_id"`
	Generation uint64    `json:"generation"`
	Slot       uint64    `json:"slot"`
	ComputedAt time.Time `json:"computed_at"`

	SpotCollateral               int64        `json:"spot_collateral"`
	UnrealizedPnL                int64        `json:"unrealized_pnl"`
	TotalCollateral              int64        `json:"total_collateral"`
	TotalWorstCaseNotional       int64        `json:"total_worst_case_notional"`
	InitialMarginRequirement     int64        `json:"initial_margin_requirement"`
	MaintenanceMarginRequirement int64        `json:"maintenance_margin_requirement"`
	FreeCollateral               int64        `json:"free_collateral"`
	Leverage                     int64        `json:"leverage"`
	MarginRatio                  int64        `json:"margin_ratio"`
	Health                       MarginStatus `json:"health"`

	Positions []PositionRisk `json:"positions"`
}

// Summary computes the full summary in one pass over the exposures, so every
// figure agrees with the others.
func (c *AccountCalculator) Summary(now time.Time) (*RiskSummary, error) {
	spot, err := c.SpotCollateral()
	if err != nil {
		return nil, err
	}
	exps, err := c.exposures()
	if err != nil {
		return nil, err
	}

	s := &RiskSummary{
		UserID:         c.user.UserID,
		Generation:     c.snap.Generation,
		Slot:           c.snap.Slot,
		ComputedAt:     now,
		SpotCollateral: spot,
		Positions:      make([]PositionRisk, 0, len(exps)),
	}

	for _, e := range exps {
		line := PositionRisk{
			MarketIndex:              e.market.Index,
			BaseAssetAmount:          e.position.BaseAssetAmount,
			QuoteAssetAmount:         e.position.QuoteAssetAmount,
			WorstCaseBaseAssetAmount: e.worstCase,
			WorstCaseNotional:        e.notional,
			OraclePrice:              e.oracle.Price,
		}

		if !e.position.IsAvailable() {
			if line.UnrealizedPnL, err = perp.UnrealizedPnL(e.position, e.market, e.oracle.Price, true); err != nil {
				return nil, err
			}
			if line.UnsettledFunding, err = perp.UnsettledFundingPnL(e.position, e.market); err != nil {
				return nil, err
			}
		}
		if entry, ok, err := perp.EntryPrice(e.position); err != nil {
			return nil, err
		} else if ok {
			line.EntryPrice = entry
		}
		if line.InitialMargin, err = margin.RequiredMargin(e.market, e.notional, margin.Initial); err != nil {
			return nil, err
		}
		if line.MaintenanceMargin, err = margin.RequiredMargin(e.market, e.notional, margin.Maintenance); err != nil {
			return nil, err
		}

		if s.UnrealizedPnL, err = fpmath.CheckedAdd(s.UnrealizedPnL, line.UnrealizedPnL); err != nil {
			return nil, fmt.Errorf("unrealized pnl: %w", err)
		}
		if s.TotalWorstCaseNotional, err = fpmath.CheckedAdd(s.TotalWorstCaseNotional, e.notional); err != nil {
			return nil, fmt.Errorf("worst-case notional: %w", err)
		}
		if s.InitialMarginRequirement, err = fpmath.CheckedAdd(s.InitialMarginRequirement, line.InitialMargin); err != nil {
			return nil, fmt.Errorf("initial margin: %w", err)
		}
		if s.MaintenanceMarginRequirement, err = fpmath.CheckedAdd(s.MaintenanceMarginRequirement, line.MaintenanceMargin); err != nil {
			return nil, fmt.Errorf("maintenance margin: %w", err)
		}
		s.Positions = append(s.Positions, line)
	}

	if s.TotalCollateral, err = fpmath.CheckedAdd(spot, s.UnrealizedPnL); err != nil {
		return nil, err
	}
	if s.FreeCollateral, err = fpmath.CheckedSub(s.TotalCollateral, s.InitialMarginRequirement); err != nil {
		return nil, err
	}
	if s.Leverage, err = leverage(s.TotalWorstCaseNotional, s.TotalCollateral); err != nil {
		return nil, err
	}
	if s.MarginRatio, err = marginRatio(s.TotalCollateral, s.TotalWorstCaseNotional); err != nil {
		return nil, err
	}
	s.Health = classify(s.TotalCollateral, s.MaintenanceMarginRequirement, s.InitialMarginRequirement)

	// Buying power is per market but shares the account's free collateral.
	for i, e := range exps {
		if s.Positions[i].BuyingPower, err = buyingPower(e.market, s.FreeCollateral); err != nil {
			return nil, err
		}
	}
	return s, nil
}
