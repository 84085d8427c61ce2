package margin

import (
	"fmt"

	fpmath "PerpRisk/internal/math"
)

// MarketType distinguishes spot and perp market indexes, which overlap.
type MarketType int

const (
	MarketSpot MarketType = iota
	MarketPerp
)

// MarketID names one market for requirement tracking.
type MarketID struct {
	Type  MarketType
	Index uint16
}

// Mode is either standard (health checks) or liquidation, which adds a
// buffer on top of every requirement.
type Mode struct {
	Liquidation      bool
	MarginBuffer     int64 // margin precision
	TrackMarginRatio bool
	MarketToTrack    *MarketID
}

// Context configures a Calculation.
type Context struct {
	Type   Type
	Mode   Mode
	Strict bool
}

// StandardContext is a plain requirement check of the given type.
func StandardContext(t Type) Context {
	return Context{Type: t}
}

// LiquidationContext checks maintenance margin with buffer added.
func LiquidationContext(buffer int64) Context {
	return Context{
		Type: Maintenance,
		Mode: Mode{Liquidation: true, MarginBuffer: buffer},
	}
}

// WithStrict returns a copy with strict pricing toggled.
func (c Context) WithStrict(strict bool) Context {
	c.Strict = strict
	return c
}

// WithMarginRatioTracking enables asset/liability tracking. Liquidation only.
func (c Context) WithMarginRatioTracking() (Context, error) {
	if !c.Mode.Liquidation {
		return c, fmt.Errorf("%w: track margin ratio", ErrInvalidMarginCalculation)
	}
	c.Mode.TrackMarginRatio = true
	return c, nil
}

// WithTrackedMarket records one market's share of the requirement.
// Liquidation only.
func (c Context) WithTrackedMarket(id MarketID) (Context, error) {
	if !c.Mode.Liquidation {
		return c, fmt.Errorf("%w: track market", ErrInvalidMarginCalculation)
	}
	c.Mode.MarketToTrack = &id
	return c, nil
}

// Calculation accumulates collateral and requirements across an account.
type Calculation struct {
	Context Context

	TotalCollateral         int64
	MarginRequirement       int64
	NumPerpLiabilities      int
	AllOraclesValid         bool
	TotalSpotAssetValue     int64
	TotalPerpLiabilityValue int64

	requirementPlusBuffer    int64
	trackedMarketRequirement int64
}

func NewCalculation(ctx Context) *Calculation {
	return &Calculation{Context: ctx, AllOraclesValid: true}
}

func (c *Calculation) AddTotalCollateral(amount int64) error {
	sum, err := fpmath.CheckedAdd(c.TotalCollateral, amount)
	if err != nil {
		return fmt.Errorf("total collateral: %w", err)
	}
	c.TotalCollateral = sum
	return nil
}

// AddMarginRequirement adds one market's requirement. In liquidation mode the
// buffer is charged on liabilityValue on top of it.
func (c *Calculation) AddMarginRequirement(requirement, liabilityValue int64, market MarketID) error {
	sum, err := fpmath.CheckedAdd(c.MarginRequirement, requirement)
	if err != nil {
		return fmt.Errorf("margin requirement: %w", err)
	}
	c.MarginRequirement = sum

	if c.Context.Mode.Liquidation {
		buffer, err := fpmath.MulDiv(liabilityValue, c.Context.Mode.MarginBuffer, fpmath.MarginPrecision, fpmath.RoundDown)
		if err != nil {
			return fmt.Errorf("margin buffer: %w", err)
		}
		withBuffer, err := fpmath.CheckedAdd(c.requirementPlusBuffer, requirement+buffer)
		if err != nil {
			return fmt.Errorf("margin requirement plus buffer: %w", err)
		}
		c.requirementPlusBuffer = withBuffer
	}

	if tracked := c.Context.Mode.MarketToTrack; tracked != nil && *tracked == market {
		c.trackedMarketRequirement += requirement
	}
	return nil
}

// AddSpotAssetValue only accumulates when margin ratio tracking is on; the
// value function is not called otherwise.
func (c *Calculation) AddSpotAssetValue(value func() (int64, error)) error {
	if !c.trackingMarginRatio() {
		return nil
	}
	v, err := value()
	if err != nil {
		return err
	}
	c.TotalSpotAssetValue += v
	return nil
}

func (c *Calculation) AddPerpLiabilityValue(value func() (int64, error)) error {
	if !c.trackingMarginRatio() {
		return nil
	}
	v, err := value()
	if err != nil {
		return err
	}
	c.TotalPerpLiabilityValue += v
	return nil
}

func (c *Calculation) AddPerpLiability() { c.NumPerpLiabilities++ }

func (c *Calculation) NumLiabilities() int {
	return c.NumPerpLiabilities
}

// UpdateAllOraclesValid ands in one oracle's validity.
func (c *Calculation) UpdateAllOraclesValid(valid bool) {
	c.AllOraclesValid = c.AllOraclesValid && valid
}

func (c *Calculation) MeetsMarginRequirement() bool {
	return c.TotalCollateral >= c.MarginRequirement
}

// CanExitLiquidation reports whether collateral covers the buffered
// requirement.
func (c *Calculation) CanExitLiquidation() (bool, error) {
	if !c.Context.Mode.Liquidation {
		return false, fmt.Errorf("%w: can exit liquidation", ErrInvalidMarginCalculation)
	}
	return c.TotalCollateral >= c.requirementPlusBuffer, nil
}

// MarginShortage is |requirement plus buffer - collateral|.
func (c *Calculation) MarginShortage() (int64, error) {
	diff, err := fpmath.CheckedSub(c.requirementPlusBuffer, c.TotalCollateral)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAbs(diff)
}

// TrackedMarketMarginShortage apportions a shortage to the tracked market by
// its share of the requirement.
func (c *Calculation) TrackedMarketMarginShortage(shortage int64) (int64, error) {
	if c.Context.Mode.MarketToTrack == nil {
		return 0, fmt.Errorf("%w: no tracked market", ErrInvalidMarginCalculation)
	}
	if c.MarginRequirement == 0 {
		return 0, nil
	}
	return fpmath.MulDiv(shortage, c.trackedMarketRequirement, c.MarginRequirement, fpmath.RoundDown)
}

// FreeCollateral is collateral above the requirement, floored at zero.
func (c *Calculation) FreeCollateral() int64 {
	free := c.TotalCollateral - c.MarginRequirement
	if free < 0 {
		return 0
	}
	return free
}

// LiquidationMarginRatio is spot assets over perp liabilities, in price
// precision. NoExposureRatio when nothing is owed. Spot balances are
// deposits only, so spot assets are never offset by borrows.
func (c *Calculation) LiquidationMarginRatio() (int64, error) {
	if !c.trackingMarginRatio() {
		return 0, fmt.Errorf("%w: margin ratio tracking disabled", ErrInvalidMarginCalculation)
	}
	if c.TotalSpotAssetValue <= 0 {
		return 0, nil
	}
	if c.TotalPerpLiabilityValue == 0 {
		return NoExposureRatio, nil
	}
	return fpmath.MulDiv(c.TotalSpotAssetValue, fpmath.PricePrecision, c.TotalPerpLiabilityValue, fpmath.RoundDown)
}

func (c *Calculation) trackingMarginRatio() bool {
	return c.Context.Mode.Liquidation && c.Context.Mode.TrackMarginRatio
}
