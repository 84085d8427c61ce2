// Package risk aggregates one user's positions, orders and deposits into
// account-level collateral and margin metrics over a single snapshot.
package risk

import (
	"errors"
	"fmt"
	"sort"

	"PerpRisk/internal/bank"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/perp"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// MarginRatioSentinel is the margin ratio of an account with no exposure.
const MarginRatioSentinel = margin.NoExposureRatio

// MaxOracleConfidence is the widest confidence interval (margin precision,
// relative to price) an oracle may report and still count as valid.
const MaxOracleConfidence int64 = 1_000

var ErrInvalidOracle = errors.New("risk: oracle price invalid for strict margin calculation")

// AccountCalculator computes risk for one user over one snapshot generation.
// It holds no mutable state; every method re-derives from the snapshot.
type AccountCalculator struct {
	snap *state.Snapshot
	user *state.UserAccount
}

func NewAccountCalculator(snap *state.Snapshot, userID uuid.UUID) (*AccountCalculator, error) {
	user, err := snap.User(userID)
	if err != nil {
		return nil, err
	}
	return &AccountCalculator{snap: snap, user: user}, nil
}

// Generation is the snapshot generation the calculator reads.
func (c *AccountCalculator) Generation() uint64 {
	return c.snap.Generation
}

// exposure is one market's contribution to the account.
type exposure struct {
	market    *state.PerpMarket
	oracle    state.OracleData
	position  state.Position
	worstCase int64
	notional  int64
}

// marketIndexes lists every perp market the user has a position slot or a
// resting order in, in index order.
func (c *AccountCalculator) marketIndexes() []uint16 {
	seen := make(map[uint16]struct{})
	for _, p := range c.user.Positions {
		seen[p.MarketIndex] = struct{}{}
	}
	for _, o := range c.user.Orders {
		seen[o.MarketIndex] = struct{}{}
	}

	out := make([]uint16, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *AccountCalculator) exposureFor(marketIndex uint16) (exposure, error) {
	market, err := c.snap.PerpMarket(marketIndex)
	if err != nil {
		return exposure{}, err
	}
	oracle, err := c.snap.Oracle(market.OracleIndex)
	if err != nil {
		return exposure{}, fmt.Errorf("perp market %d: %w", marketIndex, err)
	}

	position, ok := c.user.Position(marketIndex)
	if !ok {
		position = state.Position{MarketIndex: marketIndex}
	}

	worst, err := perp.WorstCaseBaseAssetAmount(position, c.user.OrdersFor(marketIndex))
	if err != nil {
		return exposure{}, fmt.Errorf("perp market %d: %w", marketIndex, err)
	}
	notional, err := perp.WorstCaseNotional(worst, oracle.Price)
	if err != nil {
		return exposure{}, fmt.Errorf("perp market %d: %w", marketIndex, err)
	}

	return exposure{
		market:    market,
		oracle:    oracle,
		position:  position,
		worstCase: worst,
		notional:  notional,
	}, nil
}

func (c *AccountCalculator) exposures() ([]exposure, error) {
	indexes := c.marketIndexes()
	out := make([]exposure, 0, len(indexes))
	for _, idx := range indexes {
		e, err := c.exposureFor(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// UnrealizedPnL sums PnL over every position, valued at the oracle.
func (c *AccountCalculator) UnrealizedPnL(withFunding bool) (int64, error) {
	var total int64
	for _, p := range c.user.Positions {
		pnl, err := c.UnrealizedPnLForMarket(p.MarketIndex, withFunding)
		if err != nil {
			return 0, err
		}
		if total, err = fpmath.CheckedAdd(total, pnl); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// UnrealizedPnLForMarket is the PnL of a single position; zero if the user
// holds none in that market.
func (c *AccountCalculator) UnrealizedPnLForMarket(marketIndex uint16, withFunding bool) (int64, error) {
	position, ok := c.user.Position(marketIndex)
	if !ok || position.IsAvailable() {
		return 0, nil
	}

	market, err := c.snap.PerpMarket(marketIndex)
	if err != nil {
		return 0, err
	}
	oracle, err := c.snap.Oracle(market.OracleIndex)
	if err != nil {
		return 0, fmt.Errorf("perp market %d: %w", marketIndex, err)
	}
	return perp.UnrealizedPnL(position, market, oracle.Price, withFunding)
}

// spotValue is a deposit's value in quote precision. The quote market is
// valued at 1.0 without consulting an oracle.
func (c *AccountCalculator) spotValue(b state.SpotBalance) (int64, error) {
	market, err := c.snap.SpotMarket(b.MarketIndex)
	if err != nil {
		return 0, err
	}
	tokens, err := bank.TokenAmount(b.Balance, market, bank.Deposit)
	if err != nil {
		return 0, err
	}

	price := fpmath.PricePrecision
	if market.Index != state.QuoteSpotMarketIndex {
		oracle, err := c.snap.Oracle(market.OracleIndex)
		if err != nil {
			return 0, fmt.Errorf("spot market %d: %w", market.Index, err)
		}
		price = oracle.Price
	}
	return bank.TokenValue(tokens, market.Decimals, price)
}

// SpotCollateral is the value of every deposit.
func (c *AccountCalculator) SpotCollateral() (int64, error) {
	var total int64
	for _, b := range c.user.SpotBalances {
		v, err := c.spotValue(b)
		if err != nil {
			return 0, err
		}
		if total, err = fpmath.CheckedAdd(total, v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// TotalCollateral is deposits plus unrealized PnL including funding. It is
// not floored: losses can take it below zero.
func (c *AccountCalculator) TotalCollateral() (int64, error) {
	spot, err := c.SpotCollateral()
	if err != nil {
		return 0, err
	}
	pnl, err := c.UnrealizedPnL(true)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(spot, pnl)
}

func (c *AccountCalculator) TotalWorstCaseNotional() (int64, error) {
	exps, err := c.exposures()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range exps {
		if total, err = fpmath.CheckedAdd(total, e.notional); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (c *AccountCalculator) marginRequirement(t margin.Type) (int64, error) {
	exps, err := c.exposures()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range exps {
		req, err := margin.RequiredMargin(e.market, e.notional, t)
		if err != nil {
			return 0, err
		}
		if total, err = fpmath.CheckedAdd(total, req); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (c *AccountCalculator) InitialMarginRequirement() (int64, error) {
	return c.marginRequirement(margin.Initial)
}

func (c *AccountCalculator) MaintenanceMarginRequirement() (int64, error) {
	return c.marginRequirement(margin.Maintenance)
}

// FreeCollateral is total collateral minus the initial requirement. Negative
// means the account is under-margined.
func (c *AccountCalculator) FreeCollateral() (int64, error) {
	collateral, err := c.TotalCollateral()
	if err != nil {
		return 0, err
	}
	required, err := c.InitialMarginRequirement()
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedSub(collateral, required)
}

// Leverage is notional over collateral in margin precision. Zero without
// exposure; MarginRatioSentinel when exposed with no positive collateral.
func (c *AccountCalculator) Leverage() (int64, error) {
	notional, err := c.TotalWorstCaseNotional()
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return 0, nil
	}
	collateral, err := c.TotalCollateral()
	if err != nil {
		return 0, err
	}
	return leverage(notional, collateral)
}

func leverage(notional, collateral int64) (int64, error) {
	if notional == 0 {
		return 0, nil
	}
	if collateral <= 0 {
		return MarginRatioSentinel, nil
	}
	return fpmath.MulDiv(notional, fpmath.MarginPrecision, collateral, fpmath.RoundDown)
}

// MarginRatio is collateral over notional in margin precision, or
// MarginRatioSentinel without exposure.
func (c *AccountCalculator) MarginRatio() (int64, error) {
	notional, err := c.TotalWorstCaseNotional()
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return MarginRatioSentinel, nil
	}
	collateral, err := c.TotalCollateral()
	if err != nil {
		return 0, err
	}
	return marginRatio(collateral, notional)
}

func marginRatio(collateral, notional int64) (int64, error) {
	if notional == 0 {
		return MarginRatioSentinel, nil
	}
	return fpmath.MulDiv(collateral, fpmath.MarginPrecision, notional, fpmath.RoundDown)
}

// BuyingPower is the notional a market's max leverage allows on the
// account's free collateral. Negative free collateral buys nothing.
func (c *AccountCalculator) BuyingPower(marketIndex uint16) (int64, error) {
	market, err := c.snap.PerpMarket(marketIndex)
	if err != nil {
		return 0, err
	}
	free, err := c.FreeCollateral()
	if err != nil {
		return 0, err
	}
	return buyingPower(market, free)
}

func buyingPower(market *state.PerpMarket, free int64) (int64, error) {
	maxLeverage, err := margin.MaxLeverage(market)
	if err != nil {
		return 0, err
	}
	if free <= 0 {
		return 0, nil
	}
	return fpmath.MulDiv(free, maxLeverage, fpmath.MarginPrecision, fpmath.RoundDown)
}

// MarginCalculation fills a margin.Calculation for the context: deposits and
// PnL into collateral, per-market requirement of the context's type.
func (c *AccountCalculator) MarginCalculation(ctx margin.Context) (*margin.Calculation, error) {
	calc := margin.NewCalculation(ctx)

	for _, b := range c.user.SpotBalances {
		v, err := c.spotValue(b)
		if err != nil {
			return nil, err
		}
		if err := calc.AddTotalCollateral(v); err != nil {
			return nil, err
		}
		if err := calc.AddSpotAssetValue(func() (int64, error) { return v, nil }); err != nil {
			return nil, err
		}
	}

	exps, err := c.exposures()
	if err != nil {
		return nil, err
	}
	for _, e := range exps {
		valid := oracleValid(e.oracle)
		if ctx.Strict && !valid {
			return nil, fmt.Errorf("%w: oracle %d for perp market %d", ErrInvalidOracle, e.oracle.Index, e.market.Index)
		}
		calc.UpdateAllOraclesValid(valid)

		pnl, err := perp.UnrealizedPnL(e.position, e.market, e.oracle.Price, true)
		if err != nil {
			return nil, err
		}
		if err := calc.AddTotalCollateral(pnl); err != nil {
			return nil, err
		}

		req, err := margin.RequiredMargin(e.market, e.notional, ctx.Type)
		if err != nil {
			return nil, err
		}
		id := margin.MarketID{Type: margin.MarketPerp, Index: e.market.Index}
		if err := calc.AddMarginRequirement(req, e.notional, id); err != nil {
			return nil, err
		}

		if e.worstCase != 0 {
			calc.AddPerpLiability()
			notional := e.notional
			if err := calc.AddPerpLiabilityValue(func() (int64, error) { return notional, nil }); err != nil {
				return nil, err
			}
		}
	}
	return calc, nil
}

func oracleValid(o state.OracleData) bool {
	if o.Price <= 0 || o.Confidence < 0 {
		return false
	}
	width, err := fpmath.MulDiv(o.Confidence, fpmath.MarginPrecision, o.Price, fpmath.RoundUp)
	return err == nil && width <= MaxOracleConfidence
}

// Health classifies the account against its maintenance and initial
// requirements.
func (c *AccountCalculator) Health() (MarginStatus, error) {
	collateral, err := c.TotalCollateral()
	if err != nil {
		return MarginStatusHealthy, err
	}
	mm, err := c.MaintenanceMarginRequirement()
	if err != nil {
		return MarginStatusHealthy, err
	}
	im, err := c.InitialMarginRequirement()
	if err != nil {
		return MarginStatusHealthy, err
	}
	return classify(collateral, mm, im), nil
}

func classify(collateral, maintenance, initial int64) MarginStatus {
	if collateral < maintenance {
		return MarginStatusLiquidatable
	}
	if collateral < initial {
		return MarginStatusAtRisk
	}
	return MarginStatusHealthy
}

// MarginStatus represents user's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

func (ms MarginStatus) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}

func (ms *MarginStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Healthy":
		*ms = MarginStatusHealthy
	case "AtRisk":
		*ms = MarginStatusAtRisk
	case "Liquidatable":
		*ms = MarginStatusLiquidatable
	default:
		return fmt.Errorf("unknown margin status %q", text)
	}
	return nil
}
