package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/margin"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/risk"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SummaryCache is the read-through cache in front of risk computation.
type SummaryCache interface {
	Get(ctx context.Context, userID uuid.UUID, generation uint64) (*risk.RiskSummary, bool, error)
	Set(ctx context.Context, s *risk.RiskSummary) error
	SetMany(ctx context.Context, summaries []*risk.RiskSummary) error
}

// QueryService answers risk queries against the current snapshot. Every
// response is computed on exactly one generation, reported back to the
// caller.
type QueryService struct {
	store   *state.Store
	cache   SummaryCache
	metrics *observability.Metrics
	publish chan<- *risk.RiskSummary
	now     func() time.Time
	logger  zerolog.Logger
}

// NewQueryService creates a service. cache may be nil.
func NewQueryService(store *state.Store, cache SummaryCache, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		now:     time.Now,
		logger:  observability.NewLogger("query"),
	}
}

// WithPublisher makes Refresh forward recomputed summaries to ch. Sends
// never block; a full channel drops the summary.
func (qs *QueryService) WithPublisher(ch chan<- *risk.RiskSummary) *QueryService {
	qs.publish = ch
	return qs
}

// WithClock overrides the time stamped on computed summaries.
func (qs *QueryService) WithClock(now func() time.Time) *QueryService {
	qs.now = now
	return qs
}

// GetRisk returns the user's summary on the current generation, from the
// cache when possible.
func (qs *QueryService) GetRisk(ctx context.Context, userID uuid.UUID) (*risk.RiskSummary, error) {
	snap := qs.store.Current()

	if qs.cache != nil {
		cached, ok, err := qs.cache.Get(ctx, userID, snap.Generation)
		if err != nil {
			qs.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("cache read failed")
		} else if ok {
			return cached, nil
		}
	}

	summary, err := qs.compute(snap, userID, "query")
	if err != nil {
		return nil, err
	}
	if qs.cache != nil {
		if err := qs.cache.Set(ctx, summary); err != nil {
			qs.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("cache write failed")
		}
	}
	return summary, nil
}

// GetMarginCheck runs a margin calculation of the requested kind for the
// user on the current generation.
func (qs *QueryService) GetMarginCheck(ctx context.Context, userID uuid.UUID, req MarginCheckRequest) (*MarginCheck, error) {
	snap := qs.store.Current()
	calc, err := risk.NewAccountCalculator(snap, userID)
	if err != nil {
		return nil, err
	}

	mctx := margin.StandardContext(req.Type)
	if req.Liquidation {
		mctx = margin.LiquidationContext(req.LiquidationBuffer)
		if mctx, err = mctx.WithMarginRatioTracking(); err != nil {
			return nil, err
		}
	}
	mctx = mctx.WithStrict(req.Strict)

	c, err := calc.MarginCalculation(mctx)
	if err != nil {
		return nil, err
	}

	out := &MarginCheck{
		UserID:             userID,
		Generation:         snap.Generation,
		Slot:               snap.Slot,
		Type:               mctx.Type.String(),
		Liquidation:        req.Liquidation,
		TotalCollateral:    c.TotalCollateral,
		MarginRequirement:  c.MarginRequirement,
		FreeCollateral:     c.FreeCollateral(),
		MeetsRequirement:   c.MeetsMarginRequirement(),
		AllOraclesValid:    c.AllOraclesValid,
		NumPerpLiabilities: c.NumPerpLiabilities,
	}
	if !req.Liquidation {
		if !out.MeetsRequirement {
			out.MarginShortage = c.MarginRequirement - c.TotalCollateral
		}
		return out, nil
	}

	if out.CanExitLiquidation, err = c.CanExitLiquidation(); err != nil {
		return nil, err
	}
	if !out.CanExitLiquidation {
		if out.MarginShortage, err = c.MarginShortage(); err != nil {
			return nil, err
		}
	}
	if out.LiquidationMarginRatio, err = c.LiquidationMarginRatio(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMarketPrice returns the oracle, mark and reserve prices of a perp
// market on the current generation.
func (qs *QueryService) GetMarketPrice(ctx context.Context, index uint16) (*MarketPrice, error) {
	snap := qs.store.Current()
	market, err := snap.PerpMarket(index)
	if err != nil {
		return nil, err
	}
	oracle, err := snap.OracleForPerpMarket(index)
	if err != nil {
		return nil, err
	}

	mark, err := amm.MarkPrice(market.AMM)
	if err != nil {
		return nil, fmt.Errorf("mark price: %w", err)
	}
	reserve, err := amm.ReservePrice(market.AMM, oracle.Price)
	if err != nil {
		return nil, fmt.Errorf("reserve price: %w", err)
	}
	spread, err := amm.OracleSpread(mark, oracle.Price)
	if err != nil {
		return nil, fmt.Errorf("oracle spread: %w", err)
	}

	return &MarketPrice{
		MarketIndex:  market.Index,
		Name:         market.Name,
		Status:       market.Status.String(),
		Generation:   snap.Generation,
		Slot:         snap.Slot,
		OraclePrice:  oracle.Price,
		OracleSlot:   oracle.Slot,
		OracleSource: oracle.Source.String(),
		MarkPrice:    mark,
		ReservePrice: reserve,
		OracleSpread: spread,
	}, nil
}

// ListAccounts computes every account on the current generation and returns
// those in the given status, ordered by user ID. A nil status returns all.
func (qs *QueryService) ListAccounts(ctx context.Context, status *risk.MarginStatus) ([]*risk.RiskSummary, error) {
	snap := qs.store.Current()
	summaries := qs.sweep(snap, ingestion.AllUsers(snap), "sweep")
	qs.recordHealth(summaries)
	if status == nil {
		return summaries, nil
	}
	out := summaries[:0]
	for _, s := range summaries {
		if s.Health == *status {
			out = append(out, s)
		}
	}
	return out, nil
}

// Refresh recomputes the given users on a freshly published generation,
// warms the cache and forwards the summaries to the publisher. Its signature
// matches ingestion.Notifier.
func (qs *QueryService) Refresh(ctx context.Context, snap *state.Snapshot, users []uuid.UUID) {
	if len(users) == 0 {
		return
	}
	summaries := qs.sweep(snap, users, "refresh")

	if qs.cache != nil {
		if err := qs.cache.SetMany(ctx, summaries); err != nil {
			qs.logger.Warn().Err(err).Int("count", len(summaries)).Msg("cache warm failed")
		}
	}

	if len(users) == len(snap.Users) {
		qs.recordHealth(summaries)
	}

	if qs.publish == nil {
		return
	}
	for _, s := range summaries {
		select {
		case qs.publish <- s:
		default:
			qs.metrics.PublishDrops.Inc()
		}
	}
	qs.metrics.SetChannelMetrics("summaries", len(qs.publish), cap(qs.publish))
}

// sweep computes each user independently; a user whose computation fails is
// logged and skipped. Users missing from snap are skipped silently.
func (qs *QueryService) sweep(snap *state.Snapshot, users []uuid.UUID, source string) []*risk.RiskSummary {
	out := make([]*risk.RiskSummary, 0, len(users))
	for _, id := range users {
		s, err := qs.compute(snap, id, source)
		if errors.Is(err, state.ErrUserNotFound) {
			continue
		}
		if err != nil {
			qs.logger.Warn().Err(err).Str("user_id", id.String()).Uint64("generation", snap.Generation).Msg("risk computation failed")
			continue
		}
		out = append(out, s)
	}
	return out
}

func (qs *QueryService) compute(snap *state.Snapshot, userID uuid.UUID, source string) (*risk.RiskSummary, error) {
	start := time.Now()
	calc, err := risk.NewAccountCalculator(snap, userID)
	if err != nil {
		qs.metrics.RiskComputeErrors.WithLabelValues(errorReason(err)).Inc()
		return nil, err
	}
	summary, err := calc.Summary(qs.now())
	if err != nil {
		qs.metrics.RiskComputeErrors.WithLabelValues(errorReason(err)).Inc()
		return nil, err
	}
	qs.metrics.RiskComputeDur.Observe(time.Since(start).Seconds())
	qs.metrics.RiskComputations.WithLabelValues(source).Inc()
	return summary, nil
}

func (qs *QueryService) recordHealth(summaries []*risk.RiskSummary) {
	counts := map[risk.MarginStatus]int{}
	for _, s := range summaries {
		counts[s.Health]++
	}
	for _, st := range []risk.MarginStatus{risk.MarginStatusHealthy, risk.MarginStatusAtRisk, risk.MarginStatusLiquidatable} {
		qs.metrics.AccountsByHealth.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, state.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, state.ErrMarketNotFound), errors.Is(err, state.ErrSpotMarketNotFound):
		return "market_not_found"
	case errors.Is(err, state.ErrOracleNotFound):
		return "oracle_not_found"
	case errors.Is(err, risk.ErrInvalidOracle):
		return "invalid_oracle"
	default:
		return "arithmetic"
	}
}
