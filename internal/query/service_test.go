package query_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/margin"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/query"
	"PerpRisk/internal/risk"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

type cacheKey struct {
	user       uuid.UUID
	generation uint64
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*risk.RiskSummary
	getErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[cacheKey]*risk.RiskSummary{}}
}

func (c *memoryCache) Get(_ context.Context, userID uuid.UUID, generation uint64) (*risk.RiskSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	s, ok := c.entries[cacheKey{userID, generation}]
	return s, ok, nil
}

func (c *memoryCache) Set(_ context.Context, s *risk.RiskSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{s.UserID, s.Generation}] = s
	return nil
}

func (c *memoryCache) SetMany(ctx context.Context, summaries []*risk.RiskSummary) error {
	for _, s := range summaries {
		if err := c.Set(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// openedLong is the scenario account after depositing 20 USDC and buying 1
// SOL at 50.
func openedLong(t *testing.T) *testutil.Scenario {
	t.Helper()
	s := testutil.NewScenario(t)
	s.DepositQuote(20_000_000)
	s.SetOracle(50_000_250)
	s.Trade(amm.SwapRemove, 1_000_000_000)
	return s
}

func newService(t *testing.T, s *testutil.Scenario, cache query.SummaryCache) (*query.QueryService, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	qs := query.NewQueryService(s.Store, cache, metrics).
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	return qs, metrics
}

func TestGetRisk_ReadThroughCache(t *testing.T) {
	s := openedLong(t)
	cache := newMemoryCache()
	qs, metrics := newService(t, s, cache)
	ctx := context.Background()

	first, err := qs.GetRisk(ctx, testutil.ScenarioUserID)
	if err != nil {
		t.Fatalf("get risk: %v", err)
	}
	if first.TotalCollateral != 19_949_998 || first.FreeCollateral != 9_949_948 {
		t.Errorf("summary: got %+v", first)
	}
	if first.Generation != s.Store.Current().Generation {
		t.Errorf("generation: got %d, want %d", first.Generation, s.Store.Current().Generation)
	}

	second, err := qs.GetRisk(ctx, testutil.ScenarioUserID)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second != first {
		t.Error("second read was not served from the cache")
	}
	if v := promtest.ToFloat64(metrics.RiskComputations.WithLabelValues("query")); v != 1 {
		t.Errorf("computations: got %v, want 1", v)
	}

	// A new generation misses the cache and recomputes.
	s.SetOracle(54_999_724)
	third, err := qs.GetRisk(ctx, testutil.ScenarioUserID)
	if err != nil {
		t.Fatalf("third get: %v", err)
	}
	if third.Generation == first.Generation {
		t.Error("summary served from a previous generation")
	}
	if v := promtest.ToFloat64(metrics.RiskComputations.WithLabelValues("query")); v != 2 {
		t.Errorf("computations: got %v, want 2", v)
	}
}

func TestGetRisk_CacheErrorFallsBackToCompute(t *testing.T) {
	s := openedLong(t)
	cache := newMemoryCache()
	cache.getErr = errors.New("connection refused")
	qs, _ := newService(t, s, cache)

	got, err := qs.GetRisk(context.Background(), testutil.ScenarioUserID)
	if err != nil {
		t.Fatalf("get risk: %v", err)
	}
	if got.TotalCollateral != 19_949_998 {
		t.Errorf("total collateral: got %d", got.TotalCollateral)
	}
}

func TestGetRisk_UnknownUser(t *testing.T) {
	qs, metrics := newService(t, openedLong(t), nil)

	_, err := qs.GetRisk(context.Background(), uuid.New())
	if !errors.Is(err, state.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if v := promtest.ToFloat64(metrics.RiskComputeErrors.WithLabelValues("user_not_found")); v != 1 {
		t.Errorf("compute errors: got %v, want 1", v)
	}
}

func TestGetMarginCheck(t *testing.T) {
	qs, _ := newService(t, openedLong(t), nil)
	ctx := context.Background()

	t.Run("initial", func(t *testing.T) {
		got, err := qs.GetMarginCheck(ctx, testutil.ScenarioUserID, query.MarginCheckRequest{Type: margin.Initial})
		if err != nil {
			t.Fatalf("margin check: %v", err)
		}
		if got.TotalCollateral != 19_949_998 || got.FreeCollateral != 9_949_948 {
			t.Errorf("initial check: got %+v", got)
		}
		if !got.MeetsRequirement || got.MarginShortage != 0 {
			t.Errorf("expected requirement met without shortage: %+v", got)
		}
		if got.NumPerpLiabilities != 1 {
			t.Errorf("perp liabilities: got %d, want 1", got.NumPerpLiabilities)
		}
	})

	t.Run("liquidation with buffer", func(t *testing.T) {
		got, err := qs.GetMarginCheck(ctx, testutil.ScenarioUserID, query.MarginCheckRequest{
			Liquidation:       true,
			LiquidationBuffer: 200,
		})
		if err != nil {
			t.Fatalf("margin check: %v", err)
		}
		if got.Type != margin.Maintenance.String() {
			t.Errorf("type: got %q, want maintenance", got.Type)
		}
		if !got.CanExitLiquidation || got.MarginShortage != 0 {
			t.Errorf("healthy account should be able to exit liquidation: %+v", got)
		}
		if got.LiquidationMarginRatio <= 0 {
			t.Errorf("liquidation margin ratio: got %d", got.LiquidationMarginRatio)
		}
	})

	t.Run("uncovered requirement", func(t *testing.T) {
		s := testutil.NewScenario(t)
		s.DepositQuote(1_000_000)
		s.SetOracle(50_000_250)
		s.Trade(amm.SwapRemove, 1_000_000_000)
		qs, _ := newService(t, s, nil)

		got, err := qs.GetMarginCheck(ctx, testutil.ScenarioUserID, query.MarginCheckRequest{Type: margin.Initial})
		if err != nil {
			t.Fatalf("margin check: %v", err)
		}
		if got.MeetsRequirement {
			t.Fatalf("expected shortfall: %+v", got)
		}
		if got.MarginShortage != got.MarginRequirement-got.TotalCollateral {
			t.Errorf("shortage: got %d", got.MarginShortage)
		}
	})
}

func TestGetMarketPrice(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SetOracle(50_000_250)
	qs, _ := newService(t, s, nil)

	got, err := qs.GetMarketPrice(context.Background(), testutil.ScenarioPerpMarket)
	if err != nil {
		t.Fatalf("market price: %v", err)
	}
	if got.MarkPrice != 50_000_000 {
		t.Errorf("mark price: got %d, want 50_000_000", got.MarkPrice)
	}
	if got.OraclePrice != 50_000_250 || got.OracleSource != state.OracleSourcePyth.String() {
		t.Errorf("oracle: got %+v", got)
	}
	if got.OracleSpread >= 0 {
		t.Errorf("mark below oracle should give a negative spread, got %d", got.OracleSpread)
	}

	if _, err := qs.GetMarketPrice(context.Background(), 99); !errors.Is(err, state.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestRefresh_WarmsCacheAndPublishes(t *testing.T) {
	s := openedLong(t)
	cache := newMemoryCache()
	qs, metrics := newService(t, s, cache)

	out := make(chan *risk.RiskSummary, 1)
	qs.WithPublisher(out)

	snap := s.Store.Current()
	qs.Refresh(context.Background(), snap, []uuid.UUID{testutil.ScenarioUserID, uuid.New()})

	if cache.len() != 1 {
		t.Errorf("cache entries: got %d, want 1", cache.len())
	}
	select {
	case got := <-out:
		if got.UserID != testutil.ScenarioUserID || got.Generation != snap.Generation {
			t.Errorf("published summary: got %+v", got)
		}
	default:
		t.Fatal("nothing published")
	}

	// Full channel drops instead of blocking.
	out <- &risk.RiskSummary{}
	qs.Refresh(context.Background(), snap, []uuid.UUID{testutil.ScenarioUserID})
	if v := promtest.ToFloat64(metrics.PublishDrops); v != 1 {
		t.Errorf("publish drops: got %v, want 1", v)
	}
	if v := promtest.ToFloat64(metrics.AccountsByHealth.WithLabelValues(risk.MarginStatusHealthy.String())); v != 1 {
		t.Errorf("healthy accounts: got %v, want 1", v)
	}
}

func TestListAccounts_FiltersByStatus(t *testing.T) {
	qs, _ := newService(t, openedLong(t), nil)
	ctx := context.Background()

	all, err := qs.ListAccounts(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("accounts: got %d, want 1", len(all))
	}

	liquidatable := risk.MarginStatusLiquidatable
	got, err := qs.ListAccounts(ctx, &liquidatable)
	if err != nil {
		t.Fatalf("list liquidatable: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("liquidatable accounts: got %d, want 0", len(got))
	}
}
