package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLoader struct {
	snaps []*state.Snapshot
	err   error
	calls int
}

func (f *fakeLoader) LoadSnapshot(context.Context) (*state.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

func loadedSnapshot(slot uint64, users ...uuid.UUID) *state.Snapshot {
	snap := state.NewSnapshot()
	snap.Slot = slot
	snap.PerpMarkets[testutil.ScenarioPerpMarket] = testutil.ScenarioMarket()
	for _, id := range users {
		snap.Users[id] = &state.UserAccount{UserID: id}
	}
	return snap
}

func TestPoller_RefreshPublishesWholeGeneration(t *testing.T) {
	store := state.NewStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	other := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	loader := &fakeLoader{snaps: []*state.Snapshot{loadedSnapshot(10, other, testutil.ScenarioUserID)}}

	var notified []uuid.UUID
	notify := func(_ context.Context, _ *state.Snapshot, users []uuid.UUID) { notified = users }
	poller := ingestion.NewPoller(loader, store, metrics, notify, time.Second)

	if err := poller.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := store.Current()
	if snap.Generation != 1 || snap.Slot != 10 {
		t.Errorf("generation %d slot %d, want 1 and 10", snap.Generation, snap.Slot)
	}
	if len(snap.Users) != 2 {
		t.Errorf("users: got %d, want 2", len(snap.Users))
	}
	if len(notified) != 2 || notified[0] != testutil.ScenarioUserID {
		t.Errorf("notified: got %v", notified)
	}
	if got := promtest.ToFloat64(metrics.SnapshotGeneration); got != 1 {
		t.Errorf("generation gauge: got %v, want 1", got)
	}
}

func TestPoller_RejectsStaleLoad(t *testing.T) {
	store := state.NewStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	loader := &fakeLoader{snaps: []*state.Snapshot{loadedSnapshot(10), loadedSnapshot(9)}}
	poller := ingestion.NewPoller(loader, store, metrics, nil, time.Second)

	if err := poller.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := poller.Refresh(context.Background()); !errors.Is(err, state.ErrStaleUpdate) {
		t.Fatalf("expected ErrStaleUpdate, got %v", err)
	}
	if store.Current().Generation != 1 {
		t.Errorf("stale load published generation %d", store.Current().Generation)
	}
	if got := promtest.ToFloat64(metrics.RefreshErrors.WithLabelValues("stale")); got != 1 {
		t.Errorf("stale counter: got %v, want 1", got)
	}
}

func TestPoller_LoadErrorKeepsCurrent(t *testing.T) {
	store := state.NewStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	loader := &fakeLoader{err: errors.New("connection refused")}
	poller := ingestion.NewPoller(loader, store, metrics, nil, time.Second)

	if err := poller.Refresh(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if store.Current().Generation != 0 {
		t.Error("failed load published a generation")
	}
	if got := promtest.ToFloat64(metrics.RefreshErrors.WithLabelValues("polling")); got != 1 {
		t.Errorf("error counter: got %v, want 1", got)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	store := state.NewStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	loader := &fakeLoader{snaps: []*state.Snapshot{loadedSnapshot(1)}}
	poller := ingestion.NewPoller(loader, store, metrics, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := poller.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if loader.calls != 1 {
		t.Errorf("loader calls: got %d, want 1 (immediate refresh)", loader.calls)
	}
}
