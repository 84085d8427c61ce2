package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/rs/zerolog"
)

// SnapshotLoader reads the complete venue state in one consistent pass.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (*state.Snapshot, error)
}

// Poller refreshes the store from a SnapshotLoader on a fixed interval. Each
// successful load is published as one whole generation.
type Poller struct {
	loader   SnapshotLoader
	store    *state.Store
	metrics  *observability.Metrics
	notify   Notifier
	interval time.Duration
	logger   zerolog.Logger
}

func NewPoller(loader SnapshotLoader, store *state.Store, metrics *observability.Metrics, notify Notifier, interval time.Duration) *Poller {
	return &Poller{
		loader:   loader,
		store:    store,
		metrics:  metrics,
		notify:   notify,
		interval: interval,
		logger:   observability.NewLogger("poller"),
	}
}

// Run refreshes immediately, then every interval until ctx is cancelled.
// Failed refreshes are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Refresh(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("refresh failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh loads and publishes one generation. A load behind the published
// slot is discarded with state.ErrStaleUpdate.
func (p *Poller) Refresh(ctx context.Context) error {
	start := time.Now()

	next, err := p.loader.LoadSnapshot(ctx)
	if err != nil {
		p.metrics.RefreshErrors.WithLabelValues("polling").Inc()
		return fmt.Errorf("load snapshot: %w", err)
	}

	if current := p.store.Current(); next.Slot < current.Slot {
		p.metrics.RefreshErrors.WithLabelValues("stale").Inc()
		return fmt.Errorf("%w: loaded slot %d < published %d", state.ErrStaleUpdate, next.Slot, current.Slot)
	}

	published := p.store.Replace(next)
	p.metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	p.metrics.ObserveSnapshot(published)

	p.logger.Debug().
		Uint64("generation", published.Generation).
		Uint64("slot", published.Slot).
		Int("users", len(published.Users)).
		Dur("took", time.Since(start)).
		Msg("snapshot refreshed")

	if p.notify != nil {
		p.notify(ctx, published, AllUsers(published))
	}
	return nil
}
