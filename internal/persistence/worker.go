package persistence

import (
	"context"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/rs/zerolog"
)

// SnapshotSink is where the worker writes generations.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, snap *state.Snapshot) error
}

// Archiver stores a copy of a generation for warm start.
type Archiver interface {
	SaveSnapshot(ctx context.Context, snap *state.Snapshot) (*ArchivedSnapshot, error)
}

// Pruner is implemented by archives that can drop old generations.
type Pruner interface {
	Prune(ctx context.Context, keep int) (int64, error)
}

// PersistenceWorker mirrors published generations to Postgres off the hot
// path. Generations arriving faster than flushInterval coalesce: only the
// latest is written. Every archiveInterval the latest is also archived.
type PersistenceWorker struct {
	sink            SnapshotSink
	archive         Archiver
	inputChan       <-chan *state.Snapshot
	flushInterval   time.Duration
	archiveInterval time.Duration
	retain          int
	metrics         *observability.Metrics
	logger          zerolog.Logger
}

// NewPersistenceWorker creates a worker. archive may be nil to disable
// archiving.
func NewPersistenceWorker(
	sink SnapshotSink,
	archive Archiver,
	inputChan <-chan *state.Snapshot,
	flushInterval time.Duration,
	archiveInterval time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		sink:            sink,
		archive:         archive,
		inputChan:       inputChan,
		flushInterval:   flushInterval,
		archiveInterval: archiveInterval,
		metrics:         metrics,
		logger:          observability.NewLogger("persistence-worker"),
	}
}

// WithRetention keeps only the newest keep archived generations when the
// archive supports pruning. Zero keeps everything.
func (pw *PersistenceWorker) WithRetention(keep int) *PersistenceWorker {
	pw.retain = keep
	return pw
}

// Run drains inputChan until ctx is cancelled or the channel closes, then
// makes a final flush of anything pending.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	var (
		pending      *state.Snapshot
		lastArchived time.Time
	)

	timer := time.NewTimer(pw.flushInterval)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if pending == nil {
			return
		}
		archive := pw.archive != nil && time.Since(lastArchived) >= pw.archiveInterval
		if err := pw.flushWithRetry(ctx, pending, archive); err != nil {
			pw.logger.Error().Err(err).Uint64("generation", pending.Generation).Msg("flush failed after retries")
			return
		}
		if archive {
			lastArchived = time.Now()
		}
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: write the last generation we saw.
			flush(context.Background())
			return ctx.Err()

		case snap, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			if pending == nil || snap.Generation > pending.Generation {
				pending = snap
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushInterval)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff until it
// succeeds or ctx is cancelled; on cancellation it makes one final attempt
// with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, snap *state.Snapshot, archive bool) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Uint64("generation", snap.Generation).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), snap, archive)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, snap, archive)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, snap *state.Snapshot, archive bool) error {
	start := time.Now()

	if err := pw.sink.WriteSnapshot(ctx, snap); err != nil {
		pw.metrics.PersistErrors.WithLabelValues("write_state").Inc()
		return err
	}
	pw.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	pw.metrics.PersistLastSlot.Set(float64(snap.Slot))

	if !archive {
		return nil
	}

	start = time.Now()
	archived, err := pw.archive.SaveSnapshot(ctx, snap)
	if err != nil {
		pw.metrics.PersistErrors.WithLabelValues("archive").Inc()
		return err
	}
	pw.metrics.ArchiveWritten.Inc()
	pw.metrics.ArchiveDuration.Observe(time.Since(start).Seconds())
	pw.metrics.ArchiveSizeBytes.Set(float64(archived.SizeBytes))

	if p, ok := pw.archive.(Pruner); ok && pw.retain > 0 {
		// Pruning failures never fail the flush; the next archive retries.
		if n, err := p.Prune(ctx, pw.retain); err != nil {
			pw.metrics.PersistErrors.WithLabelValues("prune").Inc()
			pw.logger.Warn().Err(err).Msg("archive prune failed")
		} else if n > 0 {
			pw.logger.Debug().Int64("pruned", n).Msg("archive pruned")
		}
	}
	return nil
}
