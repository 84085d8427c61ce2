package ingestion

import (
	"context"
	"errors"
	"slices"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier is told which accounts a newly published generation affects.
type Notifier func(ctx context.Context, snap *state.Snapshot, users []uuid.UUID)

// Applier drains pushed updates into the snapshot store, one generation per
// update.
type Applier struct {
	store   *state.Store
	metrics *observability.Metrics
	notify  Notifier
	filter  *DeliveryFilter
	logger  zerolog.Logger
}

// NewApplier creates an applier. notify may be nil.
func NewApplier(store *state.Store, metrics *observability.Metrics, notify Notifier) *Applier {
	return &Applier{
		store:   store,
		metrics: metrics,
		notify:  notify,
		logger:  observability.NewLogger("applier"),
	}
}

// WithDeliveryFilter acks redeliveries of already settled messages without
// applying them again.
func (a *Applier) WithDeliveryFilter(f *DeliveryFilter) *Applier {
	a.filter = f
	return a
}

// Run applies updates until ctx is cancelled or in is closed.
func (a *Applier) Run(ctx context.Context, in <-chan RawUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			a.metrics.SetChannelMetrics("updates", len(in), cap(in))
			if err := a.Handle(ctx, raw); err != nil {
				a.logger.Warn().
					Err(err).
					Str("subject", raw.Subject).
					Str("kind", string(raw.Kind)).
					Msg("update rejected")
			}
		}
	}
}

// Handle parses and applies one update and settles the message:
//   - malformed payloads are terminated, redelivery cannot fix them
//   - stale updates are acked and dropped
//   - updates the store rejects are nacked; a later update on another
//     subject (a market status step, say) can make them valid
func (a *Applier) Handle(ctx context.Context, raw RawUpdate) error {
	start := time.Now()
	kind := string(raw.Kind)

	if a.filter != nil && a.filter.Seen(raw.MsgID) {
		a.metrics.UpdatesRejected.WithLabelValues(kind, "duplicate").Inc()
		settle(raw.AckFunc)
		return nil
	}

	upd, err := ParseRawUpdate(raw)
	if err != nil {
		a.metrics.UpdatesRejected.WithLabelValues(kind, "parse").Inc()
		settle(raw.TermFunc)
		return err
	}

	snap, err := a.store.Update(upd.Apply)
	switch {
	case errors.Is(err, state.ErrStaleUpdate):
		a.metrics.UpdatesRejected.WithLabelValues(kind, "stale").Inc()
		a.logger.Debug().Err(err).Str("subject", raw.Subject).Msg("dropping stale update")
		a.ack(raw)
		return nil
	case err != nil:
		a.metrics.UpdatesRejected.WithLabelValues(kind, "invalid").Inc()
		settle(raw.NakFunc)
		return err
	}
	a.ack(raw)

	a.metrics.UpdatesApplied.WithLabelValues(kind).Inc()
	a.metrics.UpdateDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	a.metrics.ObserveSnapshot(snap)

	if a.notify != nil {
		a.notify(ctx, snap, AffectedUsers(snap, upd))
	}
	return nil
}

func (a *Applier) ack(raw RawUpdate) {
	settle(raw.AckFunc)
	if a.filter != nil {
		a.filter.MarkSettled(raw.MsgID)
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}

// AffectedUsers lists, in order, the accounts whose risk an update can
// change: the account itself, or every account referencing the market or
// oracle.
func AffectedUsers(snap *state.Snapshot, upd Update) []uuid.UUID {
	var match func(*state.UserAccount) bool

	switch u := upd.(type) {
	case *UserUpdate:
		return []uuid.UUID{u.User.UserID}
	case *UserRemoval:
		return nil
	case *PerpMarketUpdate:
		perps := map[uint16]bool{u.Market.Index: true}
		match = func(acct *state.UserAccount) bool { return referencesPerp(acct, perps) }
	case *SpotMarketUpdate:
		spots := map[uint16]bool{u.Market.Index: true}
		match = func(acct *state.UserAccount) bool { return referencesSpot(acct, spots) }
	case *OracleUpdate:
		perps, spots := marketsOnOracle(snap, u.Oracle.Index)
		match = func(acct *state.UserAccount) bool {
			return referencesPerp(acct, perps) || referencesSpot(acct, spots)
		}
	default:
		return nil
	}

	var out []uuid.UUID
	for id, acct := range snap.Users {
		if match(acct) {
			out = append(out, id)
		}
	}
	sortUsers(out)
	return out
}

// AllUsers lists every account in the snapshot, in order.
func AllUsers(snap *state.Snapshot) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(snap.Users))
	for id := range snap.Users {
		out = append(out, id)
	}
	sortUsers(out)
	return out
}

func sortUsers(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
}

func marketsOnOracle(snap *state.Snapshot, oracle uint16) (perps, spots map[uint16]bool) {
	perps = make(map[uint16]bool)
	spots = make(map[uint16]bool)
	for idx, m := range snap.PerpMarkets {
		if m.OracleIndex == oracle {
			perps[idx] = true
		}
	}
	for idx, m := range snap.SpotMarkets {
		if m.OracleIndex == oracle {
			spots[idx] = true
		}
	}
	return perps, spots
}

func referencesPerp(acct *state.UserAccount, markets map[uint16]bool) bool {
	for _, p := range acct.Positions {
		if markets[p.MarketIndex] {
			return true
		}
	}
	for _, o := range acct.Orders {
		if markets[o.MarketIndex] {
			return true
		}
	}
	return false
}

func referencesSpot(acct *state.UserAccount, markets map[uint16]bool) bool {
	for _, b := range acct.SpotBalances {
		if markets[b.MarketIndex] {
			return true
		}
	}
	return false
}
