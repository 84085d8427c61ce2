package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMarketNotFound     = errors.New("perp market not found")
	ErrSpotMarketNotFound = errors.New("spot market not found")
	ErrOracleNotFound     = errors.New("oracle not found")
	ErrUserNotFound       = errors.New("user account not found")
	ErrStaleUpdate        = errors.New("update is older than published state")
	ErrInvalidTransition  = errors.New("invalid market status transition")
)

// Snapshot is one published generation of cached venue state. A published
// snapshot is never modified; updates produce a new one.
type Snapshot struct {
	Generation  uint64
	Slot        uint64
	PublishedAt time.Time

	PerpMarkets map[uint16]*PerpMarket
	SpotMarkets map[uint16]*SpotMarket
	Oracles     map[uint16]OracleData
	Users       map[uuid.UUID]*UserAccount
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		PerpMarkets: make(map[uint16]*PerpMarket),
		SpotMarkets: make(map[uint16]*SpotMarket),
		Oracles:     make(map[uint16]OracleData),
		Users:       make(map[uuid.UUID]*UserAccount),
	}
}

func (s *Snapshot) PerpMarket(index uint16) (*PerpMarket, error) {
	m, ok := s.PerpMarkets[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrMarketNotFound, index)
	}
	return m, nil
}

func (s *Snapshot) SpotMarket(index uint16) (*SpotMarket, error) {
	m, ok := s.SpotMarkets[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrSpotMarketNotFound, index)
	}
	return m, nil
}

func (s *Snapshot) Oracle(index uint16) (OracleData, error) {
	o, ok := s.Oracles[index]
	if !ok {
		return OracleData{}, fmt.Errorf("%w: index %d", ErrOracleNotFound, index)
	}
	return o, nil
}

// OracleForPerpMarket resolves the oracle a perp market references.
func (s *Snapshot) OracleForPerpMarket(index uint16) (OracleData, error) {
	m, err := s.PerpMarket(index)
	if err != nil {
		return OracleData{}, err
	}
	return s.Oracle(m.OracleIndex)
}

func (s *Snapshot) User(userID uuid.UUID) (*UserAccount, error) {
	u, ok := s.Users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u, nil
}

// clone copies the maps; entries are shared because they are immutable once
// published and mutations always install fresh copies.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Generation:  s.Generation,
		Slot:        s.Slot,
		PublishedAt: s.PublishedAt,
		PerpMarkets: make(map[uint16]*PerpMarket, len(s.PerpMarkets)),
		SpotMarkets: make(map[uint16]*SpotMarket, len(s.SpotMarkets)),
		Oracles:     make(map[uint16]OracleData, len(s.Oracles)),
		Users:       make(map[uuid.UUID]*UserAccount, len(s.Users)),
	}
	for k, v := range s.PerpMarkets {
		c.PerpMarkets[k] = v
	}
	for k, v := range s.SpotMarkets {
		c.SpotMarkets[k] = v
	}
	for k, v := range s.Oracles {
		c.Oracles[k] = v
	}
	for k, v := range s.Users {
		c.Users[k] = v
	}
	return c
}

// Store publishes snapshots. Readers call Current without locking and see
// exactly one generation; writers are serialized.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	now     func() time.Time
}

func NewStore() *Store {
	s := &Store{now: time.Now}
	initial := NewSnapshot()
	initial.PublishedAt = s.now()
	s.current.Store(initial)
	return s
}

// Current returns the latest published generation.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace publishes next as a whole new generation, discarding the current
// contents. Used by full refreshes.
func (s *Store) Replace(next *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next.Generation = prev.Generation + 1
	next.PublishedAt = s.now()
	s.current.Store(next)
	return next
}

// Update applies fn to a copy of the current snapshot and publishes the
// result. If fn fails nothing is published.
func (s *Store) Update(fn func(*Mutation) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := prev.clone()
	mut := &Mutation{snap: next}

	if err := fn(mut); err != nil {
		return prev, err
	}
	if !mut.changed {
		return prev, nil
	}

	next.Generation = prev.Generation + 1
	next.PublishedAt = s.now()
	s.current.Store(next)
	return next, nil
}

// BuildSnapshot runs fn against an empty snapshot with the same checks as
// Store.Update. Full refreshes assemble a generation this way before Replace.
func BuildSnapshot(fn func(*Mutation) error) (*Snapshot, error) {
	snap := NewSnapshot()
	if err := fn(&Mutation{snap: snap}); err != nil {
		return nil, err
	}
	return snap, nil
}

// Mutation edits an unpublished snapshot inside Store.Update.
type Mutation struct {
	snap    *Snapshot
	changed bool
}

// SetPerpMarket installs a market, enforcing the lifecycle and tier table.
func (m *Mutation) SetPerpMarket(market *PerpMarket) error {
	if err := ValidateMarginTiers(market.MarginTiers); err != nil {
		return fmt.Errorf("perp market %d: %w", market.Index, err)
	}
	if current, ok := m.snap.PerpMarkets[market.Index]; ok {
		if !current.Status.CanTransitionTo(market.Status) {
			return fmt.Errorf("%w: market %d %s -> %s",
				ErrInvalidTransition, market.Index, current.Status, market.Status)
		}
	}
	m.snap.PerpMarkets[market.Index] = market.Clone()
	m.changed = true
	return nil
}

func (m *Mutation) SetSpotMarket(market *SpotMarket) error {
	if market.Decimals < 1 || market.Decimals > 18 {
		return fmt.Errorf("spot market %d: decimals %d out of range", market.Index, market.Decimals)
	}
	m.snap.SpotMarkets[market.Index] = market.Clone()
	m.changed = true
	return nil
}

// SetOracle installs a price unless it is older than the one held.
func (m *Mutation) SetOracle(oracle OracleData) error {
	if current, ok := m.snap.Oracles[oracle.Index]; ok && oracle.Slot < current.Slot {
		return fmt.Errorf("%w: oracle %d slot %d < %d", ErrStaleUpdate, oracle.Index, oracle.Slot, current.Slot)
	}
	m.snap.Oracles[oracle.Index] = oracle
	m.observeSlot(oracle.Slot)
	m.changed = true
	return nil
}

func (m *Mutation) SetUser(user *UserAccount) error {
	held := make(map[uint16]bool, len(user.Positions))
	for _, p := range user.Positions {
		if held[p.MarketIndex] {
			return fmt.Errorf("user %s: two positions in perp market %d", user.UserID, p.MarketIndex)
		}
		held[p.MarketIndex] = true
	}
	for _, b := range user.SpotBalances {
		if b.Balance < 0 {
			return fmt.Errorf("user %s spot market %d: negative balance %d", user.UserID, b.MarketIndex, b.Balance)
		}
	}
	for _, o := range user.Orders {
		if o.BaseAssetAmountRemaining < 0 {
			return fmt.Errorf("user %s order %s: negative remaining amount", user.UserID, o.OrderID)
		}
	}
	m.snap.Users[user.UserID] = user.Clone()
	m.changed = true
	return nil
}

func (m *Mutation) RemoveUser(userID uuid.UUID) {
	if _, ok := m.snap.Users[userID]; ok {
		delete(m.snap.Users, userID)
		m.changed = true
	}
}

// SetSlot records the chain slot the refresh observed.
func (m *Mutation) SetSlot(slot uint64) {
	m.observeSlot(slot)
	m.changed = true
}

func (m *Mutation) observeSlot(slot uint64) {
	if slot > m.snap.Slot {
		m.snap.Slot = slot
	}
}
