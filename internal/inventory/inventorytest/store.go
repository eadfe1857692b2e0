// Package inventorytest provides an in-memory inventory store for tests. Transactions are
// serialised behind one mutex and roll back on error, so invariants behave as they do
// against PostgreSQL.
package inventorytest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

type positionKey struct {
	itemID int64
	loc    inventory.Location
}

// Store holds inventory state in memory.
type Store struct {
	mu           sync.Mutex
	items        map[int64]inventory.Item
	positions    map[positionKey]inventory.Position
	ledger       []inventory.LedgerEntry
	reservations map[uuid.UUID]inventory.Reservation
	sequences    map[string]int64
	nextEntryID  int64
	conflicts    int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		items:        make(map[int64]inventory.Item),
		positions:    make(map[positionKey]inventory.Position),
		reservations: make(map[uuid.UUID]inventory.Reservation),
		sequences:    make(map[string]int64),
	}
}

// AddItem registers a catalog item.
func (s *Store) AddItem(item inventory.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
}

// InjectConflicts makes the next n position locks fail with a concurrency conflict.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// RunTx runs fn serialised against every other transaction. When fn fails, inventory state
// is restored and so is any extra state captured by save.
func (s *Store) RunTx(save func() func(), fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore := s.snapshot()
	var restoreExtra func()
	if save != nil {
		restoreExtra = save()
	}
	if err := fn(&Tx{store: s}); err != nil {
		restore()
		if restoreExtra != nil {
			restoreExtra()
		}
		return err
	}
	return nil
}

// WithTx implements inventory.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.RunTx(nil, func(tx *Tx) error { return fn(ctx, tx) })
}

func (s *Store) snapshot() func() {
	positions := make(map[positionKey]inventory.Position, len(s.positions))
	for k, v := range s.positions {
		positions[k] = v
	}
	reservations := make(map[uuid.UUID]inventory.Reservation, len(s.reservations))
	for k, v := range s.reservations {
		reservations[k] = v
	}
	sequences := make(map[string]int64, len(s.sequences))
	for k, v := range s.sequences {
		sequences[k] = v
	}
	ledgerLen := len(s.ledger)
	nextID := s.nextEntryID
	return func() {
		s.positions = positions
		s.reservations = reservations
		s.sequences = sequences
		s.ledger = s.ledger[:ledgerLen]
		s.nextEntryID = nextID
	}
}

// GetPosition implements inventory.RepositoryPort.
func (s *Store) GetPosition(_ context.Context, itemID int64, loc inventory.Location) (inventory.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionKey{itemID, loc}]
	return pos, ok, nil
}

// ListPositions implements inventory.RepositoryPort.
func (s *Store) ListPositions(_ context.Context, filter inventory.PositionFilter) ([]inventory.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Position
	for k, pos := range s.positions {
		if filter.ItemID > 0 && k.itemID != filter.ItemID {
			continue
		}
		if filter.Location != nil && k.loc != *filter.Location {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Location.String() < out[j].Location.String()
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListLedger implements inventory.RepositoryPort.
func (s *Store) ListLedger(_ context.Context, filter inventory.LedgerFilter) ([]inventory.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.LedgerEntry
	for _, e := range s.ledger {
		if filter.ItemID > 0 && e.ItemID != filter.ItemID {
			continue
		}
		if filter.Location != nil && e.Location != *filter.Location {
			continue
		}
		if filter.Reference != nil && e.Reference != *filter.Reference {
			continue
		}
		if !filter.From.IsZero() && e.MovementDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.MovementDate.After(filter.To) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ledgerSum(itemID int64, loc inventory.Location) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.ledger {
		if e.ItemID == itemID && e.Location == loc && e.Status != inventory.MovementCancelled {
			sum = sum.Add(e.SignedQuantity())
		}
	}
	return sum
}

// ListExpiredReservations implements inventory.RepositoryPort.
func (s *Store) ListExpiredReservations(_ context.Context, before time.Time, limit int) ([]inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Reservation
	for _, res := range s.reservations {
		if res.Open() && res.ExpiresAt.Before(before) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Position returns the stored position, zero when absent.
func (s *Store) Position(itemID int64, loc inventory.Location) inventory.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[positionKey{itemID, loc}]; ok {
		return pos
	}
	return inventory.NewPosition(itemID, loc)
}

// Entries returns a copy of the ledger.
func (s *Store) Entries() []inventory.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// Reservations returns every reservation, released ones included.
func (s *Store) Reservations() []inventory.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Reservation, 0, len(s.reservations))
	for _, res := range s.reservations {
		out = append(out, res)
	}
	return out
}

// Expire moves every open reservation's expiry into the past.
func (s *Store) Expire(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, res := range s.reservations {
		res.ExpiresAt = at
		s.reservations[token] = res
	}
}

// RequireInvariants checks the balance and ledger reconciliation invariants on every position.
func (s *Store) RequireInvariants(t testing.TB) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, pos := range s.positions {
		want := pos.OnHand.Sub(pos.Reserved)
		if want.IsNegative() {
			want = decimal.Zero
		}
		require.Truef(t, pos.Available.Equal(want), "available %s != max(0, %s - %s) at %s", pos.Available, pos.OnHand, pos.Reserved, k.loc)
		require.False(t, pos.Reserved.IsNegative(), "reserved must not be negative")
		sum := s.ledgerSum(k.itemID, k.loc)
		require.Truef(t, sum.Equal(pos.OnHand), "ledger sum %s != on hand %s for item %d at %s", sum, pos.OnHand, k.itemID, k.loc)
	}
}

// Tx is the transactional view handed to callbacks.
type Tx struct {
	store *Store
}

// GetItem implements inventory.TxRepository.
func (tx *Tx) GetItem(_ context.Context, itemID int64) (inventory.Item, error) {
	item, ok := tx.store.items[itemID]
	if !ok {
		return inventory.Item{}, shared.ErrNotFound
	}
	return item, nil
}

// LockPosition implements inventory.TxRepository.
func (tx *Tx) LockPosition(_ context.Context, itemID int64, loc inventory.Location) (inventory.Position, error) {
	if tx.store.conflicts > 0 {
		tx.store.conflicts--
		return inventory.Position{}, &shared.ConcurrencyConflictError{Resource: "stock_positions"}
	}
	key := positionKey{itemID, loc}
	pos, ok := tx.store.positions[key]
	if !ok {
		pos = inventory.NewPosition(itemID, loc)
		tx.store.positions[key] = pos
	}
	return pos, nil
}

// PositionsAt returns every position stored at loc, ordered by item.
func (tx *Tx) PositionsAt(loc inventory.Location) []inventory.Position {
	var out []inventory.Position
	for k, pos := range tx.store.positions {
		if k.loc == loc {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// SavePosition implements inventory.TxRepository.
func (tx *Tx) SavePosition(_ context.Context, pos inventory.Position) error {
	tx.store.positions[positionKey{pos.ItemID, pos.Location}] = pos
	return nil
}

// ReadPosition implements inventory.TxRepository.
func (tx *Tx) ReadPosition(_ context.Context, itemID int64, loc inventory.Location) (inventory.Position, bool, error) {
	pos, ok := tx.store.positions[positionKey{itemID, loc}]
	return pos, ok, nil
}

// LedgerSum implements inventory.TxRepository.
func (tx *Tx) LedgerSum(_ context.Context, itemID int64, loc inventory.Location) (decimal.Decimal, error) {
	return tx.store.ledgerSum(itemID, loc), nil
}

// InsertLedgerEntry implements inventory.TxRepository.
func (tx *Tx) InsertLedgerEntry(_ context.Context, entry inventory.LedgerEntry) (int64, error) {
	for _, e := range tx.store.ledger {
		if e.Number == entry.Number {
			return 0, &shared.ConcurrencyConflictError{Resource: "stock_ledger.number"}
		}
	}
	tx.store.nextEntryID++
	entry.ID = tx.store.nextEntryID
	tx.store.ledger = append(tx.store.ledger, entry)
	return entry.ID, nil
}

// NextSequence implements inventory.SequenceAllocator.
func (tx *Tx) NextSequence(_ context.Context, prefix, bucket string) (int64, error) {
	key := prefix + "|" + bucket
	tx.store.sequences[key]++
	return tx.store.sequences[key], nil
}

// SetSequence primes a sequence bucket, for numbering tests.
func (s *Store) SetSequence(prefix, bucket string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[prefix+"|"+bucket] = seq
}

// InsertReservation implements inventory.TxRepository.
func (tx *Tx) InsertReservation(_ context.Context, res inventory.Reservation) error {
	tx.store.reservations[res.Token] = res
	return nil
}

// GetReservationForUpdate implements inventory.TxRepository.
func (tx *Tx) GetReservationForUpdate(_ context.Context, token uuid.UUID) (inventory.Reservation, error) {
	res, ok := tx.store.reservations[token]
	if !ok {
		return inventory.Reservation{}, shared.ErrNotFound
	}
	return res, nil
}

// ListOpenReservations implements inventory.TxRepository.
func (tx *Tx) ListOpenReservations(_ context.Context, ref inventory.Reference) ([]inventory.Reservation, error) {
	var out []inventory.Reservation
	for _, res := range tx.store.reservations {
		if res.Open() && res.Reference == ref {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkReservationReleased implements inventory.TxRepository.
func (tx *Tx) MarkReservationReleased(_ context.Context, token uuid.UUID, at time.Time) error {
	res, ok := tx.store.reservations[token]
	if !ok {
		return shared.ErrNotFound
	}
	if res.ReleasedAt == nil {
		released := at
		res.ReleasedAt = &released
		tx.store.reservations[token] = res
	}
	return nil
}
