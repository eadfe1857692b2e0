package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxRepository exposes the row-level operations a movement needs inside one transaction.
type TxRepository interface {
	SequenceAllocator

	GetItem(ctx context.Context, itemID int64) (Item, error)
	// LockPosition returns the (item, location) position, creating a zero row first when
	// none exists, and holds an exclusive lock on it until the transaction ends.
	LockPosition(ctx context.Context, itemID int64, loc Location) (Position, error)
	SavePosition(ctx context.Context, pos Position) error
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error)
	// ReadPosition and LedgerSum read without locking, from the transaction's snapshot.
	ReadPosition(ctx context.Context, itemID int64, loc Location) (Position, bool, error)
	LedgerSum(ctx context.Context, itemID int64, loc Location) (decimal.Decimal, error)

	InsertReservation(ctx context.Context, res Reservation) error
	GetReservationForUpdate(ctx context.Context, token uuid.UUID) (Reservation, error)
	ListOpenReservations(ctx context.Context, ref Reference) ([]Reservation, error)
	MarkReservationReleased(ctx context.Context, token uuid.UUID, at time.Time) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPosition(ctx context.Context, itemID int64, loc Location) (Position, bool, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]Position, error)
	ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
}
