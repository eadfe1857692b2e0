package stockcount

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
)

// TxRepository extends the inventory transaction with count persistence so adjustments and
// item status flips commit together.
type TxRepository interface {
	inventory.TxRepository

	CreateCount(ctx context.Context, c Count) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	// GetCountForUpdate loads the header with its items and locks the header row.
	GetCountForUpdate(ctx context.Context, id int64) (Count, error)
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time, actorID int64) error
	UpdateItem(ctx context.Context, item Item) error
	// SnapshotPositions reads positions at loc without locking them. An empty itemIDs returns
	// every position at loc; listed items without a position come back as zero positions.
	SnapshotPositions(ctx context.Context, loc inventory.Location, itemIDs []int64) ([]inventory.Position, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCount(ctx context.Context, id int64) (Count, error)
	ListCounts(ctx context.Context, filter ListFilter) ([]Count, error)
}
