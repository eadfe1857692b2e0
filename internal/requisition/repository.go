package requisition

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
)

// TxRepository extends the inventory transaction with request persistence so status changes
// and stock movements commit together.
type TxRepository interface {
	inventory.TxRepository

	CreateRequest(ctx context.Context, req Request) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	DeleteItems(ctx context.Context, requestID int64) error
	// GetRequestForUpdate loads the request with items and rounds and locks the header.
	GetRequestForUpdate(ctx context.Context, id int64) (Request, error)
	InsertApprovalRound(ctx context.Context, round ApprovalRound) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time, note string) error
	SetIssued(ctx context.Context, requestItemID int64, issued, unitCost decimal.Decimal) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id int64) (Request, error)
	ListRequests(ctx context.Context, filter ListFilter) ([]Request, error)
}
