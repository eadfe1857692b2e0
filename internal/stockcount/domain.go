package stockcount

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Module names the workflow in approval logs, notifications and journal postings.
const Module = "stock_count"

// Status is the count header lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved"
	StatusFinalized  Status = "finalized"
	StatusCancelled  Status = "cancelled"
)

// ItemStatus tracks one counted line.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemCounted  ItemStatus = "counted"
	ItemVerified ItemStatus = "verified"
	ItemAdjusted ItemStatus = "adjusted"
)

// Action names a workflow step.
type Action string

const (
	ActionStart    Action = "start"
	ActionRecord   Action = "record"
	ActionVerify   Action = "verify"
	ActionComplete Action = "complete"
	ActionApprove  Action = "approve"
	ActionFinalize Action = "finalize"
	ActionCancel   Action = "cancel"
)

var allowedFrom = map[Action][]Status{
	ActionStart:    {StatusPending},
	ActionRecord:   {StatusInProgress},
	ActionVerify:   {StatusInProgress, StatusCompleted},
	ActionComplete: {StatusInProgress},
	ActionApprove:  {StatusCompleted},
	ActionFinalize: {StatusApproved},
	ActionCancel:   {StatusPending, StatusInProgress},
}

// Count is a physical stock count of one location.
type Count struct {
	ID          int64
	Number      string
	Location    inventory.Location
	CountDate   time.Time
	Status      Status
	Note        string
	CreatedBy   int64
	ApprovedBy  int64
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ApprovedAt  *time.Time
	FinalizedAt *time.Time
	Items       []Item
}

// Item is one catalog item inside a count. SystemQuantity and UnitCost are snapshots taken
// when the count was created and are never refreshed.
type Item struct {
	ID              int64
	CountID         int64
	ItemID          int64
	SystemQuantity  decimal.Decimal
	CountedQuantity decimal.Decimal
	Variance        decimal.Decimal
	UnitCost        decimal.Decimal
	Status          ItemStatus
	Note            string
	CountedBy       int64
	CountedAt       *time.Time
	VerifiedBy      int64
	AdjustmentEntry string
}

// Reference returns the ledger reference of adjustments produced by the item.
func (i Item) Reference() inventory.Reference {
	return inventory.Reference{Kind: inventory.RefStockCountItem, ID: i.ID}
}

// VarianceValue is the variance valued at the snapshot cost.
func (i Item) VarianceValue() decimal.Decimal {
	return i.Variance.Mul(i.UnitCost).Round(inventory.CostPrecision)
}

// CanApply checks whether action is permitted from the current header status.
func (c Count) CanApply(action Action) error {
	for _, s := range allowedFrom[action] {
		if c.Status == s {
			return nil
		}
	}
	return &shared.InvalidTransitionError{Entity: Module, ID: c.ID, From: string(c.Status), Action: string(action)}
}

// Item looks up a count line by its id.
func (c Count) Item(id int64) (Item, int, bool) {
	for i, it := range c.Items {
		if it.ID == id {
			return it, i, true
		}
	}
	return Item{}, -1, false
}

// Uncounted returns the lines still waiting for a physical count.
func (c Count) Uncounted() []Item {
	var out []Item
	for _, it := range c.Items {
		if it.Status == ItemPending {
			out = append(out, it)
		}
	}
	return out
}

// Summary aggregates the variance of a count.
type Summary struct {
	Items         int
	Counted       int
	Verified      int
	Adjusted      int
	WithVariance  int
	VarianceValue decimal.Decimal
}

// Summarize aggregates item statuses and valued variance.
func (c Count) Summarize() Summary {
	s := Summary{Items: len(c.Items), VarianceValue: decimal.Zero}
	for _, it := range c.Items {
		switch it.Status {
		case ItemCounted:
			s.Counted++
		case ItemVerified:
			s.Counted++
			s.Verified++
		case ItemAdjusted:
			s.Counted++
			s.Verified++
			s.Adjusted++
		}
		if it.Status != ItemPending && !it.Variance.IsZero() {
			s.WithVariance++
			s.VarianceValue = s.VarianceValue.Add(it.VarianceValue())
		}
	}
	return s
}

// CreateInput opens a count. An empty ItemIDs snapshots every position held at Location.
type CreateInput struct {
	Location  inventory.Location
	CountDate time.Time
	ItemIDs   []int64
	Note      string
	ActorID   int64 `validate:"gt=0"`
}

// RecordInput captures one physical count.
type RecordInput struct {
	CountID     int64 `validate:"gt=0"`
	CountItemID int64 `validate:"gt=0"`
	Counted     decimal.Decimal
	Note        string
	ActorID     int64 `validate:"gt=0"`
}

// ListFilter narrows count listings.
type ListFilter struct {
	Status   Status
	Location *inventory.Location
	Limit    int
	Offset   int
}

func validateCreate(in CreateInput) error {
	if err := shared.ValidateStruct(in); err != nil {
		return err
	}
	if err := in.Location.Validate(); err != nil {
		return shared.NewValidationError("location", err.Error())
	}
	seen := make(map[int64]bool, len(in.ItemIDs))
	for i, id := range in.ItemIDs {
		if id <= 0 {
			return shared.NewValidationError(fmt.Sprintf("item_ids[%d]", i), "must be greater than 0")
		}
		if seen[id] {
			return shared.NewValidationError(fmt.Sprintf("item_ids[%d]", i), "is listed twice")
		}
		seen[id] = true
	}
	return nil
}
