package requisition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Module names the workflow in approval logs and notifications.
const Module = "requisition"

// Status is the stock request lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusCancelled
}

// Priority ranks requests for the central store.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Action names a workflow transition.
type Action string

const (
	ActionUpdate   Action = "update"
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionComplete Action = "complete"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
)

var allowedFrom = map[Action][]Status{
	ActionUpdate:   {StatusDraft},
	ActionSubmit:   {StatusDraft},
	ActionApprove:  {StatusSubmitted, StatusApproved},
	ActionComplete: {StatusApproved},
	ActionReject:   {StatusSubmitted, StatusApproved},
	ActionCancel:   {StatusDraft, StatusSubmitted},
}

// Request is the stock request header with its items and approval history.
type Request struct {
	ID           int64
	Number       string
	RequesterID  int64
	DepartmentID int64
	Status       Status
	Priority     Priority
	Note         string
	RejectReason string
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	ApprovedAt   *time.Time
	CompletedAt  *time.Time
	Items        []Item
	Rounds       []ApprovalRound
}

// Item is one requested catalog item. QuantityApproved is the sum of approval-round deltas.
type Item struct {
	ID                int64
	RequestID         int64
	ItemID            int64
	QuantityRequested decimal.Decimal
	QuantityApproved  decimal.Decimal
	QuantityIssued    decimal.Decimal
	UnitCost          decimal.Decimal
	Note              string
}

// Remaining is the quantity still open for approval.
func (i Item) Remaining() decimal.Decimal {
	return i.QuantityRequested.Sub(i.QuantityApproved)
}

// Outstanding is the approved quantity not yet issued.
func (i Item) Outstanding() decimal.Decimal {
	return i.QuantityApproved.Sub(i.QuantityIssued)
}

// ApprovalRound is one append-only approval decision.
type ApprovalRound struct {
	ID         int64
	RequestID  int64
	ApproverID int64
	ApprovedAt time.Time
	Note       string
	Lines      []ApprovalLine
}

// ApprovalLine is the quantity a round approved for one request item.
type ApprovalLine struct {
	RequestItemID int64
	Quantity      decimal.Decimal
}

// Reference returns the ledger reference for movements produced by r.
func (r Request) Reference() inventory.Reference {
	return inventory.Reference{Kind: inventory.RefRequisition, ID: r.ID}
}

// Department returns the receiving location.
func (r Request) Department() inventory.Location {
	return inventory.Department(r.DepartmentID)
}

// HasRemaining reports whether any item can still be approved further.
func (r Request) HasRemaining() bool {
	for _, it := range r.Items {
		if it.Remaining().IsPositive() {
			return true
		}
	}
	return false
}

// Item looks up a request item by id.
func (r Request) Item(id int64) (Item, bool) {
	for _, it := range r.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// ApplyRounds recomputes every item's approved quantity from the approval rounds.
func (r *Request) ApplyRounds() {
	approved := make(map[int64]decimal.Decimal, len(r.Items))
	for _, round := range r.Rounds {
		for _, line := range round.Lines {
			approved[line.RequestItemID] = approved[line.RequestItemID].Add(line.Quantity)
		}
	}
	for i := range r.Items {
		r.Items[i].QuantityApproved = approved[r.Items[i].ID]
	}
}

// CanApply checks whether action is permitted from the current status.
func (r Request) CanApply(action Action) error {
	for _, s := range allowedFrom[action] {
		if r.Status != s {
			continue
		}
		if action == ActionApprove && s == StatusApproved && !r.HasRemaining() {
			break
		}
		return nil
	}
	return &shared.InvalidTransitionError{Entity: Module, ID: r.ID, From: string(r.Status), Action: string(action)}
}

// CreateInput describes a new draft request.
type CreateInput struct {
	RequesterID  int64 `validate:"gt=0"`
	DepartmentID int64 `validate:"gt=0"`
	Priority     Priority
	Note         string
	Items        []ItemInput
}

// ItemInput is one requested line.
type ItemInput struct {
	ItemID   int64 `validate:"gt=0"`
	Quantity decimal.Decimal
	Note     string
}

// ApproveInput is one approval round. Items left out are skipped.
type ApproveInput struct {
	RequestID  int64 `validate:"gt=0"`
	ApproverID int64 `validate:"gt=0"`
	Note       string
	Lines      []ApprovalLine
}

// ListFilter narrows request listings.
type ListFilter struct {
	Status       Status
	DepartmentID int64
	Limit        int
	Offset       int
}

func validateItems(items []ItemInput) error {
	seen := make(map[int64]bool, len(items))
	for i, it := range items {
		if err := shared.ValidateStruct(it); err != nil {
			return err
		}
		if !it.Quantity.IsPositive() {
			return shared.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be greater than 0")
		}
		if err := inventory.CheckScale(fmt.Sprintf("items[%d].quantity", i), it.Quantity); err != nil {
			return err
		}
		if seen[it.ItemID] {
			return shared.NewValidationError(fmt.Sprintf("items[%d].item_id", i), "is listed twice")
		}
		seen[it.ItemID] = true
	}
	return nil
}

func normalisePriority(p Priority) (Priority, error) {
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", shared.NewValidationError("priority", "must be one of low normal high urgent")
}
