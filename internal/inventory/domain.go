package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LocationKind distinguishes the central warehouse from department stores.
type LocationKind string

const (
	// LocationCentral is the top-level warehouse with no owning department.
	LocationCentral LocationKind = "central"
	// LocationDepartment is a consuming department's store.
	LocationDepartment LocationKind = "department"
)

// Location identifies a stock keeping location.
type Location struct {
	Kind         LocationKind
	DepartmentID int64
}

// Central returns the central warehouse location.
func Central() Location { return Location{Kind: LocationCentral} }

// Department returns the location of the given department.
func Department(id int64) Location { return Location{Kind: LocationDepartment, DepartmentID: id} }

// IsCentral reports whether l is the central warehouse.
func (l Location) IsCentral() bool { return l.Kind == LocationCentral }

// Validate checks the kind/department pairing.
func (l Location) Validate() error {
	switch l.Kind {
	case LocationCentral:
		if l.DepartmentID != 0 {
			return errors.New("inventory: central location cannot carry a department")
		}
		return nil
	case LocationDepartment:
		if l.DepartmentID <= 0 {
			return errors.New("inventory: department location requires department id")
		}
		return nil
	}
	return fmt.Errorf("inventory: unknown location kind %q", l.Kind)
}

func (l Location) String() string {
	if l.Kind == LocationDepartment {
		return fmt.Sprintf("department:%d", l.DepartmentID)
	}
	return string(LocationCentral)
}

// ParseLocation reverses Location.String.
func ParseLocation(s string) (Location, error) {
	if s == string(LocationCentral) || s == "" {
		return Central(), nil
	}
	var id int64
	if _, err := fmt.Sscanf(s, "department:%d", &id); err != nil {
		return Location{}, fmt.Errorf("inventory: invalid location %q", s)
	}
	loc := Department(id)
	return loc, loc.Validate()
}

// MovementType enumerates ledger movement kinds.
type MovementType string

const (
	MovementIn              MovementType = "in"
	MovementOut             MovementType = "out"
	MovementTransferIn      MovementType = "transfer_in"
	MovementTransferOut     MovementType = "transfer_out"
	MovementAdjustmentPlus  MovementType = "adjustment_plus"
	MovementAdjustmentMinus MovementType = "adjustment_minus"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementTransferIn, MovementTransferOut, MovementAdjustmentPlus, MovementAdjustmentMinus:
		return true
	}
	return false
}

// Inbound reports whether t increases on-hand quantity.
func (t MovementType) Inbound() bool {
	return t == MovementIn || t == MovementTransferIn || t == MovementAdjustmentPlus
}

// Prefix returns the movement number prefix.
func (t MovementType) Prefix() string {
	switch t {
	case MovementIn:
		return PrefixStockIn
	case MovementOut:
		return PrefixStockOut
	case MovementTransferIn:
		return PrefixTransferIn
	case MovementTransferOut:
		return PrefixTransferOut
	case MovementAdjustmentPlus:
		return PrefixAdjustPlus
	case MovementAdjustmentMinus:
		return PrefixAdjustMinus
	}
	return ""
}

// MovementStatus tracks a ledger entry's own small life cycle.
type MovementStatus string

const (
	MovementPending   MovementStatus = "pending"
	MovementApproved  MovementStatus = "approved"
	MovementCompleted MovementStatus = "completed"
	MovementCancelled MovementStatus = "cancelled"
)

// CanTransitionTo checks the entry status life cycle.
func (s MovementStatus) CanTransitionTo(target MovementStatus) bool {
	switch s {
	case MovementPending:
		return target == MovementApproved || target == MovementCancelled
	case MovementApproved:
		return target == MovementCompleted || target == MovementCancelled
	}
	return false
}

// ReferenceKind enumerates the workflow objects a movement may originate from.
type ReferenceKind string

const (
	RefRequisition    ReferenceKind = "requisition"
	RefStockCountItem ReferenceKind = "stock_count_item"
	RefPurchase       ReferenceKind = "purchase"
	RefTransfer       ReferenceKind = "transfer"
	RefManual         ReferenceKind = "manual"
)

// Reference points at the originating workflow object.
type Reference struct {
	Kind ReferenceKind
	ID   int64
}

// Validate requires a known kind and, except for manual adjustments, a positive id.
func (r Reference) Validate() error {
	switch r.Kind {
	case RefRequisition, RefStockCountItem, RefPurchase, RefTransfer:
		if r.ID <= 0 {
			return fmt.Errorf("inventory: %s reference requires id", r.Kind)
		}
		return nil
	case RefManual:
		return nil
	}
	return fmt.Errorf("inventory: unknown reference kind %q", r.Kind)
}

func (r Reference) String() string { return fmt.Sprintf("%s:%d", r.Kind, r.ID) }

// Item is the catalog entry referenced by positions and ledger entries.
type Item struct {
	ID               int64
	Code             string
	Name             string
	Unit             string
	PackSize         decimal.Decimal
	ReorderLevel     decimal.Decimal
	SafetyStock      decimal.Decimal
	StandardCost     decimal.Decimal
	Controlled       bool
	RequiresApproval bool
}

// Position is the live per-(item, location) stock aggregate.
type Position struct {
	ItemID     int64
	Location   Location
	OnHand     decimal.Decimal
	Reserved   decimal.Decimal
	Available  decimal.Decimal
	AvgCost    decimal.Decimal
	TotalValue decimal.Decimal
	UpdatedAt  time.Time
}

// LedgerEntry is an immutable record of one quantity change.
type LedgerEntry struct {
	ID             int64
	Number         string
	DocumentNumber string
	ItemID         int64
	Location       Location
	Type           MovementType
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	TotalCost      decimal.Decimal
	Reference      Reference
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	MovementDate   time.Time
	CreatedBy      int64
	Status         MovementStatus
	Note           string
	CreatedAt      time.Time
}

// SignedQuantity returns the quantity with the movement's direction applied.
func (e LedgerEntry) SignedQuantity() decimal.Decimal {
	if e.Type.Inbound() {
		return e.Quantity
	}
	return e.Quantity.Neg()
}

// Transition moves the entry along its status life cycle.
func (e *LedgerEntry) Transition(to MovementStatus) error {
	if !e.Status.CanTransitionTo(to) {
		return fmt.Errorf("inventory: ledger entry %s cannot move from %s to %s", e.Number, e.Status, to)
	}
	e.Status = to
	return nil
}

// Reservation is a soft hold on available quantity.
type Reservation struct {
	Token      uuid.UUID
	ItemID     int64
	Location   Location
	Quantity   decimal.Decimal
	Reference  Reference
	CreatedBy  int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ReleasedAt *time.Time
}

// Open reports whether the reservation still holds stock.
func (r Reservation) Open() bool { return r.ReleasedAt == nil }

// PositionFilter narrows position listings.
type PositionFilter struct {
	ItemID   int64
	Location *Location
	Limit    int
	Offset   int
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	ItemID    int64
	Location  *Location
	Reference *Reference
	From      time.Time
	To        time.Time
	Limit     int
}

// Reconciliation compares the ledger against the live position.
type Reconciliation struct {
	ItemID    int64
	Location  Location
	LedgerSum decimal.Decimal
	OnHand    decimal.Decimal
	Matches   bool
}

// ReceiveInput is used for purchase receipts into a location.
type ReceiveInput struct {
	Code       string
	ItemID     int64 `validate:"gt=0"`
	Location   Location
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	PurchaseID int64 `validate:"gt=0"`
	Note       string
	ActorID    int64
}

// IssueInput consumes stock at a location.
type IssueInput struct {
	Code      string
	ItemID    int64 `validate:"gt=0"`
	Location  Location
	Quantity  decimal.Decimal
	Reference Reference
	Note      string
	ActorID   int64
}

// TransferInput moves stock between locations.
type TransferInput struct {
	Code       string
	ItemID     int64 `validate:"gt=0"`
	From       Location
	To         Location
	Quantity   decimal.Decimal
	TransferID int64 `validate:"gt=0"`
	Note       string
	ActorID    int64
}

// AdjustInput describes an administrative adjustment; Quantity is signed.
type AdjustInput struct {
	Code     string
	ItemID   int64 `validate:"gt=0"`
	Location Location
	Quantity decimal.Decimal
	// UnitCost prices a positive adjustment; nil books it at the position's current average.
	UnitCost  *decimal.Decimal
	Reference Reference
	Note      string
	ActorID   int64
}

// ReserveInput requests a soft hold.
type ReserveInput struct {
	ItemID    int64 `validate:"gt=0"`
	Location  Location
	Quantity  decimal.Decimal
	Reference Reference
	TTL       time.Duration
	ActorID   int64
}

// TransferResult groups both legs of a transfer.
type TransferResult struct {
	DocumentNumber string
	Out            LedgerEntry
	In             LedgerEntry
}
