package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// MovementInput is everything the recorder needs to append one ledger entry.
type MovementInput struct {
	ItemID   int64
	Location Location
	Type     MovementType
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	// AtAverageCost prices an inbound movement at the locked position's average instead of UnitCost.
	AtAverageCost  bool
	Reference      Reference
	DocumentNumber string
	Note           string
	ActorID        int64
	At             time.Time
}

// RecorderConfig groups recorder policy switches.
type RecorderConfig struct {
	// AllowNegativeAdjustment lets adjustment_minus drive on-hand below zero.
	AllowNegativeAdjustment bool
}

// Recorder is the only code path that mutates a Position.
type Recorder struct {
	allowNegative bool
}

// NewRecorder builds a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	return &Recorder{allowNegative: cfg.AllowNegativeAdjustment}
}

// Record validates, values and appends one movement, updating the locked position in the
// same transaction. Callers own the transaction boundary.
func (r *Recorder) Record(ctx context.Context, tx TxRepository, in MovementInput) (LedgerEntry, error) {
	if err := validateMovement(in); err != nil {
		return LedgerEntry{}, err
	}
	if _, err := tx.GetItem(ctx, in.ItemID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return LedgerEntry{}, &shared.ReferentialIntegrityError{Entity: "item", ID: in.ItemID}
		}
		return LedgerEntry{}, err
	}

	pos, err := tx.LockPosition(ctx, in.ItemID, in.Location)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := r.checkAvailability(pos, in); err != nil {
		return LedgerEntry{}, err
	}

	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	cost := in.UnitCost
	if in.AtAverageCost {
		cost = pos.AvgCost
	}
	valuation := Value(pos, in.Type, in.Quantity, cost)
	before := pos.OnHand
	pos.apply(in.Type, in.Quantity, valuation)
	pos.UpdatedAt = at

	number, err := NextNumber(ctx, tx, in.Type.Prefix(), at)
	if err != nil {
		return LedgerEntry{}, err
	}
	entry := LedgerEntry{
		Number:         number,
		DocumentNumber: in.DocumentNumber,
		ItemID:         in.ItemID,
		Location:       in.Location,
		Type:           in.Type,
		Quantity:       in.Quantity,
		UnitCost:       valuation.UnitCost,
		TotalCost:      valuation.TotalCost,
		Reference:      in.Reference,
		BalanceBefore:  before,
		BalanceAfter:   pos.OnHand,
		MovementDate:   at,
		CreatedBy:      in.ActorID,
		Status:         MovementCompleted,
		Note:           in.Note,
		CreatedAt:      at,
	}
	id, err := tx.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("inventory: insert ledger entry: %w", err)
	}
	entry.ID = id
	if err := tx.SavePosition(ctx, pos); err != nil {
		return LedgerEntry{}, fmt.Errorf("inventory: save position: %w", err)
	}
	return entry, nil
}

func (r *Recorder) checkAvailability(pos Position, in MovementInput) error {
	switch in.Type {
	case MovementOut, MovementTransferOut:
		if pos.Available.LessThan(in.Quantity) {
			return insufficient(in, pos.Available)
		}
	case MovementAdjustmentMinus:
		if !r.allowNegative && pos.OnHand.LessThan(in.Quantity) {
			return insufficient(in, pos.OnHand)
		}
	}
	return nil
}

func insufficient(in MovementInput, available decimal.Decimal) error {
	if available.IsNegative() {
		available = decimal.Zero
	}
	return &shared.InsufficientStockError{
		ItemID:    in.ItemID,
		Location:  in.Location.String(),
		Requested: in.Quantity.String(),
		Available: available.String(),
	}
}

func validateMovement(in MovementInput) error {
	if in.ItemID <= 0 {
		return shared.NewValidationError("item_id", "must be greater than 0")
	}
	if !in.Type.Valid() {
		return shared.NewValidationError("movement_type", fmt.Sprintf("unknown type %q", in.Type))
	}
	if !in.Quantity.IsPositive() {
		return shared.NewValidationError("quantity", "must be greater than 0")
	}
	if err := CheckScale("quantity", in.Quantity); err != nil {
		return err
	}
	if in.Type.Inbound() && !in.AtAverageCost {
		if in.UnitCost.IsNegative() {
			return shared.NewValidationError("unit_cost", "must not be negative")
		}
		if err := CheckScale("unit_cost", in.UnitCost); err != nil {
			return err
		}
	}
	if err := in.Location.Validate(); err != nil {
		return shared.NewValidationError("location", err.Error())
	}
	if err := in.Reference.Validate(); err != nil {
		return shared.NewValidationError("reference", err.Error())
	}
	return nil
}

// CheckScale rejects values carrying more decimal places than the ledger columns keep.
func CheckScale(field string, v decimal.Decimal) error {
	if !v.Equal(v.Truncate(CostPrecision)) {
		return shared.NewValidationError(field, fmt.Sprintf("must have at most %d decimal places", CostPrecision))
	}
	return nil
}
