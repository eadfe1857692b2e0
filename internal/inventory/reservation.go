package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// DefaultReservationTTL applies when a reservation request carries no TTL.
const DefaultReservationTTL = 24 * time.Hour

// ReservationManager places and releases soft holds. It never changes on-hand quantity.
type ReservationManager struct {
	defaultTTL time.Duration
	now        func() time.Time
}

// NewReservationManager builds a ReservationManager.
func NewReservationManager(defaultTTL time.Duration) *ReservationManager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultReservationTTL
	}
	return &ReservationManager{defaultTTL: defaultTTL, now: func() time.Time { return time.Now().UTC() }}
}

// Reserve holds quantity on the locked position or fails with InsufficientStockError
// without touching it.
func (m *ReservationManager) Reserve(ctx context.Context, tx TxRepository, in ReserveInput) (Reservation, error) {
	if !in.Quantity.IsPositive() {
		return Reservation{}, shared.NewValidationError("quantity", "must be greater than 0")
	}
	if err := CheckScale("quantity", in.Quantity); err != nil {
		return Reservation{}, err
	}
	if err := in.Location.Validate(); err != nil {
		return Reservation{}, shared.NewValidationError("location", err.Error())
	}
	if err := in.Reference.Validate(); err != nil {
		return Reservation{}, shared.NewValidationError("reference", err.Error())
	}
	if _, err := tx.GetItem(ctx, in.ItemID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Reservation{}, &shared.ReferentialIntegrityError{Entity: "item", ID: in.ItemID}
		}
		return Reservation{}, err
	}
	pos, err := tx.LockPosition(ctx, in.ItemID, in.Location)
	if err != nil {
		return Reservation{}, err
	}
	if !pos.Reserve(in.Quantity) {
		return Reservation{}, &shared.InsufficientStockError{
			ItemID:    in.ItemID,
			Location:  in.Location.String(),
			Requested: in.Quantity.String(),
			Available: pos.Available.String(),
		}
	}
	now := m.now()
	pos.UpdatedAt = now
	if err := tx.SavePosition(ctx, pos); err != nil {
		return Reservation{}, fmt.Errorf("inventory: save position: %w", err)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	res := Reservation{
		Token:     uuid.New(),
		ItemID:    in.ItemID,
		Location:  in.Location,
		Quantity:  in.Quantity,
		Reference: in.Reference,
		CreatedBy: in.ActorID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := tx.InsertReservation(ctx, res); err != nil {
		return Reservation{}, fmt.Errorf("inventory: insert reservation: %w", err)
	}
	return res, nil
}

// Release returns the reservation's quantity to available stock. Releasing an already
// released reservation reports false and changes nothing.
func (m *ReservationManager) Release(ctx context.Context, tx TxRepository, token uuid.UUID) (bool, error) {
	res, err := tx.GetReservationForUpdate(ctx, token)
	if err != nil {
		return false, err
	}
	if !res.Open() {
		return false, nil
	}
	return true, m.release(ctx, tx, res)
}

// ReleaseByReference releases every open reservation held for ref and returns the total
// quantity released.
func (m *ReservationManager) ReleaseByReference(ctx context.Context, tx TxRepository, ref Reference) (decimal.Decimal, error) {
	open, err := tx.ListOpenReservations(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, res := range open {
		if err := m.release(ctx, tx, res); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(res.Quantity)
	}
	return total, nil
}

func (m *ReservationManager) release(ctx context.Context, tx TxRepository, res Reservation) error {
	pos, err := tx.LockPosition(ctx, res.ItemID, res.Location)
	if err != nil {
		return err
	}
	now := m.now()
	pos.Release(res.Quantity)
	pos.UpdatedAt = now
	if err := tx.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("inventory: save position: %w", err)
	}
	return tx.MarkReservationReleased(ctx, res.Token, now)
}
