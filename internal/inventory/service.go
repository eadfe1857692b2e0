package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards externally keyed requests against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder receives ledger activity counters.
type MetricsRecorder interface {
	ObserveMovement(movementType string)
	ObserveRejection(operation, reason string)
	ObserveRetry(operation string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeAdjustment bool
	MaxAttempts             int
	ReservationTTL          time.Duration
}

// Service coordinates inventory operations.
type Service struct {
	repo         RepositoryPort
	recorder     *Recorder
	reservations *ReservationManager
	audit        AuditPort
	idempotency  IdempotencyPort
	journal      JournalPublisher
	metrics      MetricsRecorder
	logger       *slog.Logger
	maxAttempts  int
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, journal JournalPublisher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Service{
		repo:         repo,
		recorder:     NewRecorder(RecorderConfig{AllowNegativeAdjustment: cfg.AllowNegativeAdjustment}),
		reservations: NewReservationManager(cfg.ReservationTTL),
		audit:        audit,
		idempotency:  idem,
		journal:      journal,
		logger:       logger,
		maxAttempts:  attempts,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m MetricsRecorder) *Service {
	s.metrics = m
	return s
}

// Recorder exposes the shared movement recorder for workflow services.
func (s *Service) Recorder() *Recorder { return s.recorder }

// Reservations exposes the shared reservation manager for workflow services.
func (s *Service) Reservations() *ReservationManager { return s.reservations }

// MaxAttempts reports the retry bound workflows should reuse.
func (s *Service) MaxAttempts() int { return s.maxAttempts }

// Receive books a purchase receipt into a location at the supplied unit cost.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (LedgerEntry, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return LedgerEntry{}, err
	}
	if in.UnitCost.IsNegative() {
		return LedgerEntry{}, shared.NewValidationError("unit_cost", "must not be negative")
	}
	var entry LedgerEntry
	err := s.idempotent(ctx, "receive", in.Code, func() error {
		return s.execute(ctx, "receive", func(ctx context.Context, tx TxRepository) error {
			var err error
			entry, err = s.recorder.Record(ctx, tx, MovementInput{
				ItemID:         in.ItemID,
				Location:       in.Location,
				Type:           MovementIn,
				Quantity:       in.Quantity,
				UnitCost:       in.UnitCost,
				Reference:      Reference{Kind: RefPurchase, ID: in.PurchaseID},
				DocumentNumber: in.Code,
				Note:           in.Note,
				ActorID:        in.ActorID,
			})
			return err
		})
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.afterCommit(ctx, "purchase", in.PurchaseID, in.Code, in.ActorID, entry)
	return entry, nil
}

// Issue consumes stock at a location, valued at the current average cost.
func (s *Service) Issue(ctx context.Context, in IssueInput) (LedgerEntry, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return LedgerEntry{}, err
	}
	var entry LedgerEntry
	err := s.idempotent(ctx, "issue", in.Code, func() error {
		return s.execute(ctx, "issue", func(ctx context.Context, tx TxRepository) error {
			var err error
			entry, err = s.recorder.Record(ctx, tx, MovementInput{
				ItemID:         in.ItemID,
				Location:       in.Location,
				Type:           MovementOut,
				Quantity:       in.Quantity,
				Reference:      in.Reference,
				DocumentNumber: in.Code,
				Note:           in.Note,
				ActorID:        in.ActorID,
			})
			return err
		})
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.afterCommit(ctx, string(in.Reference.Kind), in.Reference.ID, in.Code, in.ActorID, entry)
	return entry, nil
}

// Transfer moves stock between two locations as transfer_out + transfer_in at the source's
// average cost, sharing one TRF document number.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return TransferResult{}, err
	}
	if in.From == in.To {
		return TransferResult{}, shared.NewValidationError("to", "must differ from source location")
	}
	ref := Reference{Kind: RefTransfer, ID: in.TransferID}
	var result TransferResult
	err := s.idempotent(ctx, "transfer", in.Code, func() error {
		return s.execute(ctx, "transfer", func(ctx context.Context, tx TxRepository) error {
			now := time.Now().UTC()
			doc, err := NextNumber(ctx, tx, PrefixTransfer, now)
			if err != nil {
				return err
			}
			out, err := s.recorder.Record(ctx, tx, MovementInput{
				ItemID:         in.ItemID,
				Location:       in.From,
				Type:           MovementTransferOut,
				Quantity:       in.Quantity,
				Reference:      ref,
				DocumentNumber: doc,
				Note:           transferNote("to", in.To, in.Note),
				ActorID:        in.ActorID,
				At:             now,
			})
			if err != nil {
				return err
			}
			inbound, err := s.recorder.Record(ctx, tx, MovementInput{
				ItemID:         in.ItemID,
				Location:       in.To,
				Type:           MovementTransferIn,
				Quantity:       in.Quantity,
				UnitCost:       out.UnitCost,
				Reference:      ref,
				DocumentNumber: doc,
				Note:           transferNote("from", in.From, in.Note),
				ActorID:        in.ActorID,
				At:             now,
			})
			if err != nil {
				return err
			}
			result = TransferResult{DocumentNumber: doc, Out: out, In: inbound}
			return nil
		})
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.afterCommit(ctx, string(RefTransfer), in.TransferID, result.DocumentNumber, in.ActorID, result.Out, result.In)
	return result, nil
}

// Adjust applies a signed administrative adjustment under an ADJ document number.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (LedgerEntry, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return LedgerEntry{}, err
	}
	if in.Quantity.IsZero() {
		return LedgerEntry{}, shared.NewValidationError("quantity", "must not be zero")
	}
	if in.Quantity.IsPositive() && in.UnitCost != nil && in.UnitCost.IsNegative() {
		return LedgerEntry{}, shared.NewValidationError("unit_cost", "must not be negative")
	}
	cost, atAverage := decimal.Zero, in.UnitCost == nil
	if !atAverage {
		cost = *in.UnitCost
	}
	ref := in.Reference
	if ref.Kind == "" {
		ref = Reference{Kind: RefManual}
	}
	typ := MovementAdjustmentPlus
	if in.Quantity.IsNegative() {
		typ = MovementAdjustmentMinus
	}
	var entry LedgerEntry
	err := s.idempotent(ctx, "adjust", in.Code, func() error {
		return s.execute(ctx, "adjust", func(ctx context.Context, tx TxRepository) error {
			now := time.Now().UTC()
			doc, err := NextNumber(ctx, tx, PrefixAdjustment, now)
			if err != nil {
				return err
			}
			entry, err = s.recorder.Record(ctx, tx, MovementInput{
				ItemID:         in.ItemID,
				Location:       in.Location,
				Type:           typ,
				Quantity:       in.Quantity.Abs(),
				UnitCost:       cost,
				AtAverageCost:  atAverage,
				Reference:      ref,
				DocumentNumber: doc,
				Note:           in.Note,
				ActorID:        in.ActorID,
				At:             now,
			})
			return err
		})
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	refType := "adjustment"
	if ref.Kind != RefManual {
		refType = string(ref.Kind)
	}
	s.afterCommit(ctx, refType, ref.ID, entry.DocumentNumber, in.ActorID, entry)
	return entry, nil
}

// Reserve places a soft hold on available stock.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (Reservation, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Reservation{}, err
	}
	var res Reservation
	err := s.execute(ctx, "reserve", func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = s.reservations.Reserve(ctx, tx, in)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	s.logger.Info("stock reserved",
		slog.String("token", res.Token.String()),
		slog.Int64("item_id", res.ItemID),
		slog.String("location", res.Location.String()),
		slog.String("quantity", res.Quantity.String()))
	return res, nil
}

// Release frees a reservation. Releasing twice is a no-op.
func (s *Service) Release(ctx context.Context, token uuid.UUID) error {
	return s.execute(ctx, "release", func(ctx context.Context, tx TxRepository) error {
		_, err := s.reservations.Release(ctx, tx, token)
		return err
	})
}

// ExpireReservations releases reservations whose expiry passed before now.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.repo.ListExpiredReservations(ctx, now, shared.ClampLimit(limit, 500, 5000))
	if err != nil {
		return 0, err
	}
	released := 0
	for _, res := range expired {
		var ok bool
		err := s.execute(ctx, "reservation_expire", func(ctx context.Context, tx TxRepository) error {
			var err error
			ok, err = s.reservations.Release(ctx, tx, res.Token)
			return err
		})
		if err != nil {
			return released, fmt.Errorf("inventory: expire reservation %s: %w", res.Token, err)
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// GetPosition returns the live position, or a zero position when nothing moved yet.
func (s *Service) GetPosition(ctx context.Context, itemID int64, loc Location) (Position, error) {
	if err := loc.Validate(); err != nil {
		return Position{}, shared.NewValidationError("location", err.Error())
	}
	pos, ok, err := s.repo.GetPosition(ctx, itemID, loc)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return NewPosition(itemID, loc), nil
	}
	return pos, nil
}

// ListPositions lists positions by item and/or location.
func (s *Service) ListPositions(ctx context.Context, filter PositionFilter) ([]Position, error) {
	if filter.Location != nil {
		if err := filter.Location.Validate(); err != nil {
			return nil, shared.NewValidationError("location", err.Error())
		}
	}
	filter.Limit = shared.ClampLimit(filter.Limit, 100, 1000)
	return s.repo.ListPositions(ctx, filter)
}

// Ledger lists ledger entries in posting order.
func (s *Service) Ledger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	if filter.ItemID <= 0 && filter.Reference == nil {
		return nil, shared.NewValidationError("item_id", "is required unless a reference is given")
	}
	filter.Limit = shared.ClampLimit(filter.Limit, 200, 2000)
	return s.repo.ListLedger(ctx, filter)
}

// Reconcile compares the signed ledger sum with the position's on-hand quantity. Both are
// read in one transaction so a movement committing in between cannot skew the comparison.
func (s *Service) Reconcile(ctx context.Context, itemID int64, loc Location) (Reconciliation, error) {
	if err := loc.Validate(); err != nil {
		return Reconciliation{}, shared.NewValidationError("location", err.Error())
	}
	var (
		pos Position
		sum decimal.Decimal
	)
	err := s.execute(ctx, "reconcile", func(ctx context.Context, tx TxRepository) error {
		found, ok, err := tx.ReadPosition(ctx, itemID, loc)
		if err != nil {
			return err
		}
		pos = found
		if !ok {
			pos = NewPosition(itemID, loc)
		}
		sum, err = tx.LedgerSum(ctx, itemID, loc)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		ItemID:    itemID,
		Location:  loc,
		LedgerSum: sum,
		OnHand:    pos.OnHand,
		Matches:   sum.Equal(pos.OnHand),
	}, nil
}

// AllocateNumber hands out the next document number for prefix, for collaborators that
// share the numbering contract (purchase orders, for example).
func (s *Service) AllocateNumber(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", shared.NewValidationError("prefix", "is required")
	}
	var number string
	err := s.execute(ctx, "allocate_number", func(ctx context.Context, tx TxRepository) error {
		var err error
		number, err = NextNumber(ctx, tx, prefix, time.Now().UTC())
		return err
	})
	return number, err
}

func (s *Service) execute(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	err := Retry(ctx, s.maxAttempts, func(attempt int) error {
		if attempt > 1 {
			s.observeRetry(op)
			s.logger.Warn("retrying stock operation", slog.String("operation", op), slog.Int("attempt", attempt))
		}
		return s.repo.WithTx(ctx, fn)
	})
	if err != nil {
		s.observeFailure(op, err)
	}
	return err
}

func (s *Service) idempotent(ctx context.Context, op, code string, fn func() error) error {
	if s.idempotency == nil || code == "" {
		return fn()
	}
	key := fmt.Sprintf("inventory:%s:%s", op, code)
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = s.idempotency.Delete(ctx, key)
		return err
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, refType string, refID int64, document string, actorID int64, entries ...LedgerEntry) {
	for _, e := range entries {
		if s.metrics != nil {
			s.metrics.ObserveMovement(string(e.Type))
		}
		if s.audit != nil {
			if err := s.audit.Record(ctx, shared.AuditLog{
				ActorID:  actorID,
				Action:   fmt.Sprintf("inventory:%s", e.Type),
				Entity:   "stock_ledger",
				EntityID: e.Number,
				Meta: map[string]any{
					"item_id":  e.ItemID,
					"location": e.Location.String(),
					"quantity": e.Quantity.String(),
					"balance":  e.BalanceAfter.String(),
					"document": e.DocumentNumber,
				},
			}); err != nil {
				s.logger.Warn("audit stock movement", slog.String("entry", e.Number), slog.Any("error", err))
			}
		}
	}
	if s.journal == nil {
		return
	}
	posting := NewJournalPosting(refType, refID, document, actorID, entries...)
	if err := s.journal.PublishJournal(ctx, posting); err != nil {
		s.logger.Error("publish journal posting",
			slog.String("reference_type", refType),
			slog.Int64("reference_id", refID),
			slog.Any("error", err))
	}
}

func (s *Service) observeRetry(op string) {
	if s.metrics != nil {
		s.metrics.ObserveRetry(op)
	}
}

func (s *Service) observeFailure(op string, err error) {
	var stockErr *shared.InsufficientStockError
	if errors.As(err, &stockErr) {
		s.logger.Warn("stock movement rejected",
			slog.String("operation", op),
			slog.Int64("item_id", stockErr.ItemID),
			slog.String("location", stockErr.Location),
			slog.String("requested", stockErr.Requested),
			slog.String("available", stockErr.Available))
	}
	if s.metrics != nil {
		s.metrics.ObserveRejection(op, ErrorReason(err))
	}
}

// ErrorReason maps an error onto a short metric label.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return "validation"
	case errors.Is(err, shared.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, shared.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, shared.ErrRetryExhausted), errors.Is(err, shared.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, shared.ErrReferentialIntegrity):
		return "referential"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	}
	return "internal"
}

func transferNote(dir string, loc Location, note string) string {
	if note == "" {
		return fmt.Sprintf("Transfer %s %s", dir, loc)
	}
	return fmt.Sprintf("Transfer %s %s: %s", dir, loc, note)
}

// Sum adds the signed quantities of entries.
func Sum(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.SignedQuantity())
	}
	return total
}
