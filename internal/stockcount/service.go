package stockcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// ApprovalPort records and reads approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	History(ctx context.Context, module string, documentID int64) ([]shared.ApprovalLog, error)
}

// Notifier forwards transition events to the notification service.
type Notifier interface {
	NotifyTransition(ctx context.Context, evt shared.TransitionEvent) error
}

// Locker serialises finalization of one count across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Metrics receives workflow counters.
type Metrics interface {
	ObserveMovement(movementType string)
	ObserveTransition(module, action string)
	ObserveRejection(operation, reason string)
	ObserveRetry(operation string)
}

// Config groups stock count policy.
type Config struct {
	MaxAttempts int
	// LockTTL bounds how long a finalize may hold the count lock.
	LockTTL time.Duration
}

// Service drives the stock count workflow.
type Service struct {
	repo      RepositoryPort
	recorder  *inventory.Recorder
	approvals ApprovalPort
	notifier  Notifier
	journal   inventory.JournalPublisher
	locker    Locker
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService builds Service around the shared movement recorder.
func NewService(repo RepositoryPort, recorder *inventory.Recorder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = inventory.DefaultMaxAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Service{
		repo:     repo,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithApprovals attaches the approval recorder.
func (s *Service) WithApprovals(a ApprovalPort) *Service { s.approvals = a; return s }

// WithNotifier attaches the notification publisher.
func (s *Service) WithNotifier(n Notifier) *Service { s.notifier = n; return s }

// WithJournal attaches the accounting journal publisher.
func (s *Service) WithJournal(j inventory.JournalPublisher) *Service { s.journal = j; return s }

// WithLocker attaches the distributed finalize lock.
func (s *Service) WithLocker(l Locker) *Service { s.locker = l; return s }

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service { s.metrics = m; return s }

// Create opens a pending count and snapshots system quantity and average cost per item.
func (s *Service) Create(ctx context.Context, in CreateInput) (Count, error) {
	if err := validateCreate(in); err != nil {
		return Count{}, err
	}
	now := s.now()
	countDate := in.CountDate
	if countDate.IsZero() {
		countDate = now
	}
	var created Count
	err := s.execute(ctx, "stock_count_create", func(ctx context.Context, tx TxRepository) error {
		for _, id := range in.ItemIDs {
			if _, err := tx.GetItem(ctx, id); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return &shared.ReferentialIntegrityError{Entity: "item", ID: id}
				}
				return err
			}
		}
		positions, err := tx.SnapshotPositions(ctx, in.Location, in.ItemIDs)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			return shared.NewValidationError("item_ids", "location holds no stock to count")
		}
		number, err := inventory.NextNumber(ctx, tx, inventory.PrefixStockCount, countDate)
		if err != nil {
			return err
		}
		c := Count{
			Number:    number,
			Location:  in.Location,
			CountDate: countDate,
			Status:    StatusPending,
			Note:      in.Note,
			CreatedBy: in.ActorID,
			CreatedAt: now,
		}
		id, err := tx.CreateCount(ctx, c)
		if err != nil {
			return err
		}
		c.ID = id
		sort.Slice(positions, func(i, j int) bool { return positions[i].ItemID < positions[j].ItemID })
		for _, pos := range positions {
			item := Item{
				CountID:         id,
				ItemID:          pos.ItemID,
				SystemQuantity:  pos.OnHand,
				CountedQuantity: decimal.Zero,
				Variance:        decimal.Zero,
				UnitCost:        pos.AvgCost,
				Status:          ItemPending,
			}
			item.ID, err = tx.InsertItem(ctx, item)
			if err != nil {
				return err
			}
			c.Items = append(c.Items, item)
		}
		created = c
		return nil
	})
	if err != nil {
		return Count{}, err
	}
	s.logger.Info("stock count created",
		slog.Int64("count_id", created.ID),
		slog.String("number", created.Number),
		slog.String("location", created.Location.String()),
		slog.Int("items", len(created.Items)),
		slog.Int64("actor_id", in.ActorID))
	return created, nil
}

// Start opens the counting window.
func (s *Service) Start(ctx context.Context, id, actorID int64) (Count, error) {
	return s.transition(ctx, id, actorID, ActionStart, StatusInProgress, nil)
}

// RecordCount stores the physical quantity of one line. Lines may be re-counted until verified.
func (s *Service) RecordCount(ctx context.Context, in RecordInput) (Count, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Count{}, err
	}
	if in.Counted.IsNegative() {
		return Count{}, shared.NewValidationError("counted_quantity", "must not be negative")
	}
	if err := inventory.CheckScale("counted_quantity", in.Counted); err != nil {
		return Count{}, err
	}
	var result Count
	err := s.execute(ctx, "stock_count_record", func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetCountForUpdate(ctx, in.CountID)
		if err != nil {
			return err
		}
		if err := c.CanApply(ActionRecord); err != nil {
			return err
		}
		item, idx, ok := c.Item(in.CountItemID)
		if !ok {
			return fmt.Errorf("stock count %d item %d: %w", c.ID, in.CountItemID, shared.ErrNotFound)
		}
		if item.Status != ItemPending && item.Status != ItemCounted {
			return &shared.InvalidTransitionError{Entity: "stock_count_item", ID: item.ID, From: string(item.Status), Action: string(ActionRecord)}
		}
		at := s.now()
		item.CountedQuantity = in.Counted
		item.Variance = in.Counted.Sub(item.SystemQuantity)
		item.Status = ItemCounted
		item.Note = in.Note
		item.CountedBy = in.ActorID
		item.CountedAt = &at
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		c.Items[idx] = item
		result = c
		return nil
	})
	if err != nil {
		return Count{}, err
	}
	s.logger.Info("stock count item recorded",
		slog.Int64("count_id", in.CountID),
		slog.Int64("count_item_id", in.CountItemID),
		slog.String("counted", in.Counted.String()),
		slog.Int64("actor_id", in.ActorID))
	return result, nil
}

// Verify moves counted lines to verified. An empty itemIDs verifies every counted line.
func (s *Service) Verify(ctx context.Context, id, actorID int64, itemIDs []int64) (Count, error) {
	if actorID <= 0 {
		return Count{}, shared.NewValidationError("actor_id", "must be greater than 0")
	}
	var (
		result   Count
		verified int
	)
	err := s.execute(ctx, "stock_count_verify", func(ctx context.Context, tx TxRepository) error {
		verified = 0
		c, err := tx.GetCountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := c.CanApply(ActionVerify); err != nil {
			return err
		}
		targets := itemIDs
		if len(targets) == 0 {
			for _, it := range c.Items {
				if it.Status == ItemCounted {
					targets = append(targets, it.ID)
				}
			}
		}
		for _, itemID := range targets {
			item, idx, ok := c.Item(itemID)
			if !ok {
				return fmt.Errorf("stock count %d item %d: %w", c.ID, itemID, shared.ErrNotFound)
			}
			if item.Status == ItemVerified {
				continue
			}
			if item.Status != ItemCounted {
				return &shared.InvalidTransitionError{Entity: "stock_count_item", ID: item.ID, From: string(item.Status), Action: string(ActionVerify)}
			}
			item.Status = ItemVerified
			item.VerifiedBy = actorID
			if err := tx.UpdateItem(ctx, item); err != nil {
				return err
			}
			c.Items[idx] = item
			verified++
		}
		result = c
		return nil
	})
	if err != nil {
		return Count{}, err
	}
	s.afterTransition(ctx, result, result.Status, ActionVerify, actorID, fmt.Sprintf("%d items verified", verified))
	return result, nil
}

// Complete closes counting once every line has a physical count.
func (s *Service) Complete(ctx context.Context, id, actorID int64) (Count, error) {
	return s.transition(ctx, id, actorID, ActionComplete, StatusCompleted, func(_ context.Context, _ TxRepository, c *Count) error {
		if pending := c.Uncounted(); len(pending) > 0 {
			return shared.NewValidationError("items", fmt.Sprintf("%d items have not been counted", len(pending)))
		}
		return nil
	})
}

// Approve accepts the counted variances.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Count, error) {
	return s.transition(ctx, id, actorID, ActionApprove, StatusApproved, nil)
}

// Cancel abandons a count that has not completed.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (Count, error) {
	return s.transition(ctx, id, actorID, ActionCancel, StatusCancelled, nil)
}

// Finalize posts one adjustment per verified line with a variance and leaves on-hand equal to
// the counted quantity. Finalizing a finalized count returns it unchanged.
func (s *Service) Finalize(ctx context.Context, id, actorID int64) (Count, error) {
	if actorID <= 0 {
		return Count{}, shared.NewValidationError("actor_id", "must be greater than 0")
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.StockCountLockKey(id), s.cfg.LockTTL)
		if err != nil {
			return Count{}, err
		}
		defer release()
	}
	var (
		result   Count
		entries  []inventory.LedgerEntry
		already  bool
		from     Status
		adjusted int
	)
	err := s.execute(ctx, "stock_count_finalize", func(ctx context.Context, tx TxRepository) error {
		entries, already, adjusted = nil, false, 0
		c, err := tx.GetCountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == StatusFinalized {
			already = true
			result = c
			return nil
		}
		if err := c.CanApply(ActionFinalize); err != nil {
			return err
		}
		from = c.Status
		at := s.now()
		for idx, item := range c.Items {
			if item.Status != ItemVerified {
				continue
			}
			entry, moved, err := s.adjust(ctx, tx, c, item, actorID, at)
			if err != nil {
				return fmt.Errorf("stock count %s item %d: %w", c.Number, item.ItemID, err)
			}
			item.Status = ItemAdjusted
			if moved {
				item.AdjustmentEntry = entry.Number
				entries = append(entries, entry)
			}
			if err := tx.UpdateItem(ctx, item); err != nil {
				return err
			}
			c.Items[idx] = item
			adjusted++
		}
		if err := tx.UpdateStatus(ctx, c.ID, StatusFinalized, at, actorID); err != nil {
			return err
		}
		c.Status = StatusFinalized
		c.FinalizedAt = &at
		result = c
		return nil
	})
	if err != nil {
		return Count{}, err
	}
	if already {
		s.logger.Info("stock count already finalized", slog.Int64("count_id", id), slog.Int64("actor_id", actorID))
		return result, nil
	}
	for _, e := range entries {
		if s.metrics != nil {
			s.metrics.ObserveMovement(string(e.Type))
		}
	}
	s.afterTransition(ctx, result, from, ActionFinalize, actorID, fmt.Sprintf("%d items adjusted", adjusted))
	if s.journal != nil && len(entries) > 0 {
		posting := inventory.NewJournalPosting(Module, result.ID, result.Number, actorID, entries...)
		if err := s.journal.PublishJournal(ctx, posting); err != nil {
			s.logger.Error("publish stock count journal", slog.Int64("count_id", result.ID), slog.Any("error", err))
		}
	}
	return result, nil
}

// adjust brings the position to the counted quantity. The movement is computed against live
// on-hand under the row lock, so movements posted during the count window are kept in the
// ledger and the position still ends at the counted quantity.
func (s *Service) adjust(ctx context.Context, tx TxRepository, c Count, item Item, actorID int64, at time.Time) (inventory.LedgerEntry, bool, error) {
	pos, err := tx.LockPosition(ctx, item.ItemID, c.Location)
	if err != nil {
		return inventory.LedgerEntry{}, false, err
	}
	delta := item.CountedQuantity.Sub(pos.OnHand)
	if !delta.Equal(item.Variance) {
		s.logger.Warn("stock moved during count window",
			slog.Int64("count_id", c.ID),
			slog.Int64("item_id", item.ItemID),
			slog.String("snapshot", item.SystemQuantity.String()),
			slog.String("on_hand", pos.OnHand.String()),
			slog.String("counted", item.CountedQuantity.String()))
	}
	if delta.IsZero() {
		return inventory.LedgerEntry{}, false, nil
	}
	typ := inventory.MovementAdjustmentPlus
	if delta.IsNegative() {
		typ = inventory.MovementAdjustmentMinus
	}
	entry, err := s.recorder.Record(ctx, tx, inventory.MovementInput{
		ItemID:         item.ItemID,
		Location:       c.Location,
		Type:           typ,
		Quantity:       delta.Abs(),
		UnitCost:       item.UnitCost,
		Reference:      item.Reference(),
		DocumentNumber: c.Number,
		Note:           fmt.Sprintf("Stock count %s variance", c.Number),
		ActorID:        actorID,
		At:             at,
	})
	if err != nil {
		return inventory.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// Get loads a count with its items.
func (s *Service) Get(ctx context.Context, id int64) (Count, error) {
	return s.repo.GetCount(ctx, id)
}

// History lists the recorded transitions of a document, oldest first.
func (s *Service) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetCount(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.History(ctx, Module, id)
}

// List lists count headers.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Count, error) {
	filter.Limit = shared.ClampLimit(filter.Limit, 50, 500)
	return s.repo.ListCounts(ctx, filter)
}

type transitionFn func(ctx context.Context, tx TxRepository, c *Count) error

func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, to Status, fn transitionFn) (Count, error) {
	if actorID <= 0 {
		return Count{}, shared.NewValidationError("actor_id", "must be greater than 0")
	}
	var (
		result Count
		from   Status
	)
	err := s.execute(ctx, "stock_count_"+string(action), func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetCountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := c.CanApply(action); err != nil {
			return err
		}
		from = c.Status
		if fn != nil {
			if err := fn(ctx, tx, &c); err != nil {
				return err
			}
		}
		at := s.now()
		if err := tx.UpdateStatus(ctx, id, to, at, actorID); err != nil {
			return err
		}
		c.Status = to
		switch to {
		case StatusInProgress:
			c.StartedAt = &at
		case StatusCompleted:
			c.CompletedAt = &at
		case StatusApproved:
			c.ApprovedAt = &at
			c.ApprovedBy = actorID
		}
		result = c
		return nil
	})
	if err != nil {
		return Count{}, err
	}
	s.afterTransition(ctx, result, from, action, actorID, "")
	return result, nil
}

func (s *Service) execute(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	err := inventory.Retry(ctx, s.cfg.MaxAttempts, func(attempt int) error {
		if attempt > 1 {
			if s.metrics != nil {
				s.metrics.ObserveRetry(op)
			}
			s.logger.Warn("retrying stock count operation", slog.String("operation", op), slog.Int("attempt", attempt))
		}
		return s.repo.WithTx(ctx, fn)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveRejection(op, inventory.ErrorReason(err))
		}
		s.logger.Warn("stock count operation failed", slog.String("operation", op), slog.Any("error", err))
	}
	return err
}

func (s *Service) afterTransition(ctx context.Context, c Count, from Status, action Action, actorID int64, note string) {
	at := s.now()
	s.logger.Info("stock count transition",
		slog.Int64("count_id", c.ID),
		slog.String("action", string(action)),
		slog.String("from", string(from)),
		slog.String("to", string(c.Status)),
		slog.Int64("actor_id", actorID))
	if s.metrics != nil {
		s.metrics.ObserveTransition(Module, string(action))
	}
	if s.approvals != nil {
		logNote := fmt.Sprintf("%s %s", c.Number, c.Status)
		if note != "" {
			logNote += ": " + note
		}
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  Module,
			RefID:   shared.DocumentRef(Module, c.ID),
			ActorID: actorID,
			Action:  approvalAction(action),
			Note:    logNote,
			At:      at,
		}); err != nil {
			s.logger.Warn("record stock count approval", slog.Int64("count_id", c.ID), slog.Any("error", err))
		}
	}
	if s.notifier != nil && from != c.Status {
		if err := s.notifier.NotifyTransition(ctx, shared.TransitionEvent{
			Module:     Module,
			DocumentID: c.ID,
			Number:     c.Number,
			From:       string(from),
			To:         string(c.Status),
			ActorID:    actorID,
			At:         at,
			Note:       note,
		}); err != nil {
			s.logger.Warn("notify stock count transition", slog.Int64("count_id", c.ID), slog.Any("error", err))
		}
	}
}

func approvalAction(a Action) shared.ApprovalAction {
	switch a {
	case ActionStart:
		return shared.ApprovalStart
	case ActionVerify:
		return shared.ApprovalVerify
	case ActionComplete:
		return shared.ApprovalSubmit
	case ActionApprove:
		return shared.ApprovalApprove
	case ActionCancel:
		return shared.ApprovalCancel
	}
	return shared.ApprovalFinalize
}
