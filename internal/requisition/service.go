package requisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
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

// Locker serialises completion of one request across processes.
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

// Config groups workflow policy.
type Config struct {
	// ReserveOnApprove holds approved quantities at central until completion.
	ReserveOnApprove bool
	MaxAttempts      int
	LockTTL          time.Duration
	ReservationTTL   time.Duration
}

// Service drives the stock request workflow.
type Service struct {
	repo         RepositoryPort
	recorder     *inventory.Recorder
	reservations *inventory.ReservationManager
	approvals    ApprovalPort
	notifier     Notifier
	journal      inventory.JournalPublisher
	locker       Locker
	metrics      Metrics
	logger       *slog.Logger
	cfg          Config
	now          func() time.Time
}

// NewService builds Service around the shared recorder and reservation manager.
func NewService(repo RepositoryPort, recorder *inventory.Recorder, reservations *inventory.ReservationManager, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = inventory.DefaultMaxAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Service{
		repo:         repo,
		recorder:     recorder,
		reservations: reservations,
		logger:       logger,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithApprovals attaches the approval recorder.
func (s *Service) WithApprovals(a ApprovalPort) *Service { s.approvals = a; return s }

// WithNotifier attaches the notification publisher.
func (s *Service) WithNotifier(n Notifier) *Service { s.notifier = n; return s }

// WithJournal attaches the accounting journal publisher.
func (s *Service) WithJournal(j inventory.JournalPublisher) *Service { s.journal = j; return s }

// WithLocker attaches the distributed completion lock.
func (s *Service) WithLocker(l Locker) *Service { s.locker = l; return s }

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service { s.metrics = m; return s }

// Create stores a draft request and allocates its SREQ number.
func (s *Service) Create(ctx context.Context, in CreateInput) (Request, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Request{}, err
	}
	priority, err := normalisePriority(in.Priority)
	if err != nil {
		return Request{}, err
	}
	if err := validateItems(in.Items); err != nil {
		return Request{}, err
	}
	now := s.now()
	req := Request{
		RequesterID:  in.RequesterID,
		DepartmentID: in.DepartmentID,
		Status:       StatusDraft,
		Priority:     priority,
		Note:         in.Note,
		CreatedAt:    now,
	}
	err = s.execute(ctx, "requisition_create", func(ctx context.Context, tx TxRepository) error {
		number, err := inventory.NextNumber(ctx, tx, inventory.PrefixStockRequest, now)
		if err != nil {
			return err
		}
		created := req
		created.Number = number
		id, err := tx.CreateRequest(ctx, created)
		if err != nil {
			return err
		}
		created.ID = id
		created.Items, err = insertItems(ctx, tx, id, in.Items)
		if err != nil {
			return err
		}
		req = created
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("requisition created", slog.Int64("requisition_id", req.ID), slog.String("number", req.Number), slog.Int64("actor_id", in.RequesterID))
	return req, nil
}

// UpdateItems replaces the item list of a draft request.
func (s *Service) UpdateItems(ctx context.Context, id, actorID int64, items []ItemInput) (Request, error) {
	if err := validateItems(items); err != nil {
		return Request{}, err
	}
	var updated Request
	err := s.execute(ctx, "requisition_update", func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := req.CanApply(ActionUpdate); err != nil {
			return err
		}
		if err := tx.DeleteItems(ctx, id); err != nil {
			return err
		}
		req.Items, err = insertItems(ctx, tx, id, items)
		if err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("requisition items updated", slog.Int64("requisition_id", id), slog.Int64("actor_id", actorID))
	return updated, nil
}

// Submit freezes a draft request's items.
func (s *Service) Submit(ctx context.Context, id, actorID int64) (Request, error) {
	return s.transition(ctx, id, actorID, ActionSubmit, StatusSubmitted, "", func(_ context.Context, _ TxRepository, req *Request) error {
		for _, it := range req.Items {
			if it.QuantityRequested.IsPositive() {
				return nil
			}
		}
		return shared.NewValidationError("items", "at least one item with a positive quantity is required")
	})
}

// Approve records one approval round. Each line is bounded by the item's remaining quantity.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (Request, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Request{}, err
	}
	return s.transition(ctx, in.RequestID, in.ApproverID, ActionApprove, StatusApproved, in.Note, func(ctx context.Context, tx TxRepository, req *Request) error {
		round := ApprovalRound{RequestID: req.ID, ApproverID: in.ApproverID, ApprovedAt: s.now(), Note: in.Note}
		seen := make(map[int64]bool, len(in.Lines))
		for i, line := range in.Lines {
			if line.Quantity.IsZero() {
				continue
			}
			field := fmt.Sprintf("lines[%d].quantity", i)
			if line.Quantity.IsNegative() {
				return shared.NewValidationError(field, "must not be negative")
			}
			if err := inventory.CheckScale(field, line.Quantity); err != nil {
				return err
			}
			item, ok := req.Item(line.RequestItemID)
			if !ok {
				return shared.NewValidationError(fmt.Sprintf("lines[%d].request_item_id", i), "does not belong to this request")
			}
			if seen[item.ID] {
				return shared.NewValidationError(fmt.Sprintf("lines[%d].request_item_id", i), "is listed twice")
			}
			seen[item.ID] = true
			if line.Quantity.GreaterThan(item.Remaining()) {
				return shared.NewValidationError(field, fmt.Sprintf("exceeds remaining quantity %s", item.Remaining()))
			}
			round.Lines = append(round.Lines, line)
		}
		if len(round.Lines) == 0 {
			return shared.NewValidationError("lines", "at least one positive quantity is required")
		}
		id, err := tx.InsertApprovalRound(ctx, round)
		if err != nil {
			return err
		}
		round.ID = id
		req.Rounds = append(req.Rounds, round)
		req.ApplyRounds()
		if !s.cfg.ReserveOnApprove {
			return nil
		}
		for _, line := range round.Lines {
			item, _ := req.Item(line.RequestItemID)
			if _, err := s.reservations.Reserve(ctx, tx, inventory.ReserveInput{
				ItemID:    item.ItemID,
				Location:  inventory.Central(),
				Quantity:  line.Quantity,
				Reference: req.Reference(),
				TTL:       s.cfg.ReservationTTL,
				ActorID:   in.ApproverID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Complete issues every outstanding approved quantity from central to the department.
// Either every item moves or none does.
func (s *Service) Complete(ctx context.Context, id, actorID int64) (Request, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.RequisitionLockKey(id), s.cfg.LockTTL)
		if err != nil {
			return Request{}, err
		}
		defer release()
	}
	var entries []inventory.LedgerEntry
	req, err := s.transition(ctx, id, actorID, ActionComplete, StatusCompleted, "", func(ctx context.Context, tx TxRepository, req *Request) error {
		entries = entries[:0]
		if _, err := s.reservations.ReleaseByReference(ctx, tx, req.Reference()); err != nil {
			return err
		}
		order := make([]int, len(req.Items))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return req.Items[order[a]].ItemID < req.Items[order[b]].ItemID })
		at := s.now()
		for _, idx := range order {
			it := req.Items[idx]
			qty := it.Outstanding()
			if !qty.IsPositive() {
				continue
			}
			out, err := s.recorder.Record(ctx, tx, inventory.MovementInput{
				ItemID:         it.ItemID,
				Location:       inventory.Central(),
				Type:           inventory.MovementOut,
				Quantity:       qty,
				Reference:      req.Reference(),
				DocumentNumber: req.Number,
				Note:           fmt.Sprintf("Issued to department %d", req.DepartmentID),
				ActorID:        actorID,
				At:             at,
			})
			if err != nil {
				return fmt.Errorf("requisition %s item %d: %w", req.Number, it.ItemID, err)
			}
			in, err := s.recorder.Record(ctx, tx, inventory.MovementInput{
				ItemID:         it.ItemID,
				Location:       req.Department(),
				Type:           inventory.MovementIn,
				Quantity:       qty,
				UnitCost:       out.UnitCost,
				Reference:      req.Reference(),
				DocumentNumber: req.Number,
				Note:           "Received from central",
				ActorID:        actorID,
				At:             at,
			})
			if err != nil {
				return fmt.Errorf("requisition %s item %d: %w", req.Number, it.ItemID, err)
			}
			if err := tx.SetIssued(ctx, it.ID, it.QuantityApproved, out.UnitCost); err != nil {
				return err
			}
			req.Items[idx].QuantityIssued = it.QuantityApproved
			req.Items[idx].UnitCost = out.UnitCost
			entries = append(entries, out, in)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	for _, e := range entries {
		if s.metrics != nil {
			s.metrics.ObserveMovement(string(e.Type))
		}
	}
	if s.journal != nil && len(entries) > 0 {
		posting := inventory.NewJournalPosting(Module, req.ID, req.Number, actorID, entries...)
		if err := s.journal.PublishJournal(ctx, posting); err != nil {
			s.logger.Error("publish requisition journal", slog.Int64("requisition_id", req.ID), slog.Any("error", err))
		}
	}
	return req, nil
}

// Reject terminates a submitted or approved request and frees its reservations.
func (s *Service) Reject(ctx context.Context, id, actorID int64, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, shared.NewValidationError("reason", "is required")
	}
	return s.transition(ctx, id, actorID, ActionReject, StatusRejected, reason, s.releaseReservations)
}

// Cancel terminates a draft or submitted request.
func (s *Service) Cancel(ctx context.Context, id, actorID int64, reason string) (Request, error) {
	return s.transition(ctx, id, actorID, ActionCancel, StatusCancelled, strings.TrimSpace(reason), s.releaseReservations)
}

// Get loads a request with items and approval rounds.
func (s *Service) Get(ctx context.Context, id int64) (Request, error) {
	return s.repo.GetRequest(ctx, id)
}

// History lists the recorded transitions of a document, oldest first.
func (s *Service) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.History(ctx, Module, id)
}

// List lists request headers.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	filter.Limit = shared.ClampLimit(filter.Limit, 50, 500)
	return s.repo.ListRequests(ctx, filter)
}

func (s *Service) releaseReservations(ctx context.Context, tx TxRepository, req *Request) error {
	_, err := s.reservations.ReleaseByReference(ctx, tx, req.Reference())
	return err
}

type transitionFn func(ctx context.Context, tx TxRepository, req *Request) error

// transition runs one guarded status change with its side effects in a single transaction,
// retrying conflicts from scratch, then records approval history and notifies.
func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, to Status, note string, fn transitionFn) (Request, error) {
	if actorID <= 0 {
		return Request{}, shared.NewValidationError("actor_id", "must be greater than 0")
	}
	var (
		result Request
		from   Status
	)
	op := "requisition_" + string(action)
	err := s.execute(ctx, op, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := req.CanApply(action); err != nil {
			return err
		}
		from = req.Status
		if fn != nil {
			if err := fn(ctx, tx, &req); err != nil {
				return err
			}
		}
		at := s.now()
		if err := tx.UpdateStatus(ctx, id, to, at, note); err != nil {
			return err
		}
		req.Status = to
		stamp(&req, to, at, note)
		result = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.afterTransition(ctx, result, from, action, actorID, note)
	return result, nil
}

func stamp(req *Request, to Status, at time.Time, note string) {
	switch to {
	case StatusSubmitted:
		req.SubmittedAt = &at
	case StatusApproved:
		req.ApprovedAt = &at
	case StatusCompleted:
		req.CompletedAt = &at
	case StatusRejected:
		req.RejectReason = note
	}
}

func (s *Service) execute(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	err := inventory.Retry(ctx, s.cfg.MaxAttempts, func(attempt int) error {
		if attempt > 1 {
			if s.metrics != nil {
				s.metrics.ObserveRetry(op)
			}
			s.logger.Warn("retrying requisition operation", slog.String("operation", op), slog.Int("attempt", attempt))
		}
		return s.repo.WithTx(ctx, fn)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveRejection(op, inventory.ErrorReason(err))
		}
		s.logger.Warn("requisition operation failed", slog.String("operation", op), slog.Any("error", err))
	}
	return err
}

func (s *Service) afterTransition(ctx context.Context, req Request, from Status, action Action, actorID int64, note string) {
	at := s.now()
	s.logger.Info("requisition transition",
		slog.Int64("requisition_id", req.ID),
		slog.String("from", string(from)),
		slog.String("to", string(req.Status)),
		slog.Int64("actor_id", actorID))
	if s.metrics != nil {
		s.metrics.ObserveTransition(Module, string(action))
	}
	if s.approvals != nil {
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  Module,
			RefID:   shared.DocumentRef(Module, req.ID),
			ActorID: actorID,
			Action:  approvalAction(action),
			Note:    approvalNote(req, note),
			At:      at,
		}); err != nil {
			s.logger.Warn("record requisition approval", slog.Int64("requisition_id", req.ID), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyTransition(ctx, shared.TransitionEvent{
			Module:     Module,
			DocumentID: req.ID,
			Number:     req.Number,
			From:       string(from),
			To:         string(req.Status),
			ActorID:    actorID,
			At:         at,
			Note:       note,
		}); err != nil {
			s.logger.Warn("notify requisition transition", slog.Int64("requisition_id", req.ID), slog.Any("error", err))
		}
	}
}

func approvalAction(a Action) shared.ApprovalAction {
	switch a {
	case ActionSubmit:
		return shared.ApprovalSubmit
	case ActionApprove:
		return shared.ApprovalApprove
	case ActionReject:
		return shared.ApprovalReject
	case ActionCancel:
		return shared.ApprovalCancel
	}
	return shared.ApprovalComplete
}

func approvalNote(req Request, note string) string {
	if note == "" {
		return fmt.Sprintf("%s %s", req.Number, req.Status)
	}
	return fmt.Sprintf("%s %s: %s", req.Number, req.Status, note)
}

func insertItems(ctx context.Context, tx TxRepository, requestID int64, items []ItemInput) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, in := range items {
		if _, err := tx.GetItem(ctx, in.ItemID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil, &shared.ReferentialIntegrityError{Entity: "item", ID: in.ItemID}
			}
			return nil, err
		}
		item := Item{
			RequestID:         requestID,
			ItemID:            in.ItemID,
			QuantityRequested: in.Quantity,
			QuantityApproved:  decimal.Zero,
			QuantityIssued:    decimal.Zero,
			UnitCost:          decimal.Zero,
			Note:              in.Note,
		}
		id, err := tx.InsertItem(ctx, item)
		if err != nil {
			return nil, err
		}
		item.ID = id
		out = append(out, item)
	}
	return out, nil
}
