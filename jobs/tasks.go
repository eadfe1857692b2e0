package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskJournalPost forwards committed stock movements to accounting.
	TaskJournalPost = "accounting:journal.post"
	// TaskNotifyTransition forwards workflow state changes to the notification service.
	TaskNotifyTransition = "notify:transition"
	// TaskInventoryReconcile compares every position against its ledger sum.
	TaskInventoryReconcile = "inventory:reconcile"
	// TaskReservationsExpire releases reservations past their expiry.
	TaskReservationsExpire = "inventory:reservations.expire"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency.cleanup"
)

// JournalLinePayload is one valued movement inside a journal posting.
type JournalLinePayload struct {
	EntryNumber  string          `json:"entry_number"`
	ItemID       int64           `json:"item_id"`
	Location     string          `json:"location"`
	MovementType string          `json:"movement_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Value        decimal.Decimal `json:"value"`
}

// JournalPostPayload carries a committed posting. SourceID is stable per reference so
// accounting can drop redeliveries.
type JournalPostPayload struct {
	SourceID       uuid.UUID            `json:"source_id"`
	ReferenceType  string               `json:"reference_type"`
	ReferenceID    int64                `json:"reference_id"`
	DocumentNumber string               `json:"document_number,omitempty"`
	PostedAt       time.Time            `json:"posted_at"`
	ActorID        int64                `json:"actor_id"`
	Lines          []JournalLinePayload `json:"lines"`
}

// Total sums the line values.
func (p JournalPostPayload) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.Value)
	}
	return total
}

// NotifyTransitionPayload describes one workflow state change.
type NotifyTransitionPayload struct {
	Module     string    `json:"module"`
	DocumentID int64     `json:"document_id"`
	Number     string    `json:"number,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ActorID    int64     `json:"actor_id"`
	At         time.Time `json:"at"`
	Note       string    `json:"note,omitempty"`
}

// ReconcilePayload scopes a reconciliation run. An empty location walks every position.
type ReconcilePayload struct {
	Location    string `json:"location,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// ExpireReservationsPayload bounds one expiry sweep.
type ExpireReservationsPayload struct {
	Limit int `json:"limit,omitempty"`
}

// IdempotencyCleanupPayload overrides the configured retention when set.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewJournalPostTask constructs an Asynq task for a journal posting.
func NewJournalPostTask(payload JournalPostPayload) (*asynq.Task, error) {
	return newTask(TaskJournalPost, payload, asynq.MaxRetry(10))
}

// NewNotifyTransitionTask constructs an Asynq task for a transition notification.
func NewNotifyTransitionTask(payload NotifyTransitionPayload) (*asynq.Task, error) {
	return newTask(TaskNotifyTransition, payload, asynq.MaxRetry(5))
}

// NewReconcileTask constructs an Asynq task for ledger reconciliation.
func NewReconcileTask(location string, concurrency int) (*asynq.Task, error) {
	return newTask(TaskInventoryReconcile, ReconcilePayload{Location: location, Concurrency: concurrency})
}

// NewExpireReservationsTask constructs an Asynq task for reservation expiry.
func NewExpireReservationsTask(limit int) (*asynq.Task, error) {
	return newTask(TaskReservationsExpire, ExpireReservationsPayload{Limit: limit})
}

// NewIdempotencyCleanupTask constructs an Asynq task for idempotency cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
}

func newTask(typename string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(typename, body, opts...), nil
}
