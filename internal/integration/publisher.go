package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
	"github.com/odyssey-erp/odyssey-stock/jobs"
)

// Queue is the producer side of the job queue.
type Queue interface {
	EnqueueJournalPost(ctx context.Context, payload jobs.JournalPostPayload) error
	EnqueueNotifyTransition(ctx context.Context, payload jobs.NotifyTransitionPayload) error
}

// Publisher turns committed ledger postings and workflow transitions into queued tasks.
// It satisfies inventory.JournalPublisher and the workflow Notifier ports.
type Publisher struct {
	queue Queue
}

// NewPublisher constructs a publisher on top of a queue.
func NewPublisher(queue Queue) *Publisher {
	return &Publisher{queue: queue}
}

// PublishJournal enqueues an accounting:journal.post task.
func (p *Publisher) PublishJournal(ctx context.Context, posting inventory.JournalPosting) error {
	if p == nil || p.queue == nil {
		return nil
	}
	payload, err := JournalPayload(posting)
	if err != nil {
		return err
	}
	return p.queue.EnqueueJournalPost(ctx, payload)
}

// NotifyTransition enqueues a notify:transition task.
func (p *Publisher) NotifyTransition(ctx context.Context, evt shared.TransitionEvent) error {
	if p == nil || p.queue == nil {
		return nil
	}
	if evt.Module == "" || evt.DocumentID <= 0 {
		return errors.New("integration: transition module and document required")
	}
	return p.queue.EnqueueNotifyTransition(ctx, jobs.NotifyTransitionPayload{
		Module:     evt.Module,
		DocumentID: evt.DocumentID,
		Number:     evt.Number,
		From:       evt.From,
		To:         evt.To,
		ActorID:    evt.ActorID,
		At:         evt.At,
		Note:       evt.Note,
	})
}

// JournalPayload maps a posting onto the task payload.
func JournalPayload(posting inventory.JournalPosting) (jobs.JournalPostPayload, error) {
	if posting.ReferenceType == "" || posting.ReferenceID <= 0 {
		return jobs.JournalPostPayload{}, errors.New("integration: posting reference required")
	}
	if len(posting.Lines) == 0 {
		return jobs.JournalPostPayload{}, errors.New("integration: posting has no lines")
	}
	payload := jobs.JournalPostPayload{
		SourceID:       SourceID(posting),
		ReferenceType:  posting.ReferenceType,
		ReferenceID:    posting.ReferenceID,
		DocumentNumber: posting.DocumentNumber,
		PostedAt:       posting.PostedAt,
		ActorID:        posting.ActorID,
		Lines:          make([]jobs.JournalLinePayload, 0, len(posting.Lines)),
	}
	for _, l := range posting.Lines {
		payload.Lines = append(payload.Lines, jobs.JournalLinePayload{
			EntryNumber:  l.EntryNumber,
			ItemID:       l.ItemID,
			Location:     l.Location,
			MovementType: string(l.MovementType),
			Quantity:     l.Quantity,
			UnitCost:     l.UnitCost,
			Value:        l.Value,
		})
	}
	return payload, nil
}

// SourceID is stable for a posting: the reference plus its first entry number, which the
// ledger never reuses.
func SourceID(posting inventory.JournalPosting) uuid.UUID {
	first := ""
	if len(posting.Lines) > 0 {
		first = posting.Lines[0].EntryNumber
	}
	key := fmt.Sprintf("%s:%d:%s", posting.ReferenceType, posting.ReferenceID, first)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}

// ClientQueue adapts jobs.Client to Queue.
type ClientQueue struct {
	Client *jobs.Client
}

// EnqueueJournalPost implements Queue.
func (q ClientQueue) EnqueueJournalPost(ctx context.Context, payload jobs.JournalPostPayload) error {
	_, err := q.Client.EnqueueJournalPost(ctx, payload)
	return err
}

// EnqueueNotifyTransition implements Queue.
func (q ClientQueue) EnqueueNotifyTransition(ctx context.Context, payload jobs.NotifyTransitionPayload) error {
	_, err := q.Client.EnqueueNotifyTransition(ctx, payload)
	return err
}
