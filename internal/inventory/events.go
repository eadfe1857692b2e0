package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// JournalPosting is the batch handed to the accounting module once movements commit.
// Accounting owns the debit/credit mapping; the ledger only supplies valued lines.
type JournalPosting struct {
	ReferenceType  string
	ReferenceID    int64
	DocumentNumber string
	PostedAt       time.Time
	ActorID        int64
	Lines          []JournalLine
}

// JournalLine is one valued movement inside a posting.
type JournalLine struct {
	EntryNumber  string
	ItemID       int64
	Location     string
	MovementType MovementType
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	Value        decimal.Decimal
}

// JournalPublisher receives postings after commit.
type JournalPublisher interface {
	PublishJournal(ctx context.Context, posting JournalPosting) error
}

// NewJournalPosting builds a posting from committed entries. Movements without an originating
// document (manual issues and adjustments) are keyed by their first ledger entry instead.
func NewJournalPosting(refType string, refID int64, document string, actorID int64, entries ...LedgerEntry) JournalPosting {
	if len(entries) > 0 {
		if refID <= 0 {
			refID = entries[0].ID
		}
		if document == "" {
			document = entries[0].DocumentNumber
		}
		if document == "" {
			document = entries[0].Number
		}
	}
	posting := JournalPosting{
		ReferenceType:  refType,
		ReferenceID:    refID,
		DocumentNumber: document,
		ActorID:        actorID,
		PostedAt:       time.Now().UTC(),
		Lines:          make([]JournalLine, 0, len(entries)),
	}
	for _, e := range entries {
		posting.Lines = append(posting.Lines, JournalLine{
			EntryNumber:  e.Number,
			ItemID:       e.ItemID,
			Location:     e.Location.String(),
			MovementType: e.Type,
			Quantity:     e.Quantity,
			UnitCost:     e.UnitCost,
			Value:        e.TotalCost,
		})
	}
	return posting
}
