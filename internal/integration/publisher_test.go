package integration_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/integration"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory/inventorytest"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
	"github.com/odyssey-erp/odyssey-stock/jobs"
)

type captureEnqueuer struct {
	tasks []*asynq.Task
}

func (c *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func posting() inventory.JournalPosting {
	return inventory.JournalPosting{
		ReferenceType:  "stock_count",
		ReferenceID:    12,
		DocumentNumber: "OPN-202601-0001",
		PostedAt:       time.Date(2026, 1, 31, 17, 0, 0, 0, time.UTC),
		ActorID:        4,
		Lines: []inventory.JournalLine{{
			EntryNumber:  "AM/2026/01/0001",
			ItemID:       2,
			Location:     "central",
			MovementType: inventory.MovementAdjustmentMinus,
			Quantity:     decimal.NewFromInt(5),
			UnitCost:     decimal.RequireFromString("4.5"),
			Value:        decimal.RequireFromString("22.5"),
		}},
	}
}

func TestJournalPayloadMapsLines(t *testing.T) {
	payload, err := integration.JournalPayload(posting())
	require.NoError(t, err)
	require.Equal(t, "stock_count", payload.ReferenceType)
	require.Equal(t, "OPN-202601-0001", payload.DocumentNumber)
	require.Len(t, payload.Lines, 1)
	require.Equal(t, "adjustment_minus", payload.Lines[0].MovementType)
	require.True(t, payload.Total().Equal(decimal.RequireFromString("22.5")))
	require.Equal(t, integration.SourceID(posting()), payload.SourceID)

	other := posting()
	other.Lines[0].EntryNumber = "AM/2026/01/0002"
	require.NotEqual(t, payload.SourceID, integration.SourceID(other))
}

func TestJournalPayloadRejectsEmptyPosting(t *testing.T) {
	_, err := integration.JournalPayload(inventory.JournalPosting{ReferenceType: "requisition", ReferenceID: 1})
	require.Error(t, err)
	_, err = integration.JournalPayload(inventory.JournalPosting{Lines: posting().Lines})
	require.Error(t, err)
}

func TestPublisherEnqueuesTasks(t *testing.T) {
	enq := &captureEnqueuer{}
	pub := integration.NewPublisher(integration.ClientQueue{Client: jobs.NewClientWith(enq, "")})
	ctx := context.Background()

	require.NoError(t, pub.PublishJournal(ctx, posting()))
	require.NoError(t, pub.NotifyTransition(ctx, shared.TransitionEvent{
		Module: "stock_count", DocumentID: 12, From: "approved", To: "finalized", ActorID: 4, At: time.Now(),
	}))
	require.Error(t, pub.NotifyTransition(ctx, shared.TransitionEvent{Module: "stock_count"}))

	require.Len(t, enq.tasks, 2)
	require.Equal(t, jobs.TaskJournalPost, enq.tasks[0].Type())
	require.Equal(t, jobs.TaskNotifyTransition, enq.tasks[1].Type())
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *integration.Publisher
	require.NoError(t, pub.PublishJournal(context.Background(), posting()))
}

func TestManualMovementsReachTheJournal(t *testing.T) {
	store := inventorytest.NewStore()
	store.AddItem(inventory.Item{ID: 1, Code: "PARA-500", Name: "Paracetamol 500mg", Unit: "tab"})
	enq := &captureEnqueuer{}
	pub := integration.NewPublisher(integration.ClientQueue{Client: jobs.NewClientWith(enq, "")})
	svc := inventory.NewService(store, nil, nil, pub, inventory.ServiceConfig{}, nil)
	ctx := context.Background()

	_, err := svc.Receive(ctx, inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(),
		Quantity: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(100), PurchaseID: 7, ActorID: 3})
	require.NoError(t, err)
	adjusted, err := svc.Adjust(ctx, inventory.AdjustInput{ItemID: 1, Location: inventory.Central(),
		Quantity: decimal.NewFromInt(-3), Note: "breakage", ActorID: 3})
	require.NoError(t, err)
	issued, err := svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: inventory.Central(),
		Quantity: decimal.NewFromInt(2), Reference: inventory.Reference{Kind: inventory.RefManual}, ActorID: 3})
	require.NoError(t, err)

	require.Len(t, enq.tasks, 3)
	payloads := make([]jobs.JournalPostPayload, 0, len(enq.tasks))
	for _, task := range enq.tasks {
		require.Equal(t, jobs.TaskJournalPost, task.Type())
		var p jobs.JournalPostPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &p))
		payloads = append(payloads, p)
	}

	require.Equal(t, "adjustment", payloads[1].ReferenceType)
	require.Equal(t, adjusted.ID, payloads[1].ReferenceID)
	require.Equal(t, adjusted.DocumentNumber, payloads[1].DocumentNumber)
	require.True(t, payloads[1].Total().Equal(decimal.NewFromInt(300)))

	require.Equal(t, "manual", payloads[2].ReferenceType)
	require.Equal(t, issued.ID, payloads[2].ReferenceID)
	require.Equal(t, issued.Number, payloads[2].DocumentNumber)
	require.NotEqual(t, payloads[1].SourceID, payloads[2].SourceID)
}
