package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-stock/internal/jobs"
)

type recordingPoster struct {
	got []JournalPostPayload
	err error
}

func (p *recordingPoster) PostJournal(_ context.Context, payload JournalPostPayload) error {
	p.got = append(p.got, payload)
	return p.err
}

func journalPayload() JournalPostPayload {
	return JournalPostPayload{
		SourceID:       uuid.New(),
		ReferenceType:  "requisition",
		ReferenceID:    7,
		DocumentNumber: "SREQ-20260115-0001",
		PostedAt:       time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		Lines: []JournalLinePayload{
			{EntryNumber: "TO/2026/01/0001", ItemID: 1, Location: "central", MovementType: "transfer_out", Quantity: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(3), Value: decimal.NewFromInt(15)},
			{EntryNumber: "TI/2026/01/0001", ItemID: 1, Location: "department:3", MovementType: "transfer_in", Quantity: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(3), Value: decimal.NewFromInt(15)},
		},
	}
}

func TestJournalPostJobDeliversPayload(t *testing.T) {
	poster := &recordingPoster{}
	job := NewJournalPostJob(poster, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewJournalPostTask(journalPayload())
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, poster.got, 1)
	require.Equal(t, "requisition", poster.got[0].ReferenceType)
	require.True(t, poster.got[0].Total().Equal(decimal.NewFromInt(30)))
}

func TestJournalPostJobRetriesPosterFailure(t *testing.T) {
	boom := errors.New("accounting down")
	job := NewJournalPostJob(&recordingPoster{err: boom}, nil, nil)
	task, err := NewJournalPostTask(journalPayload())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, boom)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestJournalPostJobSkipsBadPayload(t *testing.T) {
	job := NewJournalPostJob(&recordingPoster{}, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskJournalPost, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	empty, err := NewJournalPostTask(JournalPostPayload{ReferenceType: "requisition", ReferenceID: 1})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), empty), asynq.SkipRetry)
}

type recordingSink struct {
	got []NotifyTransitionPayload
}

func (s *recordingSink) Deliver(_ context.Context, p NotifyTransitionPayload) error {
	s.got = append(s.got, p)
	return nil
}

func TestNotifyTransitionJob(t *testing.T) {
	sink := &recordingSink{}
	job := NewNotifyTransitionJob(sink, nil, nil)
	task, err := NewNotifyTransitionTask(NotifyTransitionPayload{Module: "requisition", DocumentID: 4, From: "draft", To: "submitted", ActorID: 9})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sink.got, 1)
	require.Equal(t, "submitted", sink.got[0].To)

	bad, err := NewNotifyTransitionTask(NotifyTransitionPayload{Module: "requisition"})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

type fakeInventory struct {
	mu        sync.Mutex
	positions []inventory.Position
	ledger    map[int64]decimal.Decimal
	pages     int
}

func (f *fakeInventory) ListPositions(_ context.Context, filter inventory.PositionFilter) ([]inventory.Position, error) {
	f.mu.Lock()
	f.pages++
	f.mu.Unlock()
	var matched []inventory.Position
	for _, p := range f.positions {
		if filter.Location != nil && p.Location != *filter.Location {
			continue
		}
		matched = append(matched, p)
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

func (f *fakeInventory) Reconcile(_ context.Context, itemID int64, loc inventory.Location) (inventory.Reconciliation, error) {
	for _, p := range f.positions {
		if p.ItemID == itemID && p.Location == loc {
			sum := f.ledger[itemID]
			return inventory.Reconciliation{ItemID: itemID, Location: loc, LedgerSum: sum, OnHand: p.OnHand, Matches: sum.Equal(p.OnHand)}, nil
		}
	}
	return inventory.Reconciliation{}, errors.New("unknown position")
}

func TestReconcileJobReportsMismatches(t *testing.T) {
	inv := &fakeInventory{ledger: map[int64]decimal.Decimal{}}
	for i := int64(1); i <= reconcilePageSize+20; i++ {
		pos := inventory.NewPosition(i, inventory.Central())
		pos.OnHand = decimal.NewFromInt(10)
		inv.positions = append(inv.positions, pos)
		inv.ledger[i] = decimal.NewFromInt(10)
	}
	inv.ledger[3] = decimal.NewFromInt(9)
	inv.ledger[reconcilePageSize+5] = decimal.NewFromInt(11)

	job := NewReconcileJob(inv, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	report, err := job.Run(context.Background(), ReconcilePayload{Concurrency: 3})
	require.NoError(t, err)
	require.Equal(t, reconcilePageSize+20, report.Checked)
	require.Len(t, report.Mismatches, 2)
	require.Equal(t, 2, inv.pages)
}

func TestReconcileJobRejectsBadLocation(t *testing.T) {
	job := NewReconcileJob(&fakeInventory{}, nil, nil)
	task, err := NewReconcileTask("warehouse", 1)
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

type fakeExpirer struct {
	now   time.Time
	limit int
}

func (f *fakeExpirer) ExpireReservations(_ context.Context, now time.Time, limit int) (int, error) {
	f.now, f.limit = now, limit
	return 2, nil
}

func TestExpireReservationsJob(t *testing.T) {
	exp := &fakeExpirer{}
	job := NewExpireReservationsJob(exp, nil, nil)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return fixed }
	task, err := NewExpireReservationsTask(50)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, fixed, exp.now)
	require.Equal(t, 50, exp.limit)
}

type fakeCleaner struct {
	olderThan time.Duration
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 4, nil
}

func TestIdempotencyCleanupUsesRetention(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, 48*time.Hour, nil, nil)

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, cleaner.olderThan)

	task, err = NewIdempotencyCleanupTask(12 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 12*time.Hour, cleaner.olderThan)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestClientEnqueueJournalPost(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := NewClientWith(enq, "journal")
	payload := journalPayload()

	_, err := client.EnqueueJournalPost(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskJournalPost, enq.tasks[0].Type())
	require.Contains(t, enq.opts[0], asynq.TaskID(payload.SourceID.String()))
	require.Contains(t, enq.opts[0], asynq.Queue("journal"))

	var decoded JournalPostPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	require.Equal(t, payload.SourceID, decoded.SourceID)
	require.True(t, decoded.Lines[0].Quantity.Equal(decimal.NewFromInt(5)))

	enq.err = asynq.ErrTaskIDConflict
	_, err = client.EnqueueJournalPost(context.Background(), payload)
	require.NoError(t, err)
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())
}
