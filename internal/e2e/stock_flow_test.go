package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/app"
	"github.com/odyssey-erp/odyssey-stock/internal/integration"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory/inventorytest"
	jobmetrics "github.com/odyssey-erp/odyssey-stock/internal/jobs"
	"github.com/odyssey-erp/odyssey-stock/internal/observability"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-stock/jobs"
	_ "github.com/odyssey-erp/odyssey-stock/testing"
)

type captureEnqueuer struct {
	tasks []*asynq.Task
}

func (c *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{ID: task.Type(), Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type collectingPoster struct {
	posted []jobs.JournalPostPayload
}

func (p *collectingPoster) PostJournal(_ context.Context, payload jobs.JournalPostPayload) error {
	p.posted = append(p.posted, payload)
	return nil
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.ActorHeader, "7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReceiptAndTransferFlowIntoJournalAndReconcile(t *testing.T) {
	require.True(t, app.InTestMode())
	require.NotEmpty(t, os.Getenv("REDIS_ADDR"))
	ctx := context.Background()

	store := inventorytest.NewStore()
	store.AddItem(inventory.Item{ID: 1, Code: "AMOX-500", Name: "Amoxicillin 500mg", Unit: "cap"})

	enqueuer := &captureEnqueuer{}
	client := jobs.NewClientWith(enqueuer, "")
	publisher := integration.NewPublisher(integration.ClientQueue{Client: client})
	metrics := observability.NewMetrics()
	svc := inventory.NewService(store, nil, nil, publisher, inventory.ServiceConfig{}, nil).
		WithMetrics(metrics.Stock())

	router := app.NewRouter(app.RouterParams{
		Config:           &app.Config{AppEnv: "test", RateLimitPerMinute: 1000},
		InventoryHandler: inventory.NewHandler(nil, svc),
		Metrics:          metrics,
	})

	rec := post(t, router, "/api/inventory/receipts",
		`{"item_id":1,"location":"central","quantity":"40","unit_cost":"2.5","purchase_id":31}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = post(t, router, "/api/inventory/transfers",
		`{"item_id":1,"from":"central","to":"department:3","quantity":"15","transfer_id":9}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = post(t, router, "/api/inventory/transfers",
		`{"item_id":1,"from":"department:3","to":"central","quantity":"50","transfer_id":10}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	require.True(t, store.Position(1, inventory.Central()).OnHand.Equal(decimal.NewFromInt(25)))
	require.True(t, store.Position(1, inventory.Department(3)).OnHand.Equal(decimal.NewFromInt(15)))
	store.RequireInvariants(t)

	require.Len(t, enqueuer.tasks, 2)
	reg := prometheus.NewRegistry()
	jobMetrics := jobmetrics.NewMetrics(reg)
	poster := &collectingPoster{}
	journal := jobs.NewJournalPostJob(poster, nil, jobMetrics)
	for _, task := range enqueuer.tasks {
		require.Equal(t, jobs.TaskJournalPost, task.Type())
		require.NoError(t, journal.Handle(ctx, task))
	}
	require.Len(t, poster.posted, 2)
	require.Equal(t, "purchase", poster.posted[0].ReferenceType)
	require.True(t, poster.posted[0].Total().Equal(decimal.NewFromInt(100)))
	require.Equal(t, "transfer", poster.posted[1].ReferenceType)
	require.Len(t, poster.posted[1].Lines, 2)
	require.NotEqual(t, poster.posted[0].SourceID, poster.posted[1].SourceID)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(enqueuer.tasks[1].Payload(), &raw))
	require.Equal(t, float64(9), raw["reference_id"])

	report, err := jobs.NewReconcileJob(svc, nil, jobMetrics).Run(ctx, jobs.ReconcilePayload{})
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Empty(t, report.Mismatches)

	expected := `
# HELP odyssey_jobs_processed_total Units of work handled by background jobs.
# TYPE odyssey_jobs_processed_total counter
odyssey_jobs_processed_total{job="accounting:journal.post"} 3
odyssey_jobs_processed_total{job="inventory:reconcile"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "odyssey_jobs_processed_total"))
}
