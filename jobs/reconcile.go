package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-stock/internal/jobs"
)

const reconcilePageSize = 500

// PositionReconciler is the slice of the inventory service the reconciliation walks.
type PositionReconciler interface {
	ListPositions(ctx context.Context, filter inventory.PositionFilter) ([]inventory.Position, error)
	Reconcile(ctx context.Context, itemID int64, loc inventory.Location) (inventory.Reconciliation, error)
}

// ReconcileJob compares every position's on-hand quantity with its signed ledger sum.
type ReconcileJob struct {
	Inventory PositionReconciler
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// ReconcileReport summarises one run.
type ReconcileReport struct {
	Checked    int
	Mismatches []inventory.Reconciliation
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(inv PositionReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{Inventory: inv, Logger: logger, Metrics: metrics}
}

// Handle processes TaskInventoryReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Inventory == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run walks the positions page by page and reconciles each with bounded concurrency.
func (j *ReconcileJob) Run(ctx context.Context, payload ReconcilePayload) (report ReconcileReport, err error) {
	filter := inventory.PositionFilter{Limit: reconcilePageSize}
	if payload.Location != "" {
		loc, err := inventory.ParseLocation(payload.Location)
		if err != nil {
			return report, fmt.Errorf("reconcile: %v: %w", err, asynq.SkipRetry)
		}
		filter.Location = &loc
	}
	if payload.Concurrency <= 0 {
		payload.Concurrency = 4
	}

	tracker := j.Metrics.Track(TaskInventoryReconcile)
	defer func() { err = tracker.End(err) }()

	var mu sync.Mutex
	for {
		page, err := j.Inventory.ListPositions(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("reconcile: list positions: %w", err)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(payload.Concurrency)
		for _, pos := range page {
			g.Go(func() error {
				rec, err := j.Inventory.Reconcile(gctx, pos.ItemID, pos.Location)
				if err != nil {
					return fmt.Errorf("reconcile item %d at %s: %w", pos.ItemID, pos.Location, err)
				}
				mu.Lock()
				defer mu.Unlock()
				report.Checked++
				if !rec.Matches {
					report.Mismatches = append(report.Mismatches, rec)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	for _, rec := range report.Mismatches {
		j.Logger.Error("ledger mismatch",
			slog.Int64("item_id", rec.ItemID),
			slog.String("location", rec.Location.String()),
			slog.String("ledger_sum", rec.LedgerSum.String()),
			slog.String("on_hand", rec.OnHand.String()),
		)
	}
	j.Metrics.AddReconcileMismatches(payload.Location, len(report.Mismatches))
	j.Metrics.AddProcessed(TaskInventoryReconcile, int64(report.Checked))
	j.Logger.Info("reconciliation finished",
		slog.Int("checked", report.Checked),
		slog.Int("mismatches", len(report.Mismatches)))
	return report, nil
}
