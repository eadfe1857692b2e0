package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-stock/internal/jobs"
)

// ReservationExpirer releases reservations whose expiry passed.
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error)
}

// IdempotencyCleaner prunes idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ExpireReservationsJob runs the hourly reservation sweep.
type ExpireReservationsJob struct {
	Expirer ReservationExpirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpireReservationsJob initialises the reservation expiry handler.
func NewExpireReservationsJob(expirer ReservationExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpireReservationsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireReservationsJob{
		Expirer: expirer,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskReservationsExpire tasks.
func (j *ExpireReservationsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Expirer == nil {
		return errors.New("reservations expire: handler not configured")
	}
	var payload ExpireReservationsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("reservations expire: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskReservationsExpire)
	defer func() { err = tracker.End(err) }()

	released, err := j.Expirer.ExpireReservations(ctx, j.clock(), payload.Limit)
	j.Metrics.AddProcessed(TaskReservationsExpire, int64(released))
	if err != nil {
		j.Logger.Error("reservation expiry failed", slog.Int("released", released), slog.Any("error", err))
		return err
	}
	j.Logger.Info("reservations expired", slog.Int("released", released))
	return nil
}

// IdempotencyCleanupJob prunes idempotency keys older than the retention.
type IdempotencyCleanupJob struct {
	Cleaner   IdempotencyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(cleaner IdempotencyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &IdempotencyCleanupJob{Cleaner: cleaner, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Cleaner == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("idempotency cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	removed, err := j.Cleaner.Cleanup(ctx, retention)
	if err != nil {
		return err
	}
	j.Metrics.AddProcessed(TaskIdempotencyCleanup, removed)
	j.Logger.Info("idempotency keys pruned", slog.Int64("removed", removed), slog.Duration("retention", retention))
	return nil
}
