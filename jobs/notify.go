package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-stock/internal/jobs"
)

// TransitionSink delivers a transition to the notification service.
type TransitionSink interface {
	Deliver(ctx context.Context, payload NotifyTransitionPayload) error
}

// LogSink is the default sink when no notification service is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs the transition.
func (s LogSink) Deliver(_ context.Context, p NotifyTransitionPayload) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("workflow transition",
		slog.String("module", p.Module),
		slog.Int64("document_id", p.DocumentID),
		slog.String("number", p.Number),
		slog.String("from", p.From),
		slog.String("to", p.To),
		slog.Int64("actor_id", p.ActorID),
	)
	return nil
}

// NotifyTransitionJob forwards workflow transitions.
type NotifyTransitionJob struct {
	Sink    TransitionSink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyTransitionJob initialises the notification handler.
func NewNotifyTransitionJob(sink TransitionSink, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyTransitionJob {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &NotifyTransitionJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle processes TaskNotifyTransition tasks.
func (j *NotifyTransitionJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("notify: handler not configured")
	}
	var payload NotifyTransitionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Module == "" || payload.DocumentID <= 0 {
		return fmt.Errorf("notify: incomplete payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskNotifyTransition)
	defer func() { err = tracker.End(err) }()
	return j.Sink.Deliver(ctx, payload)
}
