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

// JournalPoster hands a posting to the accounting module. Implementations must treat a
// repeated SourceID as already posted.
type JournalPoster interface {
	PostJournal(ctx context.Context, payload JournalPostPayload) error
}

// LogPoster is the default poster used when no accounting bridge is configured.
type LogPoster struct {
	Logger *slog.Logger
}

// PostJournal logs the posting.
func (p LogPoster) PostJournal(_ context.Context, payload JournalPostPayload) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("journal posting",
		slog.String("source_id", payload.SourceID.String()),
		slog.String("reference_type", payload.ReferenceType),
		slog.Int64("reference_id", payload.ReferenceID),
		slog.String("document", payload.DocumentNumber),
		slog.Int("lines", len(payload.Lines)),
		slog.String("total", payload.Total().StringFixed(4)),
	)
	return nil
}

// JournalPostJob delivers committed stock movements to accounting.
type JournalPostJob struct {
	Poster  JournalPoster
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewJournalPostJob initialises the journal posting handler.
func NewJournalPostJob(poster JournalPoster, logger *slog.Logger, metrics *jobmetrics.Metrics) *JournalPostJob {
	if logger == nil {
		logger = slog.Default()
	}
	if poster == nil {
		poster = LogPoster{Logger: logger}
	}
	return &JournalPostJob{Poster: poster, Logger: logger, Metrics: metrics}
}

// Handle processes TaskJournalPost tasks.
func (j *JournalPostJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Poster == nil {
		return errors.New("journal post: handler not configured")
	}
	var payload JournalPostPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("journal post: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ReferenceType == "" || payload.ReferenceID <= 0 || len(payload.Lines) == 0 {
		j.Logger.Warn("journal post: dropping incomplete payload",
			slog.String("reference_type", payload.ReferenceType),
			slog.Int64("reference_id", payload.ReferenceID))
		return fmt.Errorf("journal post: incomplete payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskJournalPost)
	defer func() { err = tracker.End(err) }()

	if err := j.Poster.PostJournal(ctx, payload); err != nil {
		j.Logger.Error("journal post failed",
			slog.String("source_id", payload.SourceID.String()),
			slog.Any("error", err))
		return err
	}
	j.Metrics.AddProcessed(TaskJournalPost, int64(len(payload.Lines)))
	return nil
}
