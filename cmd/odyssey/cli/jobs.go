package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-stock/jobs"
)

// TriggerableJobs lists the job names Trigger accepts.
var TriggerableJobs = []string{jobs.TaskInventoryReconcile, jobs.TaskReservationsExpire, jobs.TaskIdempotencyCleanup}

// QueueInspector is the slice of asynq.Inspector the CLI reads.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI enqueues maintenance jobs by hand and reports queue depth.
type JobsCLI struct {
	client    *jobs.Client
	inspector QueueInspector
	queues    []string
	retention time.Duration
}

// NewJobsCLI builds the helpers on top of an existing job client. Retention is used for
// manual idempotency cleanups; queues are reported by InspectQueues.
func NewJobsCLI(client *jobs.Client, inspector QueueInspector, retention time.Duration, queues ...string) *JobsCLI {
	if len(queues) == 0 {
		queues = []string{jobs.QueueDefault}
	}
	return &JobsCLI{client: client, inspector: inspector, queues: queues, retention: retention}
}

// Trigger enqueues a maintenance job by name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskInventoryReconcile:
		return c.client.EnqueueReconcile(ctx, "", 0)
	case jobs.TaskReservationsExpire:
		return c.client.EnqueueExpireReservations(ctx, 0)
	case jobs.TaskIdempotencyCleanup:
		return c.client.EnqueueIdempotencyCleanup(ctx, c.retention)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %q (one of %v)", name, TriggerableJobs)
	}
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports every configured queue, skipping duplicates.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	seen := make(map[string]bool, len(c.queues))
	var out []QueueStats
	for _, queue := range c.queues {
		if queue == "" || seen[queue] {
			continue
		}
		seen[queue] = true
		if err := ctx.Err(); err != nil {
			return out, err
		}
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil {
			return out, fmt.Errorf("inspect %s: %w", queue, err)
		}
		stats := QueueStats{Queue: queue}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}
