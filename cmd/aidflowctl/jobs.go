package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aidflow/aidflow/internal/attendance"
	"github.com/aidflow/aidflow/internal/platform/cache"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the configured Redis.
func NewJobsCLI(redis cache.Options) *JobsCLI {
	opts := redis.Asynq()
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerArgs parameterises manually triggered jobs.
type TriggerArgs struct {
	BeneficiaryID int64
	Period        shared.Period
	Retention     time.Duration
}

func buildTask(name string, args TriggerArgs) (*asynq.Task, string, error) {
	switch name {
	case jobs.TaskColaRecompute:
		if args.BeneficiaryID <= 0 || args.Period.IsZero() {
			return nil, "", errors.New("cola:recompute needs --beneficiary, --year and --month")
		}
		task, err := jobs.NewColaRecomputeTask(attendance.Changed{BeneficiaryID: args.BeneficiaryID, Period: args.Period})
		return task, jobs.QueueDefault, err
	case jobs.TaskIdempotencyCleanup:
		task, err := jobs.NewIdempotencyCleanupTask(args.Retention)
		return task, jobs.QueueDefault, err
	default:
		return nil, "", fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, args TriggerArgs) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, queue, err := buildTask(name, args)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(queue), asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the metrics of every aidflow queue.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, q := range []string{jobs.QueueDefault, jobs.QueueNotifications} {
		info, err := c.inspector.GetQueueInfo(q)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, QueueStats{Queue: q})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStats{
			Queue:     q,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		})
	}
	return out, nil
}
