package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aidflow/aidflow/internal/attendance"
	"github.com/aidflow/aidflow/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries notify:deliver tasks.
	QueueNotifications = "notifications"

	// TaskNotifyDeliver persists a notification for its recipients.
	TaskNotifyDeliver = notify.TaskDeliver
	// TaskColaRecompute re-prices pending COLA requests after attendance changed.
	TaskColaRecompute = "cola:recompute"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewColaRecomputeTask constructs a TaskColaRecompute task.
func NewColaRecomputeTask(ev attendance.Changed) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskColaRecompute, data, asynq.MaxRetry(10)), nil
}

// IdempotencyCleanupPayload configures the cleanup job.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs a TaskIdempotencyCleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
