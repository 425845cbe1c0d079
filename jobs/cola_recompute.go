package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/aidflow/aidflow/internal/aidrequest"
	"github.com/aidflow/aidflow/internal/attendance"
	jobmetrics "github.com/aidflow/aidflow/internal/jobs"
)

// ColaRecomputer re-prices pending COLA requests for one beneficiary month.
type ColaRecomputer interface {
	RecomputeColaForPeriod(ctx context.Context, ev attendance.Changed) (int, error)
}

// ColaRecomputeJob consumes attendance change events.
type ColaRecomputeJob struct {
	Recomputer ColaRecomputer
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewColaRecomputeJob initialises the recompute handler.
func NewColaRecomputeJob(recomputer ColaRecomputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ColaRecomputeJob {
	return &ColaRecomputeJob{Recomputer: recomputer, Logger: logger, Metrics: metrics}
}

// Handle executes one recompute. A held period lock is returned as an error so asynq
// retries the task once the other worker is done.
func (j *ColaRecomputeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Recomputer == nil {
		return errors.New("cola recompute: handler not configured")
	}
	var ev attendance.Changed
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if ev.BeneficiaryID <= 0 || ev.Period.Month < 1 || ev.Period.Month > 12 {
		return fmt.Errorf("cola recompute: bad event %+v: %w", ev, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskColaRecompute)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Int64("beneficiary_id", ev.BeneficiaryID), slog.String("period", ev.Period.String()))
	updated, err := j.Recomputer.RecomputeColaForPeriod(ctx, ev)
	if aidrequest.IsLockHeld(err) {
		j.Metrics.LockMissed()
		logger.Info("cola recompute deferred, period locked")
		return err
	}
	if err != nil {
		logger.Error("cola recompute failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddRecomputed(updated)
	logger.Info("cola recompute completed", slog.Int("updated", updated))
	return nil
}

func (j *ColaRecomputeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
