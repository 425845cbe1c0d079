package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/attendance"
	jobmetrics "github.com/aidflow/aidflow/internal/jobs"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

type recomputerStub struct {
	updated int
	err     error
	events  []attendance.Changed
}

func (r *recomputerStub) RecomputeColaForPeriod(_ context.Context, ev attendance.Changed) (int, error) {
	r.events = append(r.events, ev)
	return r.updated, r.err
}

func TestColaRecomputeJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	stub := &recomputerStub{updated: 2}
	job := NewColaRecomputeJob(stub, fakes.Logger(), metrics)

	task, err := NewColaRecomputeTask(attendance.Changed{BeneficiaryID: 10, Period: shared.Period{Year: 2024, Month: 3}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, stub.events, 1)
	require.Equal(t, time.March, stub.events[0].Period.Month)

	stub.err = shared.ErrLockHeld
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, shared.ErrLockHeld)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 && f.GetMetric()[0].GetCounter() != nil {
			values[f.GetName()] = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(2), values["aidflow_cola_recomputed_total"])
	require.Equal(t, float64(1), values["aidflow_cola_recompute_lock_misses_total"])
}

func TestColaRecomputeJobRejectsBadPayload(t *testing.T) {
	job := NewColaRecomputeJob(&recomputerStub{}, fakes.Logger(), nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskColaRecompute, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	data, _ := json.Marshal(attendance.Changed{BeneficiaryID: 10})
	err = job.Handle(context.Background(), asynq.NewTask(TaskColaRecompute, data))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type cleanerStub struct {
	olderThan time.Duration
	err       error
}

func (c *cleanerStub) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.olderThan = olderThan
	return 3, c.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	stub := &cleanerStub{}
	job := NewIdempotencyCleanupJob(stub, 72*time.Hour, fakes.Logger(), nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 72*time.Hour, stub.olderThan)

	task, err := NewIdempotencyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, stub.olderThan)

	stub.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

type inspectorStub struct {
	infos map[string]*asynq.QueueInfo
}

func (i inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := i.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHealthHandler(t *testing.T) {
	h := NewHandler(inspectorStub{infos: map[string]*asynq.QueueInfo{
		QueueDefault: {Queue: QueueDefault, Pending: 4, Retry: 1},
	}}, fakes.Logger())
	r := chi.NewRouter()
	h.MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueDefault, Pending: 4, Retry: 1},
		{Queue: QueueNotifications},
	}, body.Queues)
}

func TestJobMetricsCountFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := NewIdempotencyCleanupJob(&cleanerStub{err: errors.New("boom")}, time.Hour, fakes.Logger(), metrics)
	require.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	count, err := testutil.GatherAndCount(reg, "aidflow_jobs_failures_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

type enqueuerStub struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (e *enqueuerStub) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	e.opts = append(e.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestPublishAttendanceChangedEnqueuesEveryChange(t *testing.T) {
	stub := &enqueuerStub{}
	client := &Client{enqueuer: stub}
	ev := attendance.Changed{BeneficiaryID: 10, Period: shared.Period{Year: 2024, Month: time.January}}

	// a second edit while the first recompute is running must still be queued
	require.NoError(t, client.PublishAttendanceChanged(context.Background(), ev))
	require.NoError(t, client.PublishAttendanceChanged(context.Background(), ev))
	require.Len(t, stub.tasks, 2)

	for i, task := range stub.tasks {
		require.Equal(t, TaskColaRecompute, task.Type())
		var got attendance.Changed
		require.NoError(t, json.Unmarshal(task.Payload(), &got))
		require.Equal(t, ev, got)
		for _, opt := range stub.opts[i] {
			require.NotEqual(t, asynq.UniqueOpt, opt.Type())
		}
	}
	require.NoError(t, client.Close())
}
