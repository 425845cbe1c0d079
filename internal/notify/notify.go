// Package notify delivers workflow notifications: effects are enqueued as asynq tasks
// and the worker expands role audiences and persists one row per recipient.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// TaskDeliver is the asynq task type carrying one shared.Notification.
const TaskDeliver = "notify:deliver"

// ErrNoRecipients indicates a notification that resolved to nobody.
var ErrNoRecipients = errors.New("notification has no recipients")

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer implements shared.NotificationPort on top of asynq.
type Enqueuer struct {
	client TaskEnqueuer
	queue  string
}

// NewEnqueuer constructs Enqueuer targeting queue.
func NewEnqueuer(client TaskEnqueuer, queue string) *Enqueuer {
	return &Enqueuer{client: client, queue: queue}
}

// NewDeliverTask encodes n as a TaskDeliver task.
func NewDeliverTask(n shared.Notification) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliver, data, asynq.MaxRetry(5)), nil
}

// Enqueue schedules delivery of n.
func (e *Enqueuer) Enqueue(ctx context.Context, n shared.Notification) error {
	if e == nil || e.client == nil {
		return errors.New("notification enqueuer not initialised")
	}
	task, err := NewDeliverTask(n)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task, asynq.Queue(e.queue))
	return err
}

// Message is one persisted notification row.
type Message struct {
	ID          int64
	RecipientID int64
	Type        string
	Title       string
	Payload     map[string]any
	Priority    shared.Priority
	CreatedAt   time.Time
}

// Store writes notifications into PostgreSQL.
type Store struct {
	db db.DBTX
}

// NewStore returns a Store.
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

// Save persists m.
func (s *Store) Save(ctx context.Context, m Message) error {
	if s == nil || s.db == nil {
		return errors.New("notification store not initialised")
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO notifications (recipient_id, type, title, payload, priority, created_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		m.RecipientID, m.Type, m.Title, payload, string(m.Priority), nullableTime(m.CreatedAt))
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SavePort persists a single message.
type SavePort interface {
	Save(ctx context.Context, m Message) error
}

// StaffPort lists users holding a role at a facility.
type StaffPort interface {
	StaffIDs(ctx context.Context, facilityID int64, role shared.Role) ([]int64, error)
}

// Deliverer resolves recipients and stores one message per user.
type Deliverer struct {
	store  SavePort
	staff  StaffPort
	logger *slog.Logger
	now    func() time.Time
}

// NewDeliverer constructs Deliverer.
func NewDeliverer(store SavePort, staff StaffPort, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{store: store, staff: staff, logger: logger, now: time.Now}
}

// Recipients merges explicit recipients with the role audience, sorted and unique.
func (d *Deliverer) Recipients(ctx context.Context, n shared.Notification) ([]int64, error) {
	seen := make(map[int64]struct{}, len(n.RecipientIDs))
	for _, id := range n.RecipientIDs {
		if id > 0 {
			seen[id] = struct{}{}
		}
	}
	if n.AudienceRole != "" {
		if d.staff == nil {
			return nil, fmt.Errorf("resolve %s audience: no staff directory", n.AudienceRole)
		}
		ids, err := d.staff.StaffIDs(ctx, n.FacilityID, n.AudienceRole)
		if err != nil {
			return nil, fmt.Errorf("resolve %s audience: %w", n.AudienceRole, err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Deliver stores n for every recipient.
func (d *Deliverer) Deliver(ctx context.Context, n shared.Notification) error {
	recipients, err := d.Recipients(ctx, n)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	if n.Priority == "" {
		n.Priority = shared.PriorityNormal
	}
	at := d.now()
	for _, id := range recipients {
		if err := d.store.Save(ctx, Message{RecipientID: id, Type: n.Type, Title: n.Title, Payload: n.Payload, Priority: n.Priority, CreatedAt: at}); err != nil {
			return fmt.Errorf("save notification for user %d: %w", id, err)
		}
	}
	d.logger.Debug("notification delivered", slog.String("type", n.Type), slog.Int("recipients", len(recipients)))
	return nil
}

// HandleTask is the asynq handler for TaskDeliver. Undecodable or recipient-less
// payloads are not retried.
func (d *Deliverer) HandleTask(ctx context.Context, t *asynq.Task) error {
	var n shared.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		d.logger.Warn("drop malformed notification task", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	err := d.Deliver(ctx, n)
	if errors.Is(err, ErrNoRecipients) {
		d.logger.Warn("drop notification without recipients", slog.String("type", n.Type))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
