package shared

import (
	"context"
	"errors"
	"log/slog"
)

// Priority ranks notification urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is a fire-and-forget message for one or more users. When AudienceRole
// is set, every user holding that role at FacilityID is added to the recipients at
// delivery time.
type Notification struct {
	RecipientIDs []int64        `json:"recipient_ids"`
	FacilityID   int64          `json:"facility_id,omitempty"`
	AudienceRole Role           `json:"audience_role,omitempty"`
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
}

// Transition names one committed state change, for metrics.
type Transition struct {
	Workflow string
	From     string
	To       string
}

// Effects collects the side effects of a committed transition.
type Effects struct {
	Notifications []Notification
	Audits        []AuditEvent
	Approvals     []ApprovalLog
	Transitions   []Transition
}

// Notify appends a notification.
func (e *Effects) Notify(n Notification) {
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	e.Notifications = append(e.Notifications, n)
}

// Audit appends an audit event.
func (e *Effects) Audit(ev AuditEvent) {
	e.Audits = append(e.Audits, ev)
}

// Approve appends an approval history entry.
func (e *Effects) Approve(log ApprovalLog) {
	e.Approvals = append(e.Approvals, log)
}

// Moved appends a state transition.
func (e *Effects) Moved(workflow, from, to string) {
	e.Transitions = append(e.Transitions, Transition{Workflow: workflow, From: from, To: to})
}

// Merge appends other's effects.
func (e *Effects) Merge(other Effects) {
	e.Notifications = append(e.Notifications, other.Notifications...)
	e.Audits = append(e.Audits, other.Audits...)
	e.Approvals = append(e.Approvals, other.Approvals...)
	e.Transitions = append(e.Transitions, other.Transitions...)
}

// Empty reports whether nothing is pending.
func (e Effects) Empty() bool {
	return len(e.Notifications) == 0 && len(e.Audits) == 0 && len(e.Approvals) == 0 && len(e.Transitions) == 0
}

// DeniedAudit converts an authorization failure into its forensic audit entry.
func DeniedAudit(err *AuthorizationError, entityType string, entityID int64) AuditEvent {
	risk := err.RiskLevel
	if risk == "" {
		risk = RiskHigh
	}
	return AuditEvent{
		ActorID:     err.ActorID,
		Type:        "authorization_denied",
		Description: err.Error(),
		Payload:     map[string]any{"action": err.Action, "role": string(err.Role), "reason": err.Reason},
		EntityType:  entityType,
		EntityID:    entityID,
		RiskLevel:   risk,
	}
}

// NotificationPort delivers notifications.
type NotificationPort interface {
	Enqueue(ctx context.Context, n Notification) error
}

// AuditPort records audit events.
type AuditPort interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log ApprovalLog) error
}

// TransitionPort counts transitions.
type TransitionPort interface {
	RecordTransition(t Transition)
}

// Dispatcher executes effects after commit. Failures are logged and dropped.
type Dispatcher struct {
	notifier    NotificationPort
	audit       AuditPort
	approvals   ApprovalPort
	transitions TransitionPort
	logger      *slog.Logger
}

// NewDispatcher constructs Dispatcher. Any port may be nil.
func NewDispatcher(notifier NotificationPort, audit AuditPort, approvals ApprovalPort, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifier: notifier, audit: audit, approvals: approvals, logger: logger}
}

// WithTransitions attaches a transition counter.
func (d *Dispatcher) WithTransitions(port TransitionPort) *Dispatcher {
	d.transitions = port
	return d
}

// Dispatch runs every effect. It never fails; the transition has already committed.
func (d *Dispatcher) Dispatch(ctx context.Context, eff Effects) {
	if d == nil || eff.Empty() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if d.transitions != nil {
		for _, t := range eff.Transitions {
			d.transitions.RecordTransition(t)
		}
	}
	for _, ev := range eff.Audits {
		if d.audit == nil {
			continue
		}
		if err := d.audit.Record(ctx, ev); err != nil {
			d.logger.Warn("audit effect failed", slog.String("type", ev.Type), slog.String("entity", ev.EntityType), slog.Int64("entity_id", ev.EntityID), slog.Any("error", err))
		}
	}
	for _, log := range eff.Approvals {
		if d.approvals == nil {
			continue
		}
		if err := d.approvals.Record(ctx, log); err != nil {
			d.logger.Warn("approval effect failed", slog.String("module", log.Module), slog.Any("error", err))
		}
	}
	for _, n := range eff.Notifications {
		if d.notifier == nil {
			continue
		}
		if err := d.notifier.Enqueue(ctx, n); err != nil {
			d.logger.Warn("notification effect failed", slog.String("type", n.Type), slog.Any("error", err))
		}
	}
}

// Refused audits an authorization failure or a wrong-stage attempt and returns err
// unchanged. Other errors pass through without an audit entry.
func (d *Dispatcher) Refused(ctx context.Context, actor Actor, err error, entityType string, entityID int64) error {
	if err == nil {
		return nil
	}
	var authErr *AuthorizationError
	var stateErr *StateConflictError
	switch {
	case errors.As(err, &authErr):
		d.Dispatch(ctx, Effects{Audits: []AuditEvent{DeniedAudit(authErr, entityType, entityID)}})
	case errors.As(err, &stateErr):
		d.Dispatch(ctx, Effects{Audits: []AuditEvent{{
			ActorID:     actor.ID,
			Type:        "state_conflict",
			Description: stateErr.Error(),
			Payload:     map[string]any{"current": stateErr.Current, "expected": stateErr.Expected, "role": string(actor.Role)},
			EntityType:  entityType,
			EntityID:    entityID,
			RiskLevel:   RiskMedium,
		}}})
	}
	return err
}
