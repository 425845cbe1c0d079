// Package fakes holds in-memory collaborators shared by service tests.
package fakes

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	_ "github.com/aidflow/aidflow/internal/testing/guard"

	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/shared"
)

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Clock returns a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts the clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Directory is an in-memory directory.
type Directory struct {
	Beneficiaries map[int64]directory.Beneficiary
	Facilities    map[int64]directory.Facility
	Staff         map[int64]map[shared.Role][]int64
}

// NewDirectory seeds facility 1 (director 40, finance 30) serving beneficiary 10
// whose caseworker is 20, and facility 2 (director 41, finance 31).
func NewDirectory() *Directory {
	return &Directory{
		Beneficiaries: map[int64]directory.Beneficiary{
			10: {ID: 10, Name: "Ana", FacilityID: 1, CaseworkerID: 20},
			11: {ID: 11, Name: "Ben", FacilityID: 2, CaseworkerID: 21},
		},
		Facilities: map[int64]directory.Facility{
			1: {ID: 1, Name: "North Center", DirectorID: 40},
			2: {ID: 2, Name: "South Center", DirectorID: 41},
		},
		Staff: map[int64]map[shared.Role][]int64{
			1: {shared.RoleFinance: {30}, shared.RoleDirector: {40}, shared.RoleCaseworker: {20}},
			2: {shared.RoleFinance: {31}, shared.RoleDirector: {41}, shared.RoleCaseworker: {21}},
		},
	}
}

// Lookup implements the workflows' DirectoryPort.
func (d *Directory) Lookup(_ context.Context, beneficiaryID int64) (directory.Relationship, error) {
	b, ok := d.Beneficiaries[beneficiaryID]
	if !ok {
		return directory.Relationship{}, directory.ErrNotFound
	}
	f, ok := d.Facilities[b.FacilityID]
	if !ok {
		return directory.Relationship{}, directory.ErrNotFound
	}
	return directory.Relationship{Beneficiary: b, Facility: f}, nil
}

// Facility returns a facility.
func (d *Directory) Facility(_ context.Context, id int64) (directory.Facility, error) {
	f, ok := d.Facilities[id]
	if !ok {
		return directory.Facility{}, directory.ErrNotFound
	}
	return f, nil
}

// StaffIDs returns seeded staff.
func (d *Directory) StaffIDs(_ context.Context, facilityID int64, role shared.Role) ([]int64, error) {
	return d.Staff[facilityID][role], nil
}

// Actors used across tests.
var (
	Beneficiary      = shared.Actor{ID: 10, Role: shared.RoleBeneficiary}
	OtherBeneficiary = shared.Actor{ID: 11, Role: shared.RoleBeneficiary}
	Caseworker       = shared.Actor{ID: 20, Role: shared.RoleCaseworker, FacilityID: 1}
	OtherCaseworker  = shared.Actor{ID: 21, Role: shared.RoleCaseworker, FacilityID: 2}
	Finance          = shared.Actor{ID: 30, Role: shared.RoleFinance, FacilityID: 1}
	OtherFinance     = shared.Actor{ID: 31, Role: shared.RoleFinance, FacilityID: 2}
	Director         = shared.Actor{ID: 40, Role: shared.RoleDirector, FacilityID: 1}
	OtherDirector    = shared.Actor{ID: 41, Role: shared.RoleDirector, FacilityID: 2}
)

// Recorder captures dispatched effects.
type Recorder struct {
	mu            sync.Mutex
	Notifications []shared.Notification
	AuditEvents   []shared.AuditEvent
	ApprovalLogs  []shared.ApprovalLog
	Transitions   []shared.Transition
}

type auditSink struct{ r *Recorder }

func (a auditSink) Record(_ context.Context, ev shared.AuditEvent) error {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.r.AuditEvents = append(a.r.AuditEvents, ev)
	return nil
}

type approvalSink struct{ r *Recorder }

func (a approvalSink) Record(_ context.Context, log shared.ApprovalLog) error {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.r.ApprovalLogs = append(a.r.ApprovalLogs, log)
	return nil
}

// Enqueue implements shared.NotificationPort.
func (r *Recorder) Enqueue(_ context.Context, n shared.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, n)
	return nil
}

// RecordTransition implements shared.TransitionPort.
func (r *Recorder) RecordTransition(t shared.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Transitions = append(r.Transitions, t)
}

// Dispatcher wires a dispatcher whose effects land in r.
func (r *Recorder) Dispatcher() *shared.Dispatcher {
	return shared.NewDispatcher(r, auditSink{r}, approvalSink{r}, Logger()).WithTransitions(r)
}

// AuditTypes lists recorded audit event types in order.
func (r *Recorder) AuditTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.AuditEvents))
	for _, ev := range r.AuditEvents {
		out = append(out, ev.Type)
	}
	return out
}

// NotificationTypes lists recorded notification types in order.
func (r *Recorder) NotificationTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Notifications))
	for _, n := range r.Notifications {
		out = append(out, n.Type)
	}
	return out
}
