package attendance

import (
	"context"
	"log/slog"
	"time"

	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	Get(ctx context.Context, id int64) (Record, error)
	Update(ctx context.Context, rec Record) error
	ListMonth(ctx context.Context, beneficiaryID int64, p shared.Period) ([]Record, error)
}

// DirectoryPort resolves relationships.
type DirectoryPort interface {
	Lookup(ctx context.Context, beneficiaryID int64) (directory.Relationship, error)
}

// EventPublisher fans Changed events out to the COLA recompute consumer.
type EventPublisher interface {
	PublishAttendanceChanged(ctx context.Context, ev Changed) error
}

// Service is the attendance ledger.
type Service struct {
	repo       RepositoryPort
	directory  DirectoryPort
	events     EventPublisher
	dispatcher *shared.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs attendance service.
func NewService(repo RepositoryPort, dir DirectoryPort, events EventPublisher, dispatcher *shared.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, directory: dir, events: events, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// RecordInput describes one attendance mark.
type RecordInput struct {
	BeneficiaryID int64
	Date          time.Time
	Status        Status
	Notes         string
}

// Record stores a new attendance mark. Only the assigned caseworker may record.
func (s *Service) Record(ctx context.Context, actor shared.Actor, input RecordInput) (Record, error) {
	if input.BeneficiaryID == 0 {
		return Record{}, shared.Invalid("beneficiary_id", "required")
	}
	if input.Date.IsZero() {
		return Record{}, shared.Invalid("date", "required")
	}
	if !input.Status.Valid() {
		return Record{}, shared.Invalid("status", "must be present, absent or excused")
	}
	if err := s.authorize(ctx, actor, input.BeneficiaryID, 0); err != nil {
		return Record{}, err
	}
	date := DateOnly(input.Date)
	now := s.now()
	rec := Record{
		BeneficiaryID: input.BeneficiaryID,
		Date:          date,
		DayOfWeek:     date.Weekday(),
		Status:        input.Status,
		Notes:         input.Notes,
		RecordedBy:    actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	id, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	rec.ID = id
	s.afterChange(ctx, actor, rec, "attendance_recorded")
	return rec, nil
}

// UpdateStatus rewrites an existing mark.
func (s *Service) UpdateStatus(ctx context.Context, actor shared.Actor, id int64, status Status, notes string) (Record, error) {
	if !status.Valid() {
		return Record{}, shared.Invalid("status", "must be present, absent or excused")
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := s.authorize(ctx, actor, rec.BeneficiaryID, id); err != nil {
		return Record{}, err
	}
	rec.Status = status
	rec.Notes = notes
	rec.RecordedBy = actor.ID
	rec.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	s.afterChange(ctx, actor, rec, "attendance_updated")
	return rec, nil
}

func (s *Service) authorize(ctx context.Context, actor shared.Actor, beneficiaryID, recordID int64) error {
	rel, err := s.directory.Lookup(ctx, beneficiaryID)
	if err != nil {
		return err
	}
	if err := directory.RequireCaseworker(actor, rel.Beneficiary, "record attendance"); err != nil {
		return s.dispatcher.Refused(ctx, actor, err, "attendance_record", recordID)
	}
	return nil
}

func (s *Service) afterChange(ctx context.Context, actor shared.Actor, rec Record, eventType string) {
	ev := Changed{BeneficiaryID: rec.BeneficiaryID, Period: shared.PeriodOf(rec.Date)}
	if s.events != nil {
		if err := s.events.PublishAttendanceChanged(ctx, ev); err != nil {
			s.logger.Warn("publish attendance changed", slog.Int64("beneficiary_id", ev.BeneficiaryID), slog.String("period", ev.Period.String()), slog.Any("error", err))
		}
	}
	s.dispatcher.Dispatch(ctx, shared.Effects{Audits: []shared.AuditEvent{{
		ActorID:     actor.ID,
		Type:        eventType,
		Description: "attendance " + string(rec.Status) + " on " + rec.Date.Format(time.DateOnly),
		EntityType:  "attendance_record",
		EntityID:    rec.ID,
		RiskLevel:   shared.RiskLow,
		Payload:     map[string]any{"beneficiary_id": rec.BeneficiaryID, "status": string(rec.Status)},
	}}})
}

// MonthlySummary aggregates one month. Store failures degrade to an empty summary.
func (s *Service) MonthlySummary(ctx context.Context, beneficiaryID int64, p shared.Period) Summary {
	records, err := s.repo.ListMonth(ctx, beneficiaryID, p)
	if err != nil {
		s.logger.Warn("attendance summary unavailable", slog.Int64("beneficiary_id", beneficiaryID), slog.String("period", p.String()), slog.Any("error", err))
		return Summary{}
	}
	return Summarize(records)
}

// SummaryFor returns the summary to an actor related to the beneficiary.
func (s *Service) SummaryFor(ctx context.Context, actor shared.Actor, beneficiaryID int64, p shared.Period) (Summary, error) {
	rel, err := s.directory.Lookup(ctx, beneficiaryID)
	if err != nil {
		return Summary{}, err
	}
	if err := directory.RequireViewer(actor, rel, "view attendance"); err != nil {
		return Summary{}, s.dispatcher.Refused(ctx, actor, err, "beneficiary", beneficiaryID)
	}
	return s.MonthlySummary(ctx, beneficiaryID, p), nil
}

// SundayAbsenceCount counts absences recorded on Sundays in the month. Unlike
// MonthlySummary it reports store failures, since the count prices COLA requests.
func (s *Service) SundayAbsenceCount(ctx context.Context, beneficiaryID int64, p shared.Period) (int, error) {
	records, err := s.repo.ListMonth(ctx, beneficiaryID, p)
	if err != nil {
		return 0, err
	}
	return Summarize(records).SundayAbsences, nil
}
