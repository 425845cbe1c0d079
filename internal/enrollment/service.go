package enrollment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Verification, error)
	LatestApproved(ctx context.Context, beneficiaryID int64) (Verification, error)
}

// DirectoryPort resolves relationships.
type DirectoryPort interface {
	Lookup(ctx context.Context, beneficiaryID int64) (directory.Relationship, error)
}

// Service manages enrollment verification.
type Service struct {
	repo       RepositoryPort
	directory  DirectoryPort
	dispatcher *shared.Dispatcher
	now        func() time.Time
}

// NewService constructs enrollment service.
func NewService(repo RepositoryPort, dir DirectoryPort, dispatcher *shared.Dispatcher) *Service {
	return &Service{repo: repo, directory: dir, dispatcher: dispatcher, now: time.Now}
}

// LatestApproved returns the beneficiary's current approved verification. ok is false
// when none exists.
func (s *Service) LatestApproved(ctx context.Context, beneficiaryID int64) (Verification, bool, error) {
	v, err := s.repo.LatestApproved(ctx, beneficiaryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Verification{}, false, nil
		}
		return Verification{}, false, err
	}
	return v, true, nil
}

// SubmitInput describes a new verification.
type SubmitInput struct {
	IsScholar      bool
	EnrollmentDate time.Time
	DocumentRef    string
}

// Submit files a verification for the calling beneficiary.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, input SubmitInput) (Verification, error) {
	if input.EnrollmentDate.IsZero() {
		return Verification{}, shared.Invalid("enrollment_date", "required")
	}
	if strings.TrimSpace(input.DocumentRef) == "" {
		return Verification{}, shared.Invalid("document_ref", "required")
	}
	rel, err := s.directory.Lookup(ctx, actor.ID)
	if err != nil {
		return Verification{}, err
	}
	if err := directory.RequireBeneficiary(actor, rel.Beneficiary, "submit enrollment verification"); err != nil {
		return Verification{}, s.dispatcher.Refused(ctx, actor, err, "enrollment_verification", 0)
	}
	v := Verification{
		BeneficiaryID:  actor.ID,
		IsScholar:      input.IsScholar,
		EnrollmentDate: input.EnrollmentDate,
		DocumentRef:    input.DocumentRef,
		Status:         StatusPending,
		CreatedAt:      s.now(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, v)
		if err != nil {
			return err
		}
		v.ID = id
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	var eff shared.Effects
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "enrollment_submitted", Description: "enrollment verification submitted",
		EntityType: "enrollment_verification", EntityID: v.ID, RiskLevel: shared.RiskLow})
	eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Beneficiary.CaseworkerID}, Type: "enrollment_submitted",
		Title: "Enrollment verification awaiting review", Payload: map[string]any{"verification_id": v.ID, "beneficiary_id": actor.ID}})
	s.dispatcher.Dispatch(ctx, eff)
	return v, nil
}

// Review approves or rejects a pending verification. Only the assigned caseworker may review.
func (s *Service) Review(ctx context.Context, actor shared.Actor, id int64, approve bool, notes string) (Verification, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	rel, err := s.directory.Lookup(ctx, current.BeneficiaryID)
	if err != nil {
		return Verification{}, err
	}
	if err := directory.RequireCaseworker(actor, rel.Beneficiary, "review enrollment verification"); err != nil {
		return Verification{}, s.dispatcher.Refused(ctx, actor, err, "enrollment_verification", id)
	}
	if !approve && strings.TrimSpace(notes) == "" {
		return Verification{}, shared.Invalid("notes", "a reason is required to reject")
	}
	var updated Verification
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if v.Status != StatusPending {
			return shared.Conflict("enrollment_verification", id, string(v.Status), string(StatusPending))
		}
		at := s.now()
		v.Status = StatusRejected
		if approve {
			v.Status = StatusApproved
		}
		v.ReviewedBy = actor.ID
		v.ReviewedAt = &at
		v.ReviewNotes = notes
		if err := tx.UpdateReview(ctx, v); err != nil {
			return err
		}
		updated = v
		return nil
	})
	if err != nil {
		return Verification{}, s.dispatcher.Refused(ctx, actor, err, "enrollment_verification", id)
	}
	var eff shared.Effects
	eff.Moved("enrollment", string(StatusPending), string(updated.Status))
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "enrollment_" + string(updated.Status), Description: "enrollment verification reviewed",
		EntityType: "enrollment_verification", EntityID: id, RiskLevel: shared.RiskLow, Payload: map[string]any{"notes": notes}})
	eff.Notify(shared.Notification{RecipientIDs: []int64{updated.BeneficiaryID}, Type: "enrollment_" + string(updated.Status),
		Title: "Enrollment verification " + string(updated.Status), Payload: map[string]any{"verification_id": id}})
	s.dispatcher.Dispatch(ctx, eff)
	return updated, nil
}
