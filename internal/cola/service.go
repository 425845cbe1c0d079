package cola

import (
	"context"

	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/shared"
)

// EnrollmentPort resolves the approved verification.
type EnrollmentPort interface {
	LatestApproved(ctx context.Context, beneficiaryID int64) (enrollment.Verification, bool, error)
}

// DirectoryPort resolves relationships.
type DirectoryPort interface {
	Lookup(ctx context.Context, beneficiaryID int64) (directory.Relationship, error)
}

// Service answers COLA previews.
type Service struct {
	calc       *Calculator
	enrollment EnrollmentPort
	directory  DirectoryPort
	dispatcher *shared.Dispatcher
}

// NewService constructs Service.
func NewService(calc *Calculator, enrollment EnrollmentPort, dir DirectoryPort, dispatcher *shared.Dispatcher) *Service {
	return &Service{calc: calc, enrollment: enrollment, directory: dir, dispatcher: dispatcher}
}

// Preview is the priced month plus eligibility.
type Preview struct {
	BeneficiaryID int64           `json:"beneficiary_id"`
	Period        shared.Period   `json:"period"`
	IsScholar     bool            `json:"is_scholar"`
	InWindow      bool            `json:"in_window"`
	Window        []shared.Period `json:"window"`
	Breakdown
}

// Preview prices a month for any actor related to the beneficiary.
func (s *Service) Preview(ctx context.Context, actor shared.Actor, beneficiaryID int64, p shared.Period) (Preview, error) {
	rel, err := s.directory.Lookup(ctx, beneficiaryID)
	if err != nil {
		return Preview{}, err
	}
	if err := directory.RequireViewer(actor, rel, "preview cola"); err != nil {
		return Preview{}, s.dispatcher.Refused(ctx, actor, err, "beneficiary", beneficiaryID)
	}
	v, ok, err := s.enrollment.LatestApproved(ctx, beneficiaryID)
	if err != nil {
		return Preview{}, err
	}
	if !ok {
		return Preview{}, shared.RuleViolation("enrollment_required", "no approved enrollment verification on file")
	}
	b, err := s.calc.SharedBreakdown(ctx, beneficiaryID, p, v.IsScholar)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		BeneficiaryID: beneficiaryID,
		Period:        p,
		IsScholar:     v.IsScholar,
		InWindow:      InWindow(v.EnrollmentDate, p),
		Window:        AllowedWindow(v.EnrollmentDate),
		Breakdown:     b,
	}, nil
}
