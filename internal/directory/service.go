package directory

import (
	"context"
	"fmt"

	"github.com/aidflow/aidflow/internal/shared"
)

// RepositoryPort describes the lookups Service needs.
type RepositoryPort interface {
	Beneficiary(ctx context.Context, id int64) (Beneficiary, error)
	Facility(ctx context.Context, id int64) (Facility, error)
	StaffIDs(ctx context.Context, facilityID int64, role shared.Role) ([]int64, error)
}

// Service answers relationship questions for the workflows.
type Service struct {
	repo RepositoryPort
}

// NewService constructs Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Lookup resolves a beneficiary and its facility.
func (s *Service) Lookup(ctx context.Context, beneficiaryID int64) (Relationship, error) {
	b, err := s.repo.Beneficiary(ctx, beneficiaryID)
	if err != nil {
		return Relationship{}, fmt.Errorf("directory: beneficiary %d: %w", beneficiaryID, err)
	}
	f, err := s.repo.Facility(ctx, b.FacilityID)
	if err != nil {
		return Relationship{}, fmt.Errorf("directory: facility %d: %w", b.FacilityID, err)
	}
	return Relationship{Beneficiary: b, Facility: f}, nil
}

// Facility resolves a facility by id.
func (s *Service) Facility(ctx context.Context, id int64) (Facility, error) {
	return s.repo.Facility(ctx, id)
}

// StaffIDs lists the users holding role at the facility.
func (s *Service) StaffIDs(ctx context.Context, facilityID int64, role shared.Role) ([]int64, error) {
	return s.repo.StaffIDs(ctx, facilityID, role)
}
