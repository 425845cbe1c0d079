package funds

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Allocation, error)
	ListActive(ctx context.Context, facilityID int64, types []FundType) ([]Allocation, error)
	ListByFacility(ctx context.Context, facilityID int64) ([]Allocation, error)
}

// Service administers allocations and answers availability questions.
type Service struct {
	repo       RepositoryPort
	dispatcher *shared.Dispatcher
	now        func() time.Time
}

// NewService constructs funds service.
func NewService(repo RepositoryPort, dispatcher *shared.Dispatcher) *Service {
	return &Service{repo: repo, dispatcher: dispatcher, now: time.Now}
}

// AvailableForType sums the remaining balance of the active pools of exactly fundType.
func (s *Service) AvailableForType(ctx context.Context, facilityID int64, fundType FundType) (decimal.Decimal, error) {
	pools, err := s.repo.ListActive(ctx, facilityID, []FundType{fundType})
	if err != nil {
		return decimal.Zero, err
	}
	return Available(pools, fundType), nil
}

// AvailableWithFallback sums what a deduction of fundType could draw, general pools included.
func (s *Service) AvailableWithFallback(ctx context.Context, facilityID int64, fundType FundType) (decimal.Decimal, error) {
	pools, err := s.repo.ListActive(ctx, facilityID, []FundType{fundType, FundGeneral})
	if err != nil {
		return decimal.Zero, err
	}
	return AvailableWithFallback(pools, fundType), nil
}

// List returns the facility's pools.
func (s *Service) List(ctx context.Context, actor shared.Actor) ([]Allocation, error) {
	if err := requireStaff(actor, actor.FacilityID); err != nil {
		return nil, s.dispatcher.Refused(ctx, actor, err, "facility", actor.FacilityID)
	}
	return s.repo.ListByFacility(ctx, actor.FacilityID)
}

// CreateInput describes a new pool.
type CreateInput struct {
	FundType    FundType
	SponsorName string
	Allocated   decimal.Decimal
}

// Create opens a pool at the actor's facility.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Allocation, error) {
	if !input.FundType.Valid() {
		return Allocation{}, shared.Invalid("fund_type", "must be tuition, cola, other or general")
	}
	if strings.TrimSpace(input.SponsorName) == "" {
		return Allocation{}, shared.Invalid("sponsor_name", "required")
	}
	if !input.Allocated.IsPositive() {
		return Allocation{}, shared.Invalid("allocated_amount", "must be positive")
	}
	if err := directory.RequireFinance(actor, actor.FacilityID, "create fund allocation"); err != nil {
		return Allocation{}, s.dispatcher.Refused(ctx, actor, err, "fund_allocation", 0)
	}
	now := s.now()
	a := Allocation{
		FacilityID:  actor.FacilityID,
		FundType:    input.FundType,
		SponsorName: strings.TrimSpace(input.SponsorName),
		Allocated:   shared.RoundMoney(input.Allocated),
		Utilized:    decimal.Zero,
		IsActive:    true,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a.Recompute()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, a)
		if err != nil {
			return err
		}
		a.ID = id
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}
	s.audit(ctx, actor, "fund_allocation_created", a, shared.RiskMedium)
	return a, nil
}

// UpdateInput describes an edit.
type UpdateInput struct {
	SponsorName string
	Allocated   decimal.Decimal
}

// Update edits sponsor and allocated amount. Allocated may not drop below utilized.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, input UpdateInput) (Allocation, error) {
	if !input.Allocated.IsPositive() {
		return Allocation{}, shared.Invalid("allocated_amount", "must be positive")
	}
	var updated Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := directory.RequireFinance(actor, a.FacilityID, "update fund allocation"); err != nil {
			return err
		}
		if !a.IsActive {
			return shared.Conflict("fund_allocation", id, "archived", "active")
		}
		allocated := shared.RoundMoney(input.Allocated)
		if allocated.LessThan(a.Utilized) {
			return shared.RuleViolation("allocation_below_utilized", "allocated amount cannot be lower than the "+shared.FormatMoney(a.Utilized)+" already utilized")
		}
		if name := strings.TrimSpace(input.SponsorName); name != "" {
			a.SponsorName = name
		}
		a.Allocated = allocated
		a.Recompute()
		a.UpdatedAt = s.now()
		if err := tx.Save(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return Allocation{}, s.dispatcher.Refused(ctx, actor, err, "fund_allocation", id)
	}
	s.audit(ctx, actor, "fund_allocation_updated", updated, shared.RiskMedium)
	return updated, nil
}

// Archive deactivates a pool; archived pools are never deducted from.
func (s *Service) Archive(ctx context.Context, actor shared.Actor, id int64) (Allocation, error) {
	var archived Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := directory.RequireFinance(actor, a.FacilityID, "archive fund allocation"); err != nil {
			return err
		}
		if !a.IsActive {
			return shared.Conflict("fund_allocation", id, "archived", "active")
		}
		a.IsActive = false
		a.UpdatedAt = s.now()
		if err := tx.Save(ctx, a); err != nil {
			return err
		}
		archived = a
		return nil
	})
	if err != nil {
		return Allocation{}, s.dispatcher.Refused(ctx, actor, err, "fund_allocation", id)
	}
	s.audit(ctx, actor, "fund_allocation_archived", archived, shared.RiskHigh)
	return archived, nil
}

func (s *Service) audit(ctx context.Context, actor shared.Actor, eventType string, a Allocation, risk string) {
	s.dispatcher.Dispatch(ctx, shared.Effects{Audits: []shared.AuditEvent{{
		ActorID:     actor.ID,
		Type:        eventType,
		Description: string(a.FundType) + " pool from " + a.SponsorName,
		EntityType:  "fund_allocation",
		EntityID:    a.ID,
		RiskLevel:   risk,
		Payload: map[string]any{
			"allocated": a.Allocated.StringFixed(2),
			"utilized":  a.Utilized.StringFixed(2),
			"remaining": a.Remaining.StringFixed(2),
			"active":    a.IsActive,
		},
	}}})
}

func requireStaff(actor shared.Actor, facilityID int64) error {
	if actor.Role == shared.RoleFinance {
		return directory.RequireFinance(actor, facilityID, "view fund allocations")
	}
	if actor.Role == shared.RoleDirector && actor.FacilityID != 0 && actor.FacilityID == facilityID {
		return nil
	}
	return &shared.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: "view fund allocations", Reason: "finance or director of the facility required", RiskLevel: shared.RiskHigh}
}
