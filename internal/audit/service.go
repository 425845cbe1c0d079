package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/aidflow/aidflow/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	exportLimit     = 5000
)

var riskRank = map[string]int{
	shared.RiskLow:      0,
	shared.RiskMedium:   1,
	shared.RiskHigh:     2,
	shared.RiskCritical: 3,
}

// Repository reads audit_logs.
type Repository interface {
	Timeline(ctx context.Context, q Query) ([]TimelineRow, error)
}

// Service coordinates audit timeline reads.
type Service struct {
	repo Repository
}

// NewService creates an audit timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of the audit trail of the director's facility.
func (s *Service) Timeline(ctx context.Context, actor shared.Actor, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	q, err := s.query(actor, filters)
	if err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	q.Offset = (page - 1) * pageSize
	q.Limit = pageSize + 1

	rows, err := s.repo.Timeline(ctx, q)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns the whole filtered window, capped.
func (s *Service) Export(ctx context.Context, actor shared.Actor, filters TimelineFilters) ([]TimelineRow, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	q, err := s.query(actor, filters)
	if err != nil {
		return nil, err
	}
	q.Limit = exportLimit
	return s.repo.Timeline(ctx, q)
}

func (s *Service) query(actor shared.Actor, filters TimelineFilters) (Query, error) {
	if actor.Role != shared.RoleDirector || actor.FacilityID == 0 {
		return Query{}, &shared.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: "view audit timeline", Reason: "facility director required", RiskLevel: shared.RiskHigh}
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return Query{}, shared.Invalid("from", "must not be after to")
	}
	filters.MinRisk = strings.ToLower(strings.TrimSpace(filters.MinRisk))
	if filters.MinRisk != "" {
		if _, ok := riskRank[filters.MinRisk]; !ok {
			return Query{}, shared.Invalid("min_risk", "unknown risk level")
		}
	}
	filters.EntityType = strings.TrimSpace(filters.EntityType)
	filters.EventType = strings.TrimSpace(filters.EventType)
	return Query{TimelineFilters: filters, FacilityID: actor.FacilityID}, nil
}

// RiskAtLeast reports whether level ranks at or above min.
func RiskAtLeast(level, min string) bool {
	if min == "" {
		return true
	}
	return riskRank[level] >= riskRank[min]
}
