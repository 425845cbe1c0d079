package aidrequest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/attendance"
	"github.com/aidflow/aidflow/internal/cola"
	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/shared"
)

// MinimumAmount is the smallest client-priced request.
var MinimumAmount = decimal.RequireFromString("1.00")

const workflow = "aid_request"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (AidRequest, error)
}

// DirectoryPort resolves relationships.
type DirectoryPort interface {
	Lookup(ctx context.Context, beneficiaryID int64) (directory.Relationship, error)
}

// EnrollmentPort resolves the approved verification.
type EnrollmentPort interface {
	LatestApproved(ctx context.Context, beneficiaryID int64) (enrollment.Verification, bool, error)
}

// ColaPort prices COLA months.
type ColaPort interface {
	FinalAmount(ctx context.Context, beneficiaryID int64, p shared.Period, isScholar bool) (decimal.Decimal, error)
}

// LockerPort serializes recomputation per period across workers.
type LockerPort interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Service orchestrates the aid request workflow.
type Service struct {
	repo       RepositoryPort
	directory  DirectoryPort
	enrollment EnrollmentPort
	cola       ColaPort
	locker     LockerPort
	dispatcher *shared.Dispatcher
	logger     *slog.Logger
	lockTTL    time.Duration
	now        func() time.Time
}

// NewService constructs the workflow service. locker may be nil.
func NewService(repo RepositoryPort, dir DirectoryPort, enrollment EnrollmentPort, colaCalc ColaPort, locker LockerPort, dispatcher *shared.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		directory:  dir,
		enrollment: enrollment,
		cola:       colaCalc,
		locker:     locker,
		dispatcher: dispatcher,
		logger:     logger,
		lockTTL:    30 * time.Second,
		now:        time.Now,
	}
}

// WithLockTTL overrides how long a recompute may hold the period lock.
func (s *Service) WithLockTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// SubmitInput describes a new request.
type SubmitInput struct {
	FundType funds.FundType
	Amount   decimal.Decimal
	Purpose  string
	Period   *shared.Period
}

// Submit files a request for the calling beneficiary at pending/caseworker. COLA
// requests are priced here; the client amount is ignored for them.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, input SubmitInput) (AidRequest, error) {
	if !input.FundType.Requestable() {
		return AidRequest{}, shared.Invalid("fund_type", "must be tuition, cola or other")
	}
	purpose := strings.TrimSpace(input.Purpose)
	if purpose == "" {
		return AidRequest{}, shared.Invalid("purpose", "required")
	}
	if input.FundType.Periodic() && input.Period == nil {
		return AidRequest{}, shared.Invalid("period", "required for "+string(input.FundType))
	}
	if input.FundType != funds.FundCola && input.Amount.LessThan(MinimumAmount) {
		return AidRequest{}, shared.Invalid("amount", "must be at least "+MinimumAmount.StringFixed(2))
	}
	rel, err := s.directory.Lookup(ctx, actor.ID)
	if err != nil {
		return AidRequest{}, err
	}
	if err := directory.RequireBeneficiary(actor, rel.Beneficiary, "submit aid request"); err != nil {
		return AidRequest{}, s.dispatcher.Refused(ctx, actor, err, workflow, 0)
	}
	verification, ok, err := s.enrollment.LatestApproved(ctx, actor.ID)
	if err != nil {
		return AidRequest{}, err
	}
	if !ok {
		return AidRequest{}, shared.RuleViolation("enrollment_required", "an approved enrollment verification is required before requesting aid")
	}

	amount := shared.RoundMoney(input.Amount)
	if input.FundType == funds.FundCola {
		if !cola.InWindow(verification.EnrollmentDate, *input.Period) {
			return AidRequest{}, shared.RuleViolation("cola_window", "COLA for "+input.Period.String()+" is outside the five months following enrollment")
		}
		amount, err = s.cola.FinalAmount(ctx, actor.ID, *input.Period, verification.IsScholar)
		if err != nil {
			return AidRequest{}, err
		}
		if !amount.IsPositive() {
			return AidRequest{}, shared.RuleViolation("cola_zero", "Sunday absence deductions leave no allowance for "+input.Period.String()+"; no request can be submitted")
		}
	}

	req := New(actor.ID, rel.Beneficiary.FacilityID, input.FundType, amount, purpose, input.Period, s.now())
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.FundType.Periodic() {
			exists, err := tx.ExistsActive(ctx, actor.ID, input.FundType, *input.Period)
			if err != nil {
				return err
			}
			if exists {
				return shared.RuleViolation("duplicate_period", "a "+string(input.FundType)+" request for "+input.Period.String()+" already exists")
			}
		}
		id, err := tx.Insert(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		return nil
	})
	if err != nil {
		return AidRequest{}, err
	}

	var eff shared.Effects
	eff.Moved(workflow, "new", string(req.State))
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "aid_request_submitted", Description: string(req.FundType) + " request for " + shared.FormatMoney(req.Amount),
		EntityType: workflow, EntityID: req.ID, RiskLevel: shared.RiskLow, Payload: requestPayload(req)})
	eff.Approve(shared.ApprovalLog{Module: shared.ModuleAidRequest, RefID: shared.ApprovalRef(shared.ModuleAidRequest, req.ID), Level: "beneficiary",
		ActorID: actor.ID, Action: shared.ApprovalSubmit, At: req.CreatedAt})
	eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Beneficiary.CaseworkerID}, Type: "aid_request_submitted",
		Title: "New aid request awaiting your review", Payload: requestPayload(req)})
	s.dispatcher.Dispatch(ctx, eff)
	return req, nil
}

// Get returns a request to an actor related to its beneficiary. A pending COLA request
// shows what it would cost if approved now; the stored amount is left alone.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (AidRequest, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return AidRequest{}, err
	}
	rel, err := s.directory.Lookup(ctx, req.BeneficiaryID)
	if err != nil {
		return AidRequest{}, err
	}
	if err := directory.RequireViewer(actor, rel, "view aid request"); err != nil {
		return AidRequest{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	return s.currentPrice(ctx, req)
}

func (s *Service) currentPrice(ctx context.Context, req AidRequest) (AidRequest, error) {
	if req.FundType != funds.FundCola || req.Status() != StatusPending || req.Period == nil {
		return req, nil
	}
	verification, ok, err := s.enrollment.LatestApproved(ctx, req.BeneficiaryID)
	if err != nil || !ok {
		return req, err
	}
	amount, err := s.cola.FinalAmount(ctx, req.BeneficiaryID, *req.Period, verification.IsScholar)
	if err != nil {
		return AidRequest{}, err
	}
	req.Amount = amount
	return req, nil
}

// ReviewInput carries one level's decision.
type ReviewInput struct {
	Approve bool
	Notes   string
}

// CaseworkerReview decides a pending/caseworker request.
func (s *Service) CaseworkerReview(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (AidRequest, error) {
	return s.review(ctx, actor, id, LevelCaseworker, input)
}

// FinanceReview decides a pending/finance request; approving re-prices COLA.
func (s *Service) FinanceReview(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (AidRequest, error) {
	return s.review(ctx, actor, id, LevelFinance, input)
}

// DirectorReview decides a pending/director request; approving re-prices COLA one
// final time and releases the request for disbursement.
func (s *Service) DirectorReview(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (AidRequest, error) {
	return s.review(ctx, actor, id, LevelDirector, input)
}

func authorizeLevel(actor shared.Actor, rel directory.Relationship, level Level) error {
	switch level {
	case LevelCaseworker:
		return directory.RequireCaseworker(actor, rel.Beneficiary, "caseworker review")
	case LevelFinance:
		return directory.RequireFinance(actor, rel.Beneficiary.FacilityID, "finance review")
	default:
		return directory.RequireDirector(actor, rel.Facility, "director review")
	}
}

func (s *Service) review(ctx context.Context, actor shared.Actor, id int64, level Level, input ReviewInput) (AidRequest, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return AidRequest{}, err
	}
	rel, err := s.directory.Lookup(ctx, current.BeneficiaryID)
	if err != nil {
		return AidRequest{}, err
	}
	if err := authorizeLevel(actor, rel, level); err != nil {
		return AidRequest{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}

	reprice := input.Approve && level != LevelCaseworker && current.FundType == funds.FundCola
	var verification enrollment.Verification
	if reprice {
		var ok bool
		verification, ok, err = s.enrollment.LatestApproved(ctx, current.BeneficiaryID)
		if err != nil {
			return AidRequest{}, err
		}
		if !ok {
			return AidRequest{}, shared.RuleViolation("enrollment_required", "the beneficiary no longer has an approved enrollment verification")
		}
	}

	var before, after AidRequest
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := Decide(req, level, input.Approve, actor.ID, strings.TrimSpace(input.Notes), s.now())
		if err != nil {
			return err
		}
		if reprice && next.Period != nil {
			amount, err := s.cola.FinalAmount(ctx, next.BeneficiaryID, *next.Period, verification.IsScholar)
			if err != nil {
				return err
			}
			if !amount.IsPositive() {
				return shared.RuleViolation("cola_zero", "Sunday absence deductions leave no allowance for "+next.Period.String())
			}
			next.Amount = amount
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		before, after = req, next
		return nil
	})
	if err != nil {
		return AidRequest{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	s.dispatcher.Dispatch(ctx, reviewEffects(actor, rel, level, before, after))
	return after, nil
}

func reviewEffects(actor shared.Actor, rel directory.Relationship, level Level, before, after AidRequest) shared.Effects {
	var eff shared.Effects
	eff.Moved(workflow, string(before.State), string(after.State))
	approved := after.State != StateRejected
	action, verb := shared.ApprovalReject, "rejected"
	if approved {
		action, verb = shared.ApprovalApprove, "approved"
	}
	notes := after.review(level).Notes
	payload := requestPayload(after)
	if !before.Amount.Equal(after.Amount) {
		payload["previous_amount"] = before.Amount.StringFixed(2)
	}
	risk := shared.RiskLow
	if level == LevelDirector {
		risk = shared.RiskMedium
	}
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "aid_request_" + string(level) + "_" + verb, Description: string(level) + " " + verb + " aid request",
		EntityType: workflow, EntityID: after.ID, RiskLevel: risk, Payload: payload})
	eff.Approve(shared.ApprovalLog{Module: shared.ModuleAidRequest, RefID: shared.ApprovalRef(shared.ModuleAidRequest, after.ID), Level: string(level),
		ActorID: actor.ID, Action: action, Note: notes, At: after.UpdatedAt})

	if !approved {
		recipients := []int64{after.BeneficiaryID}
		if level != LevelCaseworker {
			recipients = append(recipients, rel.Beneficiary.CaseworkerID)
		}
		eff.Notify(shared.Notification{RecipientIDs: recipients, Type: "aid_request_rejected", Title: "Aid request rejected at " + string(level) + " review",
			Payload: payload, Priority: shared.PriorityHigh})
		return eff
	}
	switch after.State {
	case StatePendingFinance:
		eff.Notify(shared.Notification{FacilityID: after.FacilityID, AudienceRole: shared.RoleFinance, Type: "aid_request_pending_finance",
			Title: "Aid request awaiting finance review", Payload: payload})
	case StatePendingDirector:
		eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Facility.DirectorID}, Type: "aid_request_pending_director",
			Title: "Aid request awaiting director approval", Payload: payload})
	case StateApproved:
		eff.Notify(shared.Notification{RecipientIDs: []int64{after.BeneficiaryID, rel.Beneficiary.CaseworkerID}, Type: "aid_request_approved",
			Title: "Aid request approved for " + shared.FormatMoney(after.Amount), Payload: payload, Priority: shared.PriorityHigh})
		eff.Notify(shared.Notification{FacilityID: after.FacilityID, AudienceRole: shared.RoleFinance, Type: "aid_request_ready_for_disbursement",
			Title: "Approved aid request ready for disbursement", Payload: payload, Priority: shared.PriorityHigh})
	}
	return eff
}

// RecomputeColaForPeriod re-prices every pending COLA request of the beneficiary for
// the changed month. It returns the number of requests whose amount changed.
func (s *Service) RecomputeColaForPeriod(ctx context.Context, ev attendance.Changed) (int, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.ColaRecomputeLockKey(ev.BeneficiaryID, ev.Period), s.lockTTL)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release cola lock", slog.Any("error", err))
			}
		}()
	}
	verification, ok, err := s.enrollment.LatestApproved(ctx, ev.BeneficiaryID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	amount, err := s.cola.FinalAmount(ctx, ev.BeneficiaryID, ev.Period, verification.IsScholar)
	if err != nil {
		return 0, err
	}
	var changed []AidRequest
	previous := map[int64]decimal.Decimal{}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		changed, previous = nil, map[int64]decimal.Decimal{}
		pending, err := tx.ListPendingColaForUpdate(ctx, ev.BeneficiaryID, ev.Period)
		if err != nil {
			return err
		}
		for _, req := range pending {
			if req.Amount.Equal(amount) {
				continue
			}
			previous[req.ID] = req.Amount
			req.Amount = amount
			req.UpdatedAt = s.now()
			if err := tx.Update(ctx, req); err != nil {
				return err
			}
			changed = append(changed, req)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var eff shared.Effects
	for _, req := range changed {
		eff.Audit(shared.AuditEvent{Type: "cola_amount_recomputed", Description: "attendance change re-priced COLA for " + ev.Period.String(),
			EntityType: workflow, EntityID: req.ID, RiskLevel: shared.RiskLow,
			Payload: map[string]any{"previous_amount": previous[req.ID].StringFixed(2), "amount": req.Amount.StringFixed(2), "stage": string(req.Stage())}})
	}
	s.dispatcher.Dispatch(ctx, eff)
	return len(changed), nil
}

// IsLockHeld reports whether err means another worker is already recomputing.
func IsLockHeld(err error) bool {
	return errors.Is(err, shared.ErrLockHeld)
}

func requestPayload(r AidRequest) map[string]any {
	payload := map[string]any{
		"aid_request_id": r.ID,
		"beneficiary_id": r.BeneficiaryID,
		"fund_type":      string(r.FundType),
		"amount":         r.Amount.StringFixed(2),
		"amount_display": shared.FormatMoney(r.Amount),
		"status":         string(r.Status()),
		"stage":          string(r.Stage()),
	}
	if r.Period != nil {
		payload["period"] = r.Period.String()
	}
	return payload
}
