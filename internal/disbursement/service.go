package disbursement

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/aidrequest"
	"github.com/aidflow/aidflow/internal/cola"
	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/shared"
)

const workflow = "disbursement"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Disbursement, error)
}

// AidRequestPort loads the request being paid out.
type AidRequestPort interface {
	Get(ctx context.Context, id int64) (aidrequest.AidRequest, error)
}

// FundsPort answers availability checks.
type FundsPort interface {
	AvailableWithFallback(ctx context.Context, facilityID int64, fundType funds.FundType) (decimal.Decimal, error)
}

// DirectoryPort resolves relationships.
type DirectoryPort interface {
	Lookup(ctx context.Context, beneficiaryID int64) (directory.Relationship, error)
}

// EnrollmentPort resolves the approved verification.
type EnrollmentPort interface {
	LatestApproved(ctx context.Context, beneficiaryID int64) (enrollment.Verification, bool, error)
}

// Service runs the four-hop disbursement workflow.
type Service struct {
	repo       RepositoryPort
	requests   AidRequestPort
	funds      FundsPort
	directory  DirectoryPort
	enrollment EnrollmentPort
	dispatcher *shared.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, requests AidRequestPort, fundsPort FundsPort, dir DirectoryPort, enrollment EnrollmentPort, dispatcher *shared.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		requests:   requests,
		funds:      fundsPort,
		directory:  dir,
		enrollment: enrollment,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// FinanceDisburse releases cash for a fully approved request. Funds are only checked
// here; the ledger is charged when the beneficiary confirms receipt.
func (s *Service) FinanceDisburse(ctx context.Context, actor shared.Actor, aidRequestID int64) (Disbursement, error) {
	req, err := s.requests.Get(ctx, aidRequestID)
	if err != nil {
		return Disbursement{}, err
	}
	rel, err := s.directory.Lookup(ctx, req.BeneficiaryID)
	if err != nil {
		return Disbursement{}, err
	}
	if err := directory.RequireFinance(actor, req.FacilityID, "disburse aid"); err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, "aid_request", aidRequestID)
	}
	if req.State != aidrequest.StateApproved {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor,
			shared.Conflict("aid_request", req.ID, string(req.State), string(aidrequest.StateApproved)), "aid_request", aidRequestID)
	}
	available, err := s.funds.AvailableWithFallback(ctx, req.FacilityID, req.FundType)
	if err != nil {
		return Disbursement{}, err
	}
	if available.LessThan(req.Amount) {
		return Disbursement{}, &shared.InsufficientFundsError{FacilityID: req.FacilityID, FundType: string(req.FundType), Available: available, Requested: req.Amount}
	}

	d := Release(req.ID, req.BeneficiaryID, req.FacilityID, req.FundType, req.Period, req.Amount, actor.ID, s.now())
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.ExistsForAidRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if exists {
			return shared.Conflict("aid_request", req.ID, "disbursed", "approved without disbursement")
		}
		id, err := tx.Insert(ctx, d)
		if err != nil {
			return err
		}
		d.ID = id
		return nil
	})
	if err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, "aid_request", aidRequestID)
	}

	var eff shared.Effects
	eff.Moved(workflow, "new", string(d.Status))
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "disbursement_released", Description: "finance released " + shared.FormatMoney(d.Amount),
		EntityType: workflow, EntityID: d.ID, RiskLevel: shared.RiskMedium, Payload: payload(d)})
	eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Beneficiary.CaseworkerID}, Type: "disbursement_released",
		Title: "Cash released for pickup", Payload: payload(d), Priority: shared.PriorityHigh})
	s.dispatcher.Dispatch(ctx, eff)
	return d, nil
}

// Get returns a disbursement to an actor related to its beneficiary.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Disbursement, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Disbursement{}, err
	}
	rel, err := s.directory.Lookup(ctx, d.BeneficiaryID)
	if err != nil {
		return Disbursement{}, err
	}
	if err := directory.RequireViewer(actor, rel, "view disbursement"); err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	return d, nil
}

// Acknowledge records that the caseworker collected the cash from finance.
func (s *Service) Acknowledge(ctx context.Context, actor shared.Actor, id int64) (Disbursement, error) {
	return s.caseworkerHop(ctx, actor, id, "acknowledge disbursement", Acknowledge)
}

// HandOver records that the caseworker gave the cash to the beneficiary.
func (s *Service) HandOver(ctx context.Context, actor shared.Actor, id int64) (Disbursement, error) {
	return s.caseworkerHop(ctx, actor, id, "hand over disbursement", HandOver)
}

func (s *Service) caseworkerHop(ctx context.Context, actor shared.Actor, id int64, action string, step func(Disbursement, int64, time.Time) (Disbursement, error)) (Disbursement, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Disbursement{}, err
	}
	rel, err := s.directory.Lookup(ctx, current.BeneficiaryID)
	if err != nil {
		return Disbursement{}, err
	}
	if err := directory.RequireCaseworker(actor, rel.Beneficiary, action); err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	var before, after Disbursement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := step(d, actor.ID, s.now())
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		before, after = d, next
		return nil
	})
	if err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}

	var eff shared.Effects
	eff.Moved(workflow, string(before.Status), string(after.Status))
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "disbursement_" + string(after.Status), Description: action,
		EntityType: workflow, EntityID: id, RiskLevel: shared.RiskLow, Payload: payload(after)})
	if after.Status == StatusCaseworkerReceived {
		eff.Notify(shared.Notification{FacilityID: after.FacilityID, AudienceRole: shared.RoleFinance, Type: "disbursement_acknowledged",
			Title: "Caseworker collected released cash", Payload: payload(after)})
	} else {
		eff.Notify(shared.Notification{RecipientIDs: []int64{after.BeneficiaryID}, Type: "disbursement_handed_over",
			Title: "Please confirm you received " + shared.FormatMoney(after.Amount), Payload: payload(after), Priority: shared.PriorityHigh})
	}
	s.dispatcher.Dispatch(ctx, eff)
	return after, nil
}

// ConfirmationKey is the idempotency key claimed by the single ledger deduction.
func ConfirmationKey(id int64) string {
	return "disbursement:confirm:" + strconv.FormatInt(id, 10)
}

// Confirm records beneficiary receipt. The ledger deduction, the status write and the
// idempotency claim commit together; concurrent confirmations deduct at most once.
func (s *Service) Confirm(ctx context.Context, actor shared.Actor, id int64) (Disbursement, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Disbursement{}, err
	}
	rel, err := s.directory.Lookup(ctx, current.BeneficiaryID)
	if err != nil {
		return Disbursement{}, err
	}
	if err := directory.RequireBeneficiary(actor, rel.Beneficiary, "confirm disbursement"); err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	var window []shared.Period
	if current.FundType == funds.FundCola {
		v, ok, err := s.enrollment.LatestApproved(ctx, current.BeneficiaryID)
		if err != nil {
			return Disbursement{}, err
		}
		if ok {
			window = cola.AllowedWindow(v.EnrollmentDate)
		}
	}

	var (
		after     Disbursement
		draws     []funds.Draw
		signalled bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draws, signalled = nil, false
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		at := s.now()
		next, err := Confirm(d, actor.ID, at)
		if err != nil {
			return err
		}
		if err := tx.ClaimConfirmation(ctx, ConfirmationKey(id), at); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return shared.Conflict(workflow, id, string(StatusBeneficiaryReceived), string(StatusCaseworkerDisbursed))
			}
			return err
		}
		draws, err = funds.Deduct(ctx, tx.Funds(), d.FacilityID, d.FundType, d.Amount, d.ID, at)
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		if len(window) > 0 {
			n, err := tx.CountReceivedCola(ctx, d.BeneficiaryID, window[0], window[len(window)-1])
			if err != nil {
				return err
			}
			if n >= cola.WindowMonths {
				signalled, err = tx.InsertSignal(ctx, d.BeneficiaryID, SignalSemesterUtilized, window[0], at)
				if err != nil {
					return err
				}
			}
		}
		after = next
		return nil
	})
	if err != nil {
		return Disbursement{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}

	p := payload(after)
	p["draws"] = drawsPayload(draws)
	var eff shared.Effects
	eff.Moved(workflow, string(StatusCaseworkerDisbursed), string(after.Status))
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "disbursement_beneficiary_received", Description: "beneficiary confirmed receipt; ledger charged " + shared.FormatMoney(after.Amount),
		EntityType: workflow, EntityID: id, RiskLevel: shared.RiskMedium, Payload: p})
	eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Beneficiary.CaseworkerID}, FacilityID: after.FacilityID, AudienceRole: shared.RoleFinance,
		Type: "disbursement_confirmed", Title: "Beneficiary confirmed receipt", Payload: p})
	if signalled {
		eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: SignalSemesterUtilized, Description: "every COLA month of the enrollment window has been received",
			EntityType: "beneficiary", EntityID: after.BeneficiaryID, RiskLevel: shared.RiskLow})
		eff.Notify(shared.Notification{RecipientIDs: []int64{after.BeneficiaryID, rel.Beneficiary.CaseworkerID}, Type: SignalSemesterUtilized,
			Title: "Semester COLA allowance fully utilized", Payload: map[string]any{"beneficiary_id": after.BeneficiaryID, "window_start": window[0].String()}})
	}
	s.dispatcher.Dispatch(ctx, eff)
	return after, nil
}

func payload(d Disbursement) map[string]any {
	out := map[string]any{
		"disbursement_id": d.ID,
		"aid_request_id":  d.AidRequestID,
		"beneficiary_id":  d.BeneficiaryID,
		"fund_type":       string(d.FundType),
		"amount":          d.Amount.StringFixed(2),
		"amount_display":  shared.FormatMoney(d.Amount),
		"status":          string(d.Status),
	}
	if d.Period != nil {
		out["period"] = d.Period.String()
	}
	return out
}

func drawsPayload(draws []funds.Draw) []map[string]any {
	out := make([]map[string]any, 0, len(draws))
	for _, d := range draws {
		out = append(out, map[string]any{"allocation_id": d.AllocationID, "fund_type": string(d.FundType), "amount": d.Amount.StringFixed(2)})
	}
	return out
}
