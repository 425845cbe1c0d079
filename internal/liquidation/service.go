package liquidation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/disbursement"
	"github.com/aidflow/aidflow/internal/shared"
)

const workflow = "liquidation"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Liquidation, error)
	LatestForDisbursement(ctx context.Context, disbursementID int64) (Liquidation, error)
}

// DisbursementPort loads the disbursement being liquidated.
type DisbursementPort interface {
	Get(ctx context.Context, id int64) (disbursement.Disbursement, error)
}

// DirectoryPort resolves relationships.
type DirectoryPort interface {
	Lookup(ctx context.Context, beneficiaryID int64) (directory.Relationship, error)
}

// Service runs the liquidation workflow.
type Service struct {
	repo          RepositoryPort
	disbursements DisbursementPort
	directory     DirectoryPort
	dispatcher    *shared.Dispatcher
	logger        *slog.Logger
	now           func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, disbursements DisbursementPort, dir DirectoryPort, dispatcher *shared.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, disbursements: disbursements, directory: dir, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// ReceiptInput describes one uploaded receipt.
type ReceiptInput struct {
	Amount      decimal.Decimal
	Date        time.Time
	Number      string
	Description string
	FileRef     string
}

// AttachReceipts adds receipts to the open liquidation of a disbursement. A new
// liquidation starts only once the latest has been submitted or decided; a complete
// but unsubmitted one refuses further receipts.
func (s *Service) AttachReceipts(ctx context.Context, actor shared.Actor, disbursementID int64, inputs []ReceiptInput) (Liquidation, error) {
	if len(inputs) == 0 {
		return Liquidation{}, shared.Invalid("receipts", "at least one receipt is required")
	}
	d, err := s.disbursements.Get(ctx, disbursementID)
	if err != nil {
		return Liquidation{}, err
	}
	rel, err := s.directory.Lookup(ctx, d.BeneficiaryID)
	if err != nil {
		return Liquidation{}, err
	}
	if err := directory.RequireBeneficiary(actor, rel.Beneficiary, "attach receipts"); err != nil {
		return Liquidation{}, s.dispatcher.Refused(ctx, actor, err, "disbursement", disbursementID)
	}

	var (
		result  Liquidation
		created bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created = false
		d, err := tx.Disbursements().GetForUpdate(ctx, disbursementID)
		if err != nil {
			return err
		}
		if d.Status != disbursement.StatusBeneficiaryReceived {
			return shared.Conflict("disbursement", d.ID, string(d.Status), string(disbursement.StatusBeneficiaryReceived))
		}
		if !d.CanLiquidate() {
			return shared.RuleViolation("fully_liquidated", "the disbursement is already fully liquidated")
		}
		window, _ := d.FundingPeriod()
		at := s.now()
		receipts := make([]Receipt, 0, len(inputs))
		for _, in := range inputs {
			r := Receipt{
				Amount:      shared.RoundMoney(in.Amount),
				Date:        receiptTime(in.Date),
				Number:      strings.TrimSpace(in.Number),
				Description: strings.TrimSpace(in.Description),
				FileRef:     strings.TrimSpace(in.FileRef),
				CreatedAt:   at,
			}
			if err := ValidateReceipt(r, window); err != nil {
				return err
			}
			receipts = append(receipts, r)
		}

		l, ok, err := tx.LatestForDisbursementForUpdate(ctx, d.ID)
		if err != nil {
			return err
		}
		if ok && l.IsOpen() && !l.CanAddMore() {
			return shared.Conflict(workflow, l.ID, string(l.Status), string(StatusInProgress))
		}
		if !ok || !l.IsOpen() {
			l = Open(d, at)
			id, err := tx.Insert(ctx, l)
			if err != nil {
				return err
			}
			l.ID = id
			created = true
		}
		for i := range receipts {
			receipts[i].LiquidationID = l.ID
			id, err := tx.InsertReceipt(ctx, receipts[i])
			if err != nil {
				return err
			}
			receipts[i].ID = id
		}
		next, err := Attach(l, receipts, at)
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return Liquidation{}, s.dispatcher.Refused(ctx, actor, err, "disbursement", disbursementID)
	}

	var eff shared.Effects
	if created {
		eff.Moved(workflow, "new", string(StatusInProgress))
	}
	if result.IsComplete {
		eff.Moved(workflow, string(StatusInProgress), string(StatusComplete))
		eff.Notify(shared.Notification{RecipientIDs: []int64{result.BeneficiaryID}, Type: "liquidation_complete",
			Title: "Receipts cover the disbursement; submit for approval", Payload: payload(result)})
	}
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "liquidation_receipts_attached", Description: "receipts attached",
		EntityType: workflow, EntityID: result.ID, RiskLevel: shared.RiskLow, Payload: payload(result)})
	s.dispatcher.Dispatch(ctx, eff)
	return result, nil
}

// Submit sends a complete liquidation to the caseworker.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id int64) (Liquidation, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Liquidation{}, err
	}
	rel, err := s.directory.Lookup(ctx, current.BeneficiaryID)
	if err != nil {
		return Liquidation{}, err
	}
	if err := directory.RequireBeneficiary(actor, rel.Beneficiary, "submit liquidation"); err != nil {
		return Liquidation{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	var after Liquidation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		l, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := Submit(l, s.now())
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		after = next
		return nil
	})
	if err != nil {
		return Liquidation{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	var eff shared.Effects
	eff.Moved(workflow, string(StatusComplete), string(after.Status))
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "liquidation_submitted", Description: "liquidation submitted for approval",
		EntityType: workflow, EntityID: id, RiskLevel: shared.RiskLow, Payload: payload(after)})
	eff.Approve(shared.ApprovalLog{Module: shared.ModuleLiquidation, RefID: shared.ApprovalRef(shared.ModuleLiquidation, id), Level: "beneficiary",
		ActorID: actor.ID, Action: shared.ApprovalSubmit, At: after.UpdatedAt})
	eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Beneficiary.CaseworkerID}, Type: "liquidation_submitted",
		Title: "Liquidation awaiting your review", Payload: payload(after)})
	s.dispatcher.Dispatch(ctx, eff)
	return after, nil
}

// ReviewInput carries one level's decision; Reason is required to reject.
type ReviewInput struct {
	Approve bool
	Reason  string
}

// CaseworkerReview decides a liquidation pending caseworker approval.
func (s *Service) CaseworkerReview(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (Liquidation, error) {
	return s.review(ctx, actor, id, LevelCaseworker, input)
}

// FinanceReview decides a liquidation pending finance approval.
func (s *Service) FinanceReview(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (Liquidation, error) {
	return s.review(ctx, actor, id, LevelFinance, input)
}

// DirectorReview decides a liquidation pending director approval.
func (s *Service) DirectorReview(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (Liquidation, error) {
	return s.review(ctx, actor, id, LevelDirector, input)
}

func authorizeLevel(actor shared.Actor, rel directory.Relationship, level Level) error {
	switch level {
	case LevelCaseworker:
		return directory.RequireCaseworker(actor, rel.Beneficiary, "review liquidation")
	case LevelFinance:
		return directory.RequireFinance(actor, rel.Beneficiary.FacilityID, "review liquidation")
	default:
		return directory.RequireDirector(actor, rel.Facility, "review liquidation")
	}
}

func (s *Service) review(ctx context.Context, actor shared.Actor, id int64, level Level, input ReviewInput) (Liquidation, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Liquidation{}, err
	}
	rel, err := s.directory.Lookup(ctx, current.BeneficiaryID)
	if err != nil {
		return Liquidation{}, err
	}
	if err := authorizeLevel(actor, rel, level); err != nil {
		return Liquidation{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}

	var (
		before, after Liquidation
		progress      *disbursement.LiquidationProgress
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		progress = nil
		l, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := Decide(l, level, input.Approve, actor.ID, input.Reason, s.now())
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		if AffectsDisbursement(next) {
			total, err := tx.SumApproved(ctx, next.DisbursementID)
			if err != nil {
				return err
			}
			d, err := tx.Disbursements().GetForUpdate(ctx, next.DisbursementID)
			if err != nil {
				return err
			}
			d = disbursement.RecomputeLiquidation(d, total, next.UpdatedAt)
			if err := tx.Disbursements().Update(ctx, d); err != nil {
				return err
			}
			progress = d.Liquidation
		}
		before, after = l, next
		return nil
	})
	if err != nil {
		return Liquidation{}, s.dispatcher.Refused(ctx, actor, err, workflow, id)
	}
	s.dispatcher.Dispatch(ctx, reviewEffects(actor, rel, level, before, after, progress))
	return after, nil
}

func reviewEffects(actor shared.Actor, rel directory.Relationship, level Level, before, after Liquidation, progress *disbursement.LiquidationProgress) shared.Effects {
	var eff shared.Effects
	eff.Moved(workflow, string(before.Status), string(after.Status))
	p := payload(after)
	if progress != nil {
		p["liquidated_amount"] = progress.Liquidated.StringFixed(2)
		p["remaining_to_liquidate"] = progress.RemainingToLiquidate.StringFixed(2)
		p["fully_liquidated"] = progress.FullyLiquidated
	}
	approved := after.Status != StatusRejected
	action, verb := shared.ApprovalReject, "rejected"
	if approved {
		action, verb = shared.ApprovalApprove, "approved"
	}
	eff.Audit(shared.AuditEvent{ActorID: actor.ID, Type: "liquidation_" + string(level) + "_" + verb, Description: string(level) + " " + verb + " liquidation",
		EntityType: workflow, EntityID: after.ID, RiskLevel: shared.RiskLow, Payload: p})
	eff.Approve(shared.ApprovalLog{Module: shared.ModuleLiquidation, RefID: shared.ApprovalRef(shared.ModuleLiquidation, after.ID), Level: string(level),
		ActorID: actor.ID, Action: action, Note: after.review(level).Notes, At: after.UpdatedAt})

	if !approved {
		recipients := []int64{after.BeneficiaryID}
		if level != LevelCaseworker {
			recipients = append(recipients, rel.Beneficiary.CaseworkerID)
		}
		eff.Notify(shared.Notification{RecipientIDs: recipients, Type: "liquidation_rejected",
			Title: "Liquidation rejected at " + string(level) + " review; submit new receipts", Payload: p, Priority: shared.PriorityHigh})
		return eff
	}
	switch after.Status {
	case StatusPendingFinanceApproval:
		eff.Notify(shared.Notification{FacilityID: rel.Beneficiary.FacilityID, AudienceRole: shared.RoleFinance, Type: "liquidation_pending_finance",
			Title: "Liquidation awaiting finance review", Payload: p})
	case StatusPendingDirectorApproval:
		eff.Notify(shared.Notification{RecipientIDs: []int64{rel.Facility.DirectorID}, Type: "liquidation_pending_director",
			Title: "Liquidation awaiting director approval", Payload: p})
	case StatusApproved:
		eff.Notify(shared.Notification{RecipientIDs: []int64{after.BeneficiaryID, rel.Beneficiary.CaseworkerID}, Type: "liquidation_approved",
			Title: "Liquidation approved", Payload: p})
	}
	return eff
}

// Get returns a liquidation to an actor related to its beneficiary.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Liquidation, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return Liquidation{}, err
	}
	if err := s.authorizeView(ctx, actor, l.BeneficiaryID, id); err != nil {
		return Liquidation{}, err
	}
	return l, nil
}

// LatestForDisbursement surfaces the newest liquidation of a disbursement.
func (s *Service) LatestForDisbursement(ctx context.Context, actor shared.Actor, disbursementID int64) (Liquidation, error) {
	d, err := s.disbursements.Get(ctx, disbursementID)
	if err != nil {
		return Liquidation{}, err
	}
	if err := s.authorizeView(ctx, actor, d.BeneficiaryID, disbursementID); err != nil {
		return Liquidation{}, err
	}
	return s.repo.LatestForDisbursement(ctx, disbursementID)
}

func (s *Service) authorizeView(ctx context.Context, actor shared.Actor, beneficiaryID, entityID int64) error {
	rel, err := s.directory.Lookup(ctx, beneficiaryID)
	if err != nil {
		return err
	}
	if err := directory.RequireViewer(actor, rel, "view liquidation"); err != nil {
		return s.dispatcher.Refused(ctx, actor, err, workflow, entityID)
	}
	return nil
}

func payload(l Liquidation) map[string]any {
	return map[string]any{
		"liquidation_id":       l.ID,
		"disbursement_id":      l.DisbursementID,
		"beneficiary_id":       l.BeneficiaryID,
		"status":               string(l.Status),
		"total_receipt_amount": l.TotalReceipts.StringFixed(2),
		"remaining_amount":     l.Remaining.StringFixed(2),
		"is_complete":          l.IsComplete,
	}
}
