// Package liquidation collects receipts against received cash and runs them through
// caseworker, finance and director approval.
package liquidation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/disbursement"
	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing liquidation.
var ErrNotFound = shared.ErrNotFound

// Status of a liquidation.
type Status string

const (
	StatusInProgress                Status = "in_progress"
	StatusComplete                  Status = "complete"
	StatusPendingCaseworkerApproval Status = "pending_caseworker_approval"
	StatusPendingFinanceApproval    Status = "pending_finance_approval"
	StatusPendingDirectorApproval   Status = "pending_director_approval"
	StatusApproved                  Status = "approved"
	StatusRejected                  Status = "rejected"
)

// Pending reports whether the liquidation awaits a reviewer.
func (s Status) Pending() bool {
	return s == StatusPendingCaseworkerApproval || s == StatusPendingFinanceApproval || s == StatusPendingDirectorApproval
}

// Level names a reviewer tier.
type Level string

const (
	LevelCaseworker Level = "caseworker"
	LevelFinance    Level = "finance"
	LevelDirector   Level = "director"
)

func (l Level) pending() Status {
	switch l {
	case LevelCaseworker:
		return StatusPendingCaseworkerApproval
	case LevelFinance:
		return StatusPendingFinanceApproval
	default:
		return StatusPendingDirectorApproval
	}
}

func (l Level) next() Status {
	switch l {
	case LevelCaseworker:
		return StatusPendingFinanceApproval
	case LevelFinance:
		return StatusPendingDirectorApproval
	default:
		return StatusApproved
	}
}

// Receipt is one proof-of-expense line.
type Receipt struct {
	ID            int64           `json:"id"`
	LiquidationID int64           `json:"liquidation_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Number        string          `json:"receipt_number,omitempty"`
	Description   string          `json:"description,omitempty"`
	FileRef       string          `json:"file_ref"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Review is one level's decision.
type Review struct {
	By    int64      `json:"by,omitempty"`
	At    *time.Time `json:"at,omitempty"`
	Notes string     `json:"notes,omitempty"`
}

// Liquidation is one batch of receipts against a disbursement.
type Liquidation struct {
	ID              int64           `json:"id"`
	DisbursementID  int64           `json:"disbursement_id"`
	BeneficiaryID   int64           `json:"beneficiary_id"`
	TotalDisbursed  decimal.Decimal `json:"total_disbursed_amount"`
	Target          decimal.Decimal `json:"target_amount"`
	TotalReceipts   decimal.Decimal `json:"total_receipt_amount"`
	Remaining       decimal.Decimal `json:"remaining_amount"`
	IsComplete      bool            `json:"is_complete"`
	Status          Status          `json:"status"`
	RejectedAtLevel Level           `json:"rejected_at_level,omitempty"`
	Caseworker      Review          `json:"caseworker_review"`
	Finance         Review          `json:"finance_review"`
	Director        Review          `json:"director_review"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	Receipts        []Receipt       `json:"receipts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (l *Liquidation) review(level Level) *Review {
	switch level {
	case LevelCaseworker:
		return &l.Caseworker
	case LevelFinance:
		return &l.Finance
	default:
		return &l.Director
	}
}

// Open starts a liquidation against what is still unliquidated on d.
func Open(d disbursement.Disbursement, at time.Time) Liquidation {
	target := d.Amount
	if d.Liquidation != nil {
		target = d.Liquidation.RemainingToLiquidate
	}
	l := Liquidation{
		DisbursementID: d.ID,
		BeneficiaryID:  d.BeneficiaryID,
		TotalDisbursed: d.Amount,
		Target:         target,
		TotalReceipts:  decimal.Zero,
		Status:         StatusInProgress,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	l.recompute()
	return l
}

// IsOpen reports whether the liquidation has not been submitted yet.
func (l Liquidation) IsOpen() bool {
	return l.Status == StatusInProgress || l.Status == StatusComplete
}

// CanAddMore reports whether receipts may still be attached.
func (l Liquidation) CanAddMore() bool {
	return l.IsOpen() && !shared.WithinEpsilon(l.Remaining)
}

func (l *Liquidation) recompute() {
	total := decimal.Zero
	for _, r := range l.Receipts {
		total = total.Add(r.Amount)
	}
	l.TotalReceipts = total
	l.Remaining = shared.ClampZero(l.Target.Sub(total))
	l.IsComplete = shared.WithinEpsilon(l.Remaining)
	if l.IsComplete {
		l.Status = StatusComplete
	} else {
		l.Status = StatusInProgress
	}
}

// ValidateReceipt checks one receipt against the funding month.
func ValidateReceipt(r Receipt, window shared.Period) error {
	if !r.Amount.IsPositive() {
		return shared.Invalid("amount", "must be greater than zero")
	}
	if strings.TrimSpace(r.FileRef) == "" {
		return shared.Invalid("file_ref", "required")
	}
	if r.Date.IsZero() {
		return shared.Invalid("date", "required")
	}
	if !window.Contains(r.Date) {
		return shared.RuleViolation("receipt_date_window", "receipt dated "+r.Date.Format(time.DateOnly)+" is outside the funding period "+window.String())
	}
	return nil
}

// Attach adds receipts and recomputes totals. Receipts beyond the target are accepted;
// the remaining amount clamps at zero.
func Attach(l Liquidation, receipts []Receipt, at time.Time) (Liquidation, error) {
	if !l.CanAddMore() {
		return l, shared.Conflict("liquidation", l.ID, string(l.Status), string(StatusInProgress))
	}
	l.Receipts = append(append([]Receipt(nil), l.Receipts...), receipts...)
	l.recompute()
	l.UpdatedAt = at
	return l, nil
}

// Submit hands a complete liquidation to the caseworker.
func Submit(l Liquidation, at time.Time) (Liquidation, error) {
	if l.Status != StatusComplete {
		return l, shared.Conflict("liquidation", l.ID, string(l.Status), string(StatusComplete))
	}
	l.Status = StatusPendingCaseworkerApproval
	l.SubmittedAt = &at
	l.UpdatedAt = at
	return l, nil
}

// Decide applies level's decision. Rejection needs a reason and is terminal for this
// liquidation only.
func Decide(l Liquidation, level Level, approve bool, actorID int64, reason string, at time.Time) (Liquidation, error) {
	if l.Status != level.pending() {
		return l, shared.Conflict("liquidation", l.ID, string(l.Status), string(level.pending()))
	}
	reason = strings.TrimSpace(reason)
	if !approve && reason == "" {
		return l, shared.Invalid("reason", "required when rejecting")
	}
	rev := l.review(level)
	rev.By = actorID
	rev.At = &at
	rev.Notes = reason
	if approve {
		l.Status = level.next()
	} else {
		l.Status = StatusRejected
		l.RejectedAtLevel = level
	}
	l.UpdatedAt = at
	return l, nil
}

// AffectsDisbursement reports whether the decision changes the approved totals the
// disbursement derives its liquidation progress from.
func AffectsDisbursement(l Liquidation) bool {
	return l.Status == StatusApproved || l.Status == StatusRejected
}
