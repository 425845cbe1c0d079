// Package disbursement tracks the physical cash hand-off of an approved aid request
// and performs the single ledger deduction on beneficiary confirmation.
package disbursement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing disbursement.
var ErrNotFound = shared.ErrNotFound

// Status is the hand-off position.
type Status string

const (
	StatusFinanceDisbursed    Status = "finance_disbursed"
	StatusCaseworkerReceived  Status = "caseworker_received"
	StatusCaseworkerDisbursed Status = "caseworker_disbursed"
	StatusBeneficiaryReceived Status = "beneficiary_received"
)

func (s Status) rank() int {
	switch s {
	case StatusFinanceDisbursed:
		return 1
	case StatusCaseworkerReceived:
		return 2
	case StatusCaseworkerDisbursed:
		return 3
	case StatusBeneficiaryReceived:
		return 4
	}
	return 0
}

// Hop records who moved the cash and when.
type Hop struct {
	By int64     `json:"by"`
	At time.Time `json:"at"`
}

// LiquidationProgress exists once the beneficiary has the cash.
type LiquidationProgress struct {
	Liquidated           decimal.Decimal `json:"liquidated_amount"`
	RemainingToLiquidate decimal.Decimal `json:"remaining_to_liquidate"`
	FullyLiquidated      bool            `json:"fully_liquidated"`
}

// Disbursement is one cash hand-off tied to one approved aid request.
type Disbursement struct {
	ID                  int64                `json:"id"`
	AidRequestID        int64                `json:"aid_request_id"`
	BeneficiaryID       int64                `json:"beneficiary_id"`
	FacilityID          int64                `json:"facility_id"`
	FundType            funds.FundType       `json:"fund_type"`
	Period              *shared.Period       `json:"period,omitempty"`
	Amount              decimal.Decimal      `json:"amount"`
	Status              Status               `json:"status"`
	FinanceDisbursed    Hop                  `json:"finance_disbursed"`
	CaseworkerReceived  *Hop                 `json:"caseworker_received,omitempty"`
	CaseworkerDisbursed *Hop                 `json:"caseworker_disbursed,omitempty"`
	BeneficiaryReceived *Hop                 `json:"beneficiary_received,omitempty"`
	Liquidation         *LiquidationProgress `json:"liquidation,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// FundingPeriod is the month receipts must fall in: the request's period when it has
// one, otherwise the month the beneficiary received the cash.
func (d Disbursement) FundingPeriod() (shared.Period, bool) {
	if d.Period != nil {
		return *d.Period, true
	}
	if d.BeneficiaryReceived != nil {
		return shared.PeriodOf(d.BeneficiaryReceived.At), true
	}
	return shared.Period{}, false
}

// CanLiquidate reports whether receipts may still be attached.
func (d Disbursement) CanLiquidate() bool {
	return d.Status == StatusBeneficiaryReceived && d.Liquidation != nil && !d.Liquidation.FullyLiquidated
}

func conflict(d Disbursement, expected Status) error {
	return shared.Conflict("disbursement", d.ID, string(d.Status), string(expected))
}

// Release creates the disbursement at finance_disbursed.
func Release(aidRequestID, beneficiaryID, facilityID int64, fundType funds.FundType, period *shared.Period, amount decimal.Decimal, actorID int64, at time.Time) Disbursement {
	return Disbursement{
		AidRequestID:     aidRequestID,
		BeneficiaryID:    beneficiaryID,
		FacilityID:       facilityID,
		FundType:         fundType,
		Period:           period,
		Amount:           amount,
		Status:           StatusFinanceDisbursed,
		FinanceDisbursed: Hop{By: actorID, At: at},
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

// Acknowledge moves finance_disbursed to caseworker_received.
func Acknowledge(d Disbursement, actorID int64, at time.Time) (Disbursement, error) {
	if d.Status != StatusFinanceDisbursed {
		return d, conflict(d, StatusFinanceDisbursed)
	}
	d.CaseworkerReceived = &Hop{By: actorID, At: at}
	d.Status = StatusCaseworkerReceived
	d.UpdatedAt = at
	return d, nil
}

// HandOver moves the cash to the beneficiary. Skipping the acknowledgement back-fills
// the received hop with the same actor and time.
func HandOver(d Disbursement, actorID int64, at time.Time) (Disbursement, error) {
	if d.Status != StatusFinanceDisbursed && d.Status != StatusCaseworkerReceived {
		return d, conflict(d, StatusCaseworkerReceived)
	}
	if d.CaseworkerReceived == nil {
		d.CaseworkerReceived = &Hop{By: actorID, At: at}
	}
	d.CaseworkerDisbursed = &Hop{By: actorID, At: at}
	d.Status = StatusCaseworkerDisbursed
	d.UpdatedAt = at
	return d, nil
}

// Confirm records beneficiary receipt and opens liquidation tracking.
func Confirm(d Disbursement, actorID int64, at time.Time) (Disbursement, error) {
	if d.Status != StatusCaseworkerDisbursed {
		return d, conflict(d, StatusCaseworkerDisbursed)
	}
	d.BeneficiaryReceived = &Hop{By: actorID, At: at}
	d.Status = StatusBeneficiaryReceived
	d.Liquidation = &LiquidationProgress{Liquidated: decimal.Zero, RemainingToLiquidate: d.Amount}
	d.UpdatedAt = at
	return d, nil
}

// RecomputeLiquidation derives liquidation progress from the total of approved
// liquidations.
func RecomputeLiquidation(d Disbursement, approvedTotal decimal.Decimal, at time.Time) Disbursement {
	if d.Status != StatusBeneficiaryReceived {
		return d
	}
	remaining := shared.ClampZero(d.Amount.Sub(approvedTotal))
	d.Liquidation = &LiquidationProgress{
		Liquidated:           approvedTotal,
		RemainingToLiquidate: remaining,
		FullyLiquidated:      shared.WithinEpsilon(remaining),
	}
	d.UpdatedAt = at
	return d
}

// Forward reports whether to follows from in the hand-off order.
func Forward(from, to Status) bool {
	return to.rank() > from.rank()
}
