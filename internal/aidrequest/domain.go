// Package aidrequest runs the caseworker → finance → director approval of aid requests.
package aidrequest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing request.
var ErrNotFound = shared.ErrNotFound

// Status is the overall outcome.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Stage is the position in the approval pipeline.
type Stage string

const (
	StageCaseworker Stage = "caseworker"
	StageFinance    Stage = "finance"
	StageDirector   Stage = "director"
	StageDone       Stage = "done"
)

// State is the single source of truth for where a request is. Status and Stage are
// derived from it.
type State string

const (
	StatePendingCaseworker State = "pending/caseworker"
	StatePendingFinance    State = "pending/finance"
	StatePendingDirector   State = "pending/director"
	StateApproved          State = "approved/done"
	StateRejected          State = "rejected/done"
)

// Status derives the overall status.
func (s State) Status() Status {
	switch s {
	case StateApproved:
		return StatusApproved
	case StateRejected:
		return StatusRejected
	}
	return StatusPending
}

// Stage derives the pipeline stage.
func (s State) Stage() Stage {
	switch s {
	case StatePendingCaseworker:
		return StageCaseworker
	case StatePendingFinance:
		return StageFinance
	case StatePendingDirector:
		return StageDirector
	}
	return StageDone
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// Decision of one review level.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Review records one level's decision.
type Review struct {
	Decision  Decision   `json:"decision"`
	DecidedBy int64      `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Level names a reviewer tier.
type Level string

const (
	LevelCaseworker Level = "caseworker"
	LevelFinance    Level = "finance"
	LevelDirector   Level = "director"
)

// AidRequest is one funding request by a beneficiary.
type AidRequest struct {
	ID            int64           `json:"id"`
	BeneficiaryID int64           `json:"beneficiary_id"`
	FacilityID    int64           `json:"facility_id"`
	FundType      funds.FundType  `json:"fund_type"`
	Amount        decimal.Decimal `json:"amount"`
	Purpose       string          `json:"purpose"`
	Period        *shared.Period  `json:"period,omitempty"`
	State         State           `json:"state"`
	Caseworker    Review          `json:"caseworker_review"`
	Finance       Review          `json:"finance_review"`
	Director      Review          `json:"director_review"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Status derives the overall status.
func (r AidRequest) Status() Status { return r.State.Status() }

// Stage derives the pipeline stage.
func (r AidRequest) Stage() Stage { return r.State.Stage() }

func (r *AidRequest) review(level Level) *Review {
	switch level {
	case LevelCaseworker:
		return &r.Caseworker
	case LevelFinance:
		return &r.Finance
	default:
		return &r.Director
	}
}

// expectedState is the only state in which level may decide.
func expectedState(level Level) State {
	switch level {
	case LevelCaseworker:
		return StatePendingCaseworker
	case LevelFinance:
		return StatePendingFinance
	default:
		return StatePendingDirector
	}
}

func approvedState(level Level) State {
	switch level {
	case LevelCaseworker:
		return StatePendingFinance
	case LevelFinance:
		return StatePendingDirector
	default:
		return StateApproved
	}
}

// Consistent reports whether the per-level decisions agree with State.
func (r AidRequest) Consistent() bool {
	cw, fin, dir := r.Caseworker.Decision, r.Finance.Decision, r.Director.Decision
	switch r.State {
	case StatePendingCaseworker:
		return cw == DecisionPending && fin == DecisionPending && dir == DecisionPending
	case StatePendingFinance:
		return cw == DecisionApproved && fin == DecisionPending && dir == DecisionPending
	case StatePendingDirector:
		return cw == DecisionApproved && fin == DecisionApproved && dir == DecisionPending
	case StateApproved:
		return cw == DecisionApproved && fin == DecisionApproved && dir == DecisionApproved
	case StateRejected:
		switch {
		case cw == DecisionRejected:
			return fin == DecisionPending && dir == DecisionPending
		case fin == DecisionRejected:
			return cw == DecisionApproved && dir == DecisionPending
		case dir == DecisionRejected:
			return cw == DecisionApproved && fin == DecisionApproved
		}
	}
	return false
}

// Decide applies level's decision. It fails with a StateConflictError unless the
// request is in exactly the state that level reviews, with consistent decisions.
func Decide(r AidRequest, level Level, approve bool, actorID int64, notes string, at time.Time) (AidRequest, error) {
	want := expectedState(level)
	if r.State != want || !r.Consistent() {
		return r, shared.Conflict("aid_request", r.ID, string(r.State), string(want))
	}
	rev := r.review(level)
	rev.DecidedBy = actorID
	rev.DecidedAt = &at
	rev.Notes = notes
	if approve {
		rev.Decision = DecisionApproved
		r.State = approvedState(level)
	} else {
		rev.Decision = DecisionRejected
		r.State = StateRejected
	}
	r.UpdatedAt = at
	return r, nil
}

// New builds a request at pending/caseworker.
func New(beneficiaryID, facilityID int64, fundType funds.FundType, amount decimal.Decimal, purpose string, period *shared.Period, at time.Time) AidRequest {
	pending := Review{Decision: DecisionPending}
	return AidRequest{
		BeneficiaryID: beneficiaryID,
		FacilityID:    facilityID,
		FundType:      fundType,
		Amount:        amount,
		Purpose:       purpose,
		Period:        period,
		State:         StatePendingCaseworker,
		Caseworker:    pending,
		Finance:       pending,
		Director:      pending,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}
