// Package funds is the per-facility fund allocation ledger.
package funds

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing allocation.
var ErrNotFound = shared.ErrNotFound

// FundType classifies a pool and the requests it may serve.
type FundType string

const (
	FundTuition FundType = "tuition"
	FundCola    FundType = "cola"
	FundOther   FundType = "other"
	// FundGeneral pools back any request type once the specific pools run dry.
	FundGeneral FundType = "general"
)

// Valid reports whether t names a pool type.
func (t FundType) Valid() bool {
	switch t {
	case FundTuition, FundCola, FundOther, FundGeneral:
		return true
	}
	return false
}

// Requestable reports whether beneficiaries may request t directly.
func (t FundType) Requestable() bool {
	return t == FundTuition || t == FundCola || t == FundOther
}

// Periodic reports whether requests of t are tied to a month.
func (t FundType) Periodic() bool {
	return t == FundTuition || t == FundCola
}

// Allocation is one sponsor-funded pool.
type Allocation struct {
	ID          int64           `json:"id"`
	FacilityID  int64           `json:"facility_id"`
	FundType    FundType        `json:"fund_type"`
	SponsorName string          `json:"sponsor_name"`
	Allocated   decimal.Decimal `json:"allocated_amount"`
	Utilized    decimal.Decimal `json:"utilized_amount"`
	Remaining   decimal.Decimal `json:"remaining_amount"`
	IsActive    bool            `json:"is_active"`
	CreatedBy   int64           `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Recompute keeps Remaining = max(0, Allocated - Utilized).
func (a *Allocation) Recompute() {
	a.Remaining = shared.ClampZero(a.Allocated.Sub(a.Utilized))
}

// OverUtilized reports whether more was drawn than allocated.
func (a Allocation) OverUtilized() bool {
	return a.Utilized.GreaterThan(a.Allocated)
}

// Draw is the part of a deduction taken from one pool.
type Draw struct {
	AllocationID int64           `json:"allocation_id"`
	FundType     FundType        `json:"fund_type"`
	Amount       decimal.Decimal `json:"amount"`
}

// Movement is a persisted draw tied to the disbursement that caused it.
type Movement struct {
	Draw
	DisbursementID int64
	At             time.Time
}

// Candidates orders the pools a deduction of fundType may consume: active pools of
// the exact type by remaining balance descending, then active general pools in the
// same order. Ties break on id so the plan is deterministic.
func Candidates(pools []Allocation, fundType FundType) []Allocation {
	var exact, general []Allocation
	for _, p := range pools {
		if !p.IsActive || !p.Remaining.IsPositive() {
			continue
		}
		switch {
		case p.FundType == fundType:
			exact = append(exact, p)
		case p.FundType == FundGeneral:
			general = append(general, p)
		}
	}
	byRemaining := func(list []Allocation) {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].Remaining.Equal(list[j].Remaining) {
				return list[i].Remaining.GreaterThan(list[j].Remaining)
			}
			return list[i].ID < list[j].ID
		})
	}
	byRemaining(exact)
	byRemaining(general)
	return append(exact, general...)
}

// Available sums the remaining balance of the active pools of exactly fundType.
func Available(pools []Allocation, fundType FundType) decimal.Decimal {
	total := decimal.Zero
	for _, p := range pools {
		if p.IsActive && p.FundType == fundType {
			total = total.Add(p.Remaining)
		}
	}
	return total
}

// AvailableWithFallback sums the pools a deduction of fundType may draw from.
func AvailableWithFallback(pools []Allocation, fundType FundType) decimal.Decimal {
	total := decimal.Zero
	for _, p := range Candidates(pools, fundType) {
		total = total.Add(p.Remaining)
	}
	return total
}

// PlanDeduction splits amount across Candidates(pools, fundType). It returns the full
// plan or an *shared.InsufficientFundsError; it never returns a partial plan.
func PlanDeduction(pools []Allocation, facilityID int64, fundType FundType, amount decimal.Decimal) ([]Draw, error) {
	if !amount.IsPositive() {
		return nil, shared.Invalid("amount", "must be positive")
	}
	candidates := Candidates(pools, fundType)
	available := decimal.Zero
	for _, c := range candidates {
		available = available.Add(c.Remaining)
	}
	if available.LessThan(amount) {
		return nil, &shared.InsufficientFundsError{FacilityID: facilityID, FundType: string(fundType), Available: available, Requested: amount}
	}
	left := amount
	var plan []Draw
	for _, c := range candidates {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(c.Remaining, left)
		plan = append(plan, Draw{AllocationID: c.ID, FundType: c.FundType, Amount: take})
		left = left.Sub(take)
	}
	return plan, nil
}
