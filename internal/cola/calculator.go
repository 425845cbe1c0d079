// Package cola prices the monthly cash allowance from scholar status and attendance.
package cola

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/aidflow/aidflow/internal/shared"
)

// Policy constants.
var (
	ScholarBase          = shared.Money(2000)
	NonScholarBase       = shared.Money(1500)
	SundayAbsencePenalty = shared.Money(300)
)

// WindowMonths is the number of months, starting with the enrollment month, in which
// COLA may be requested.
const WindowMonths = 5

// BaseAmount returns the monthly allowance before deductions.
func BaseAmount(isScholar bool) decimal.Decimal {
	if isScholar {
		return ScholarBase
	}
	return NonScholarBase
}

// Deduction prices Sunday absences.
func Deduction(sundayAbsences int) decimal.Decimal {
	if sundayAbsences <= 0 {
		return decimal.Zero
	}
	return SundayAbsencePenalty.Mul(decimal.NewFromInt(int64(sundayAbsences)))
}

// Breakdown itemizes one month's allowance.
type Breakdown struct {
	Base           decimal.Decimal `json:"base"`
	SundayAbsences int             `json:"sunday_absences"`
	Deduction      decimal.Decimal `json:"deduction"`
	Final          decimal.Decimal `json:"final"`
}

// Compute prices a month. Final is never negative.
func Compute(isScholar bool, sundayAbsences int) Breakdown {
	base := BaseAmount(isScholar)
	deduction := Deduction(sundayAbsences)
	return Breakdown{
		Base:           base,
		SundayAbsences: sundayAbsences,
		Deduction:      deduction,
		Final:          shared.ClampZero(base.Sub(deduction)),
	}
}

// AllowedWindow lists the enrollment month and the following four months.
func AllowedWindow(enrollmentDate time.Time) []shared.Period {
	window := make([]shared.Period, 0, WindowMonths)
	p := shared.PeriodOf(enrollmentDate)
	for i := 0; i < WindowMonths; i++ {
		window = append(window, p)
		p = p.Next()
	}
	return window
}

// InWindow reports whether p lies in AllowedWindow(enrollmentDate).
func InWindow(enrollmentDate time.Time, p shared.Period) bool {
	for _, w := range AllowedWindow(enrollmentDate) {
		if w == p {
			return true
		}
	}
	return false
}

// AttendancePort counts Sunday absences.
type AttendancePort interface {
	SundayAbsenceCount(ctx context.Context, beneficiaryID int64, p shared.Period) (int, error)
}

// Calculator prices COLA against live attendance data.
type Calculator struct {
	attendance AttendancePort
	group      singleflight.Group
}

// NewCalculator constructs Calculator.
func NewCalculator(attendance AttendancePort) *Calculator {
	return &Calculator{attendance: attendance}
}

// Breakdown prices a month for one beneficiary from a fresh attendance read. Callers
// that persist the amount must use it.
func (c *Calculator) Breakdown(ctx context.Context, beneficiaryID int64, p shared.Period, isScholar bool) (Breakdown, error) {
	absences, err := c.attendance.SundayAbsenceCount(ctx, beneficiaryID, p)
	if err != nil {
		return Breakdown{}, fmt.Errorf("cola: sunday absences: %w", err)
	}
	return Compute(isScholar, absences), nil
}

// SharedBreakdown is Breakdown for read-only callers: identical concurrent calls share
// one attendance read, so the result may predate a change committed mid-flight.
func (c *Calculator) SharedBreakdown(ctx context.Context, beneficiaryID int64, p shared.Period, isScholar bool) (Breakdown, error) {
	key := fmt.Sprintf("%d:%s:%t", beneficiaryID, p, isScholar)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.Breakdown(ctx, beneficiaryID, p, isScholar)
	})
	if err != nil {
		return Breakdown{}, err
	}
	return v.(Breakdown), nil
}

// FinalAmount returns max(0, base - deduction) for the month.
func (c *Calculator) FinalAmount(ctx context.Context, beneficiaryID int64, p shared.Period, isScholar bool) (decimal.Decimal, error) {
	b, err := c.Breakdown(ctx, beneficiaryID, p, isScholar)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Final, nil
}
