// Package attendance is the per-beneficiary daily attendance ledger.
package attendance

import (
	"time"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing record.
var ErrNotFound = shared.ErrNotFound

// Status of one attendance day.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Record marks one beneficiary's presence on one date.
type Record struct {
	ID            int64        `json:"id"`
	BeneficiaryID int64        `json:"beneficiary_id"`
	Date          time.Time    `json:"date"`
	DayOfWeek     time.Weekday `json:"day_of_week"`
	Status        Status       `json:"status"`
	Notes         string       `json:"notes,omitempty"`
	RecordedBy    int64        `json:"recorded_by"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Summary aggregates one month.
type Summary struct {
	Total          int `json:"total"`
	Present        int `json:"present"`
	Absent         int `json:"absent"`
	Excused        int `json:"excused"`
	SundayAbsences int `json:"sunday_absences"`
}

// Changed is published whenever a beneficiary's attendance for a month changes.
type Changed struct {
	BeneficiaryID int64         `json:"beneficiary_id"`
	Period        shared.Period `json:"period"`
}

// DateOnly truncates t to its calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Summarize aggregates records.
func Summarize(records []Record) Summary {
	var s Summary
	for _, r := range records {
		s.Total++
		switch r.Status {
		case StatusPresent:
			s.Present++
		case StatusAbsent:
			s.Absent++
			if r.DayOfWeek == time.Sunday {
				s.SundayAbsences++
			}
		case StatusExcused:
			s.Excused++
		}
	}
	return s
}
