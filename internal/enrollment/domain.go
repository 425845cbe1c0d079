// Package enrollment holds the enrollment verifications that gate aid requests.
package enrollment

import (
	"time"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing verification.
var ErrNotFound = shared.ErrNotFound

// Status of a verification.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Verification is a beneficiary's proof of enrollment, reviewed by the caseworker.
type Verification struct {
	ID             int64      `json:"id"`
	BeneficiaryID  int64      `json:"beneficiary_id"`
	IsScholar      bool       `json:"is_scholar"`
	EnrollmentDate time.Time  `json:"enrollment_date"`
	DocumentRef    string     `json:"document_ref"`
	Status         Status     `json:"status"`
	ReviewedBy     int64      `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes    string     `json:"review_notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
