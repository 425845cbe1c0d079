package shared

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrAuthorization indicates the actor lacks the required role or relationship.
	ErrAuthorization = errors.New("not authorized")
	// ErrStateConflict indicates the aggregate is not in the expected state.
	ErrStateConflict = errors.New("state conflict")
	// ErrBusinessRule indicates a domain rule blocked the operation.
	ErrBusinessRule = errors.New("business rule violated")
	// ErrDuplicate indicates a uniqueness violation.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrInsufficientFunds indicates the fund ledger cannot cover an amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Risk levels attached to audit entries.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// ValidationError reports a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// AuthorizationError reports an actor/relationship mismatch.
type AuthorizationError struct {
	ActorID   int64
	Role      Role
	Action    string
	Reason    string
	RiskLevel string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %d (%s) may not %s: %s", e.ActorID, e.Role, e.Action, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// StateConflictError reports an unexpected aggregate state.
type StateConflictError struct {
	Entity   string
	ID       int64
	Current  string
	Expected string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %d is %s, expected %s", e.Entity, e.ID, e.Current, e.Expected)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// Conflict builds a StateConflictError.
func Conflict(entity string, id int64, current, expected string) error {
	return &StateConflictError{Entity: entity, ID: id, Current: current, Expected: expected}
}

// BusinessRuleError reports a user-actionable domain rule violation.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string { return e.Message }

func (e *BusinessRuleError) Unwrap() error { return ErrBusinessRule }

// RuleViolation builds a BusinessRuleError.
func RuleViolation(rule, message string) error {
	return &BusinessRuleError{Rule: rule, Message: message}
}

// DuplicateError reports a uniqueness violation.
type DuplicateError struct {
	Entity string
	Key    string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists for %s", e.Entity, e.Key)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// InsufficientFundsError details a ledger shortfall.
type InsufficientFundsError struct {
	FacilityID int64
	FundType   string
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s at facility %d: available %s, requested %s",
		e.FundType, e.FacilityID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

// Unwrap exposes both the specific and the taxonomy sentinel.
func (e *InsufficientFundsError) Unwrap() []error {
	return []error{ErrInsufficientFunds, ErrBusinessRule}
}

// IsClientError reports whether err is caused by the caller rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrBusinessRule) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrNotFound)
}
