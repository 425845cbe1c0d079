// Package directory resolves the beneficiary/caseworker/facility relationships that
// every workflow authorizes against.
package directory

import (
	"errors"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing beneficiary or facility.
var ErrNotFound = shared.ErrNotFound

// Beneficiary is a user served by a facility. ID is the beneficiary's user id.
type Beneficiary struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	FacilityID   int64  `json:"facility_id"`
	CaseworkerID int64  `json:"caseworker_id"`
}

// Facility is an aid center owned by one director.
type Facility struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	DirectorID int64  `json:"director_id"`
}

// Relationship bundles a beneficiary with the facility serving it.
type Relationship struct {
	Beneficiary Beneficiary
	Facility    Facility
}

func deny(actor shared.Actor, action, reason, risk string) error {
	return &shared.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: action, Reason: reason, RiskLevel: risk}
}

// RequireBeneficiary allows only the beneficiary themselves.
func RequireBeneficiary(actor shared.Actor, b Beneficiary, action string) error {
	if actor.Role != shared.RoleBeneficiary {
		return deny(actor, action, "beneficiary role required", shared.RiskHigh)
	}
	if actor.ID != b.ID {
		return deny(actor, action, "acting on another beneficiary's record", shared.RiskCritical)
	}
	return nil
}

// RequireCaseworker allows only the beneficiary's assigned caseworker.
func RequireCaseworker(actor shared.Actor, b Beneficiary, action string) error {
	if actor.Role != shared.RoleCaseworker {
		return deny(actor, action, "caseworker role required", shared.RiskHigh)
	}
	if b.CaseworkerID == 0 || actor.ID != b.CaseworkerID {
		return deny(actor, action, "not the assigned caseworker", shared.RiskCritical)
	}
	return nil
}

// RequireFinance allows finance staff of the beneficiary's facility.
func RequireFinance(actor shared.Actor, facilityID int64, action string) error {
	if actor.Role != shared.RoleFinance {
		return deny(actor, action, "finance role required", shared.RiskHigh)
	}
	if actor.FacilityID == 0 || actor.FacilityID != facilityID {
		return deny(actor, action, "facility mismatch", shared.RiskCritical)
	}
	return nil
}

// RequireDirector allows only the director who owns the facility.
func RequireDirector(actor shared.Actor, f Facility, action string) error {
	if actor.Role != shared.RoleDirector {
		return deny(actor, action, "director role required", shared.RiskHigh)
	}
	if f.DirectorID == 0 || actor.ID != f.DirectorID {
		return deny(actor, action, "not the facility director", shared.RiskCritical)
	}
	return nil
}

// RequireViewer allows anyone with a relationship to the beneficiary.
func RequireViewer(actor shared.Actor, rel Relationship, action string) error {
	switch actor.Role {
	case shared.RoleBeneficiary:
		return RequireBeneficiary(actor, rel.Beneficiary, action)
	case shared.RoleCaseworker:
		return RequireCaseworker(actor, rel.Beneficiary, action)
	case shared.RoleFinance:
		return RequireFinance(actor, rel.Beneficiary.FacilityID, action)
	case shared.RoleDirector:
		return RequireDirector(actor, rel.Facility, action)
	}
	return deny(actor, action, "unknown role", shared.RiskHigh)
}

// AsAuthorization unwraps an authorization failure, if err is one.
func AsAuthorization(err error) (*shared.AuthorizationError, bool) {
	var authErr *shared.AuthorizationError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
