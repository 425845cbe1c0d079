// Package auth turns credentials into signed bearer tokens and bearer tokens back
// into the shared.Actor the workflows authorize against.
package auth

import (
	"errors"
	"time"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrInvalidCredentials hides whether the email or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         shared.Role
	FacilityID   int64
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor returns the identity carried in tokens for u.
func (u User) Actor() shared.Actor {
	return shared.Actor{ID: u.ID, Role: u.Role, FacilityID: u.FacilityID}
}
