package shared

import "context"

// Role enumerates actor roles.
type Role string

const (
	RoleBeneficiary Role = "beneficiary"
	RoleCaseworker  Role = "caseworker"
	RoleFinance     Role = "finance"
	RoleDirector    Role = "director"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBeneficiary, RoleCaseworker, RoleFinance, RoleDirector:
		return true
	}
	return false
}

// Actor is the authenticated caller. FacilityID is zero for beneficiaries.
type Actor struct {
	ID         int64 `json:"id"`
	Role       Role  `json:"role"`
	FacilityID int64 `json:"facility_id"`
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
