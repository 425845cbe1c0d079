package httpx

import (
	"net/http"

	"github.com/aidflow/aidflow/internal/shared"
)

// ActorFrom returns the authenticated actor placed on the request context.
func ActorFrom(r *http.Request) (shared.Actor, error) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || actor.ID == 0 {
		return shared.Actor{}, ErrUnauthorized
	}
	return actor, nil
}
