package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/auth"
	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
	_ "github.com/aidflow/aidflow/testing"
)

type stubRepo struct {
	users map[string]auth.User
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (auth.User, error) {
	u, ok := s.users[email]
	if !ok {
		return auth.User{}, shared.ErrNotFound
	}
	return u, nil
}

func newRepo(t *testing.T) *stubRepo {
	t.Helper()
	hash, err := auth.HashPassword("correct-horse")
	require.NoError(t, err)
	return &stubRepo{users: map[string]auth.User{
		"finance@north.test":  {ID: 30, Email: "finance@north.test", PasswordHash: hash, Role: shared.RoleFinance, FacilityID: 1, IsActive: true},
		"disabled@north.test": {ID: 31, Email: "disabled@north.test", PasswordHash: hash, Role: shared.RoleFinance, FacilityID: 1},
	}}
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	tokens := auth.NewTokens("secret", "aidflow", time.Hour)
	svc := auth.NewService(newRepo(t), tokens)

	sess, err := svc.Login(context.Background(), " Finance@North.test ", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, shared.Actor{ID: 30, Role: shared.RoleFinance, FacilityID: 1}, sess.Actor)

	actor, err := tokens.Parse(sess.Token)
	require.NoError(t, err)
	require.Equal(t, sess.Actor, actor)

	_, err = svc.Login(context.Background(), "finance@north.test", "wrong-password")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), "disabled@north.test", "correct-horse")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), "nobody@north.test", "correct-horse")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestTokenRejections(t *testing.T) {
	tokens := auth.NewTokens("secret", "aidflow", time.Hour)
	raw, _, err := tokens.Issue(fakes.Director)
	require.NoError(t, err)

	_, err = auth.NewTokens("other", "aidflow", time.Hour).Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = auth.NewTokens("secret", "someone-else", time.Hour).Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	clock := fakes.NewClock(time.Now())
	expiring := auth.NewTokens("secret", "aidflow", time.Minute).WithClock(clock.Now)
	raw, _, err = expiring.Issue(fakes.Director)
	require.NoError(t, err)
	_, err = expiring.Parse(raw)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = expiring.Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, _, err = tokens.Issue(shared.Actor{ID: 1, Role: "admin"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestLoginHandlerAndMiddleware(t *testing.T) {
	tokens := auth.NewTokens("secret", "aidflow", time.Hour)
	h := auth.NewHandler(fakes.Logger(), auth.NewService(newRepo(t), tokens))
	r := chi.NewRouter()
	r.Route("/auth", h.MountRoutes)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens, fakes.Logger()))
		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			actor, err := httpx.ActorFrom(r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			httpx.JSON(w, http.StatusOK, actor)
		})
	})

	login := func(password string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"email": "finance@north.test", "password": password})
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
		return rr
	}
	require.Equal(t, http.StatusUnauthorized, login("wrong-password").Code)

	rr := login("correct-horse")
	require.Equal(t, http.StatusOK, rr.Code)
	var sess auth.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sess))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var actor shared.Actor
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &actor))
	require.Equal(t, int64(30), actor.ID)
}
