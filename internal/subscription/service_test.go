package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

type memoryRepo struct {
	mu            sync.Mutex
	plans         map[int64]Plan
	subscriptions map[int64]Subscription
	txns          map[string]Transaction
	nextID        int64
	// raceOnce makes the next InsertTransaction behave as if a concurrent
	// delivery committed first.
	raceOnce           *Transaction
	committedElsewhere []Transaction
	// contended makes the next WithTx fail the way the repository does once its
	// serialization retries are spent.
	contended bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		plans: map[int64]Plan{
			1: {ID: 1, Name: "monthly", DurationDays: 30, Price: decimal.RequireFromString("9.99")},
			2: {ID: 2, Name: "yearly", DurationDays: 365, Price: decimal.RequireFromString("99.00")},
		},
		subscriptions: map[int64]Subscription{},
		txns:          map[string]Transaction{},
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contended {
		m.contended = false
		return fmt.Errorf("%w: subscription modified concurrently", shared.ErrStateConflict)
	}
	subs := make(map[int64]Subscription, len(m.subscriptions))
	for k, v := range m.subscriptions {
		subs[k] = v
	}
	txns := make(map[string]Transaction, len(m.txns))
	for k, v := range m.txns {
		txns[k] = v
	}
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.subscriptions, m.txns = subs, txns
		for _, w := range m.committedElsewhere {
			m.txns[w.ProviderTxnID] = w
		}
		m.committedElsewhere = nil
		return err
	}
	return nil
}

type memoryTx struct{ m *memoryRepo }

func (t *memoryTx) PaidTransaction(_ context.Context, providerTxnID string) (Transaction, bool, error) {
	txn, ok := t.m.txns[providerTxnID]
	return txn, ok, nil
}

func (t *memoryTx) Plan(_ context.Context, id int64) (Plan, error) {
	p, ok := t.m.plans[id]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) GetSubscription(_ context.Context, id int64) (Subscription, error) {
	s, ok := t.m.subscriptions[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func (t *memoryTx) ActiveSubscriptionForUpdate(_ context.Context, userID int64, at time.Time) (Subscription, bool, error) {
	var best Subscription
	found := false
	for _, s := range t.m.subscriptions {
		if s.UserID != userID || !s.ActiveAt(at) {
			continue
		}
		if !found || s.EndsAt.After(best.EndsAt) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (t *memoryTx) InsertSubscription(_ context.Context, s Subscription) (int64, error) {
	t.m.nextID++
	s.ID = t.m.nextID
	t.m.subscriptions[s.ID] = s
	return s.ID, nil
}

func (t *memoryTx) UpdateSubscription(_ context.Context, s Subscription) error {
	t.m.subscriptions[s.ID] = s
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn Transaction) (int64, error) {
	if t.m.raceOnce != nil {
		t.m.nextID++
		winner := *t.m.raceOnce
		winner.ID = t.m.nextID
		t.m.raceOnce = nil
		t.m.committedElsewhere = append(t.m.committedElsewhere, winner)
		return 0, &shared.DuplicateError{Entity: "payment_transaction", Key: txn.ProviderTxnID}
	}
	if _, ok := t.m.txns[txn.ProviderTxnID]; ok {
		return 0, &shared.DuplicateError{Entity: "payment_transaction", Key: txn.ProviderTxnID}
	}
	t.m.nextID++
	txn.ID = t.m.nextID
	t.m.txns[txn.ProviderTxnID] = txn
	return txn.ID, nil
}

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *memoryRepo) (*Service, *fakes.Recorder, *fakes.Clock) {
	rec := &fakes.Recorder{}
	clock := fakes.NewClock(start)
	svc := NewService(repo, rec.Dispatcher(), fakes.Logger())
	svc.now = clock.Now
	return svc, rec, clock
}

func TestFinalizeIsIdempotentPerProviderTransaction(t *testing.T) {
	repo := newMemoryRepo()
	svc, rec, _ := newTestService(repo)
	ctx := context.Background()
	in := FinalizeInput{UserID: 7, PlanID: 1, ProviderTxnID: "pay_001"}

	first, err := svc.Finalize(ctx, in)
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)
	require.False(t, first.Extended)
	require.Equal(t, start.Add(30*24*time.Hour), first.Subscription.EndsAt)
	require.True(t, first.Transaction.Amount.Equal(decimal.RequireFromString("9.99")))

	for i := 0; i < 3; i++ {
		again, err := svc.Finalize(ctx, in)
		require.NoError(t, err)
		require.True(t, again.AlreadyProcessed)
		require.Equal(t, first.Subscription.ID, again.Subscription.ID)
		require.Equal(t, first.Subscription.EndsAt, again.Subscription.EndsAt)
		require.Equal(t, first.Transaction.ID, again.Transaction.ID)
	}
	require.Len(t, repo.txns, 1)
	require.Len(t, repo.subscriptions, 1)
	require.Equal(t, []string{"subscription_activated"}, rec.AuditTypes())
	require.Equal(t, []string{"subscription_activated"}, rec.NotificationTypes())
}

func TestFinalizeExtendsActiveSubscription(t *testing.T) {
	repo := newMemoryRepo()
	svc, rec, clock := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 1, ProviderTxnID: "pay_001"})
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	second, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 1, ProviderTxnID: "pay_002"})
	require.NoError(t, err)
	require.True(t, second.Extended)
	require.Equal(t, first.Subscription.ID, second.Subscription.ID)
	require.Equal(t, first.Subscription.EndsAt.Add(30*24*time.Hour), second.Subscription.EndsAt)
	require.Len(t, repo.subscriptions, 1)
	require.Equal(t, []string{"subscription_activated", "subscription_extended"}, rec.NotificationTypes())
}

func TestFinalizeStartsNewSubscriptionAfterExpiry(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, clock := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 1, ProviderTxnID: "pay_001"})
	require.NoError(t, err)

	clock.Advance(45 * 24 * time.Hour)
	second, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 2, ProviderTxnID: "pay_002"})
	require.NoError(t, err)
	require.False(t, second.Extended)
	require.NotEqual(t, first.Subscription.ID, second.Subscription.ID)
	require.Equal(t, clock.Now().Add(365*24*time.Hour), second.Subscription.EndsAt)
	require.Len(t, repo.subscriptions, 2)
}

func TestFinalizeValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Finalize(ctx, FinalizeInput{PlanID: 1, ProviderTxnID: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 99, ProviderTxnID: "x"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestFinalizeContendedSubscriptionIsNotTreatedAsReplay(t *testing.T) {
	repo := newMemoryRepo()
	svc, rec, _ := newTestService(repo)
	ctx := context.Background()

	repo.contended = true
	_, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 1, ProviderTxnID: "pay_001"})
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.NotErrorIs(t, err, shared.ErrDuplicate)
	var unknown *shared.StateConflictError
	require.False(t, errors.As(err, &unknown), "a contended finalize must not fall through to the replay lookup")
	require.Empty(t, repo.txns)
	require.Empty(t, rec.AuditTypes())

	res, err := svc.Finalize(ctx, FinalizeInput{UserID: 7, PlanID: 1, ProviderTxnID: "pay_001"})
	require.NoError(t, err)
	require.False(t, res.AlreadyProcessed)
	require.Len(t, repo.txns, 1)
}

func TestFinalizeConcurrentDeliveries(t *testing.T) {
	repo := newMemoryRepo()
	svc, rec, _ := newTestService(repo)
	ctx := context.Background()
	in := FinalizeInput{UserID: 9, PlanID: 1, ProviderTxnID: "pay_concurrent"}

	const n = 12
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Finalize(ctx, in)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if !res.AlreadyProcessed {
			fresh++
		}
		require.Equal(t, results[0].Subscription.EndsAt, res.Subscription.EndsAt)
	}
	require.Equal(t, 1, fresh)
	require.Len(t, repo.txns, 1)
	require.Len(t, repo.subscriptions, 1)
	require.Len(t, rec.Notifications, 1)
}

func TestFinalizeLostRaceReturnsWinner(t *testing.T) {
	repo := newMemoryRepo()
	svc, rec, _ := newTestService(repo)
	ctx := context.Background()

	repo.subscriptions[50] = Subscription{ID: 50, UserID: 9, PlanID: 1, StartsAt: start, EndsAt: start.Add(30 * 24 * time.Hour), Status: StatusActive}
	repo.nextID = 100
	repo.raceOnce = &Transaction{UserID: 9, PlanID: 1, ProviderTxnID: "pay_race", Amount: decimal.RequireFromString("9.99"),
		Status: TxnPaid, SubscriptionID: 50, PaidAt: start}

	res, err := svc.Finalize(ctx, FinalizeInput{UserID: 9, PlanID: 1, ProviderTxnID: "pay_race"})
	require.NoError(t, err)
	require.True(t, res.AlreadyProcessed)
	require.Equal(t, int64(50), res.Subscription.ID)
	require.Equal(t, start.Add(30*24*time.Hour), res.Subscription.EndsAt)
	require.Empty(t, rec.Notifications)
}

func TestSignerVerify(t *testing.T) {
	s := NewSigner("secret")
	body := []byte(`{"provider_txn_id":"pay_001"}`)
	sig := s.Sign(body)

	require.NoError(t, s.Verify(body, sig))
	require.ErrorIs(t, s.Verify(body, ""), ErrSignatureMissing)
	require.ErrorIs(t, s.Verify(body, NewSigner("other").Sign(body)), ErrSignatureMismatch)
	require.ErrorIs(t, s.Verify([]byte(`{}`), sig), ErrSignatureMismatch)
}

func TestWebhookHandler(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	signer := NewSigner("secret")
	h := NewHandler(fakes.Logger(), svc, signer)
	r := chi.NewRouter()
	h.MountWebhook(r)

	body, err := json.Marshal(webhookRequest{ProviderTxnID: "pay_hook", UserID: 7, PlanID: 1, Status: TxnPaid})
	require.NoError(t, err)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, sig)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusUnauthorized, send("deadbeef").Code)
	require.Empty(t, repo.txns)

	rr := send(signer.Sign(body))
	require.Equal(t, http.StatusOK, rr.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.False(t, res.AlreadyProcessed)

	rr = send(signer.Sign(body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.True(t, res.AlreadyProcessed)
	require.Len(t, repo.txns, 1)
}

func TestVerifyHandlerUsesActor(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	signer := NewSigner("secret")
	h := NewHandler(fakes.Logger(), svc, signer)
	r := chi.NewRouter()
	h.MountRoutes(r)

	post := func(actor shared.Actor, sig string) int {
		body, _ := json.Marshal(verifyRequest{ProviderTxnID: "pay_v", PlanID: 1, Signature: sig})
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
		req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	sig := signer.Sign(ConfirmationPayload("pay_v", 7, 1))
	require.Equal(t, http.StatusBadRequest, post(shared.Actor{ID: 8, Role: shared.RoleBeneficiary}, sig))
	require.Equal(t, http.StatusOK, post(shared.Actor{ID: 7, Role: shared.RoleBeneficiary}, sig))
	require.Equal(t, int64(7), repo.txns["pay_v"].UserID)
}
