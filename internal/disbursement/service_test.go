package disbursement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/aidrequest"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

type store struct {
	mu            sync.Mutex
	disbursements map[int64]Disbursement
	pools         map[int64]funds.Allocation
	movements     []funds.Movement
	keys          map[string]bool
	signals       map[string]bool
	nextID        int64
	// rerunOnce rolls back the next transaction after it ran and runs it again, the way
	// the repository re-runs a transaction that lost a serialization race.
	rerunOnce bool
}

func newStore() *store {
	return &store{
		disbursements: map[int64]Disbursement{},
		pools:         map[int64]funds.Allocation{},
		keys:          map[string]bool{},
		signals:       map[string]bool{},
	}
}

func (s *store) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	disbursements, pools, keys, signals, movements := cloneState(s)
	rollback := func() {
		s.disbursements, s.pools, s.keys, s.signals, s.movements = disbursements, pools, keys, signals, movements
	}
	if s.rerunOnce {
		s.rerunOnce = false
		if err := fn(ctx, &memoryTx{s: s}); err != nil {
			rollback()
			return err
		}
		rollback()
		disbursements, pools, keys, signals, movements = cloneState(s)
	}
	if err := fn(ctx, &memoryTx{s: s}); err != nil {
		rollback()
		return err
	}
	return nil
}

func cloneState(s *store) (map[int64]Disbursement, map[int64]funds.Allocation, map[string]bool, map[string]bool, []funds.Movement) {
	disbursements := make(map[int64]Disbursement, len(s.disbursements))
	for k, v := range s.disbursements {
		disbursements[k] = v
	}
	pools := make(map[int64]funds.Allocation, len(s.pools))
	for k, v := range s.pools {
		pools[k] = v
	}
	keys := make(map[string]bool, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	signals := make(map[string]bool, len(s.signals))
	for k, v := range s.signals {
		signals[k] = v
	}
	return disbursements, pools, keys, signals, append([]funds.Movement(nil), s.movements...)
}

func (s *store) Get(_ context.Context, id int64) (Disbursement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disbursements[id]
	if !ok {
		return Disbursement{}, ErrNotFound
	}
	return d, nil
}

func (s *store) AvailableWithFallback(_ context.Context, facilityID int64, fundType funds.FundType) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return funds.AvailableWithFallback(s.facilityPools(facilityID, nil), fundType), nil
}

func (s *store) facilityPools(facilityID int64, types []funds.FundType) []funds.Allocation {
	var out []funds.Allocation
	for _, a := range s.pools {
		if a.FacilityID != facilityID || !a.IsActive {
			continue
		}
		match := types == nil
		for _, t := range types {
			match = match || a.FundType == t
		}
		if match {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *store) addPool(facilityID int64, fundType funds.FundType, amount string) int64 {
	s.nextID++
	a := funds.Allocation{ID: s.nextID, FacilityID: facilityID, FundType: fundType, SponsorName: "sponsor",
		Allocated: decimal.RequireFromString(amount), Utilized: decimal.Zero, IsActive: true}
	a.Recompute()
	s.pools[a.ID] = a
	return a.ID
}

type memoryTx struct{ s *store }

func (tx *memoryTx) Insert(_ context.Context, d Disbursement) (int64, error) {
	tx.s.nextID++
	d.ID = tx.s.nextID
	tx.s.disbursements[d.ID] = d
	return d.ID, nil
}

func (tx *memoryTx) ExistsForAidRequest(_ context.Context, aidRequestID int64) (bool, error) {
	for _, d := range tx.s.disbursements {
		if d.AidRequestID == aidRequestID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id int64) (Disbursement, error) {
	d, ok := tx.s.disbursements[id]
	if !ok {
		return Disbursement{}, ErrNotFound
	}
	return d, nil
}

func (tx *memoryTx) Update(_ context.Context, d Disbursement) error {
	tx.s.disbursements[d.ID] = d
	return nil
}

func (tx *memoryTx) ClaimConfirmation(_ context.Context, key string, _ time.Time) error {
	if tx.s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	tx.s.keys[key] = true
	return nil
}

func monthIndex(p shared.Period) int { return p.Year*12 + int(p.Month) }

func (tx *memoryTx) CountReceivedCola(_ context.Context, beneficiaryID int64, from, to shared.Period) (int, error) {
	n := 0
	for _, d := range tx.s.disbursements {
		if d.BeneficiaryID != beneficiaryID || d.FundType != funds.FundCola || d.Status != StatusBeneficiaryReceived || d.Period == nil {
			continue
		}
		if i := monthIndex(*d.Period); i >= monthIndex(from) && i <= monthIndex(to) {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) InsertSignal(_ context.Context, beneficiaryID int64, kind string, windowStart shared.Period, _ time.Time) (bool, error) {
	key := fmt.Sprintf("%d:%s:%s", beneficiaryID, kind, windowStart)
	if tx.s.signals[key] {
		return false, nil
	}
	tx.s.signals[key] = true
	return true, nil
}

func (tx *memoryTx) Funds() funds.TxRepository { return fundsTx{s: tx.s} }

type fundsTx struct{ s *store }

func (f fundsTx) LockPools(_ context.Context, facilityID int64, types []funds.FundType) ([]funds.Allocation, error) {
	return f.s.facilityPools(facilityID, types), nil
}

func (f fundsTx) GetForUpdate(_ context.Context, id int64) (funds.Allocation, error) {
	return f.s.pools[id], nil
}

func (f fundsTx) Insert(context.Context, funds.Allocation) (int64, error) {
	return 0, fmt.Errorf("unexpected insert")
}

func (f fundsTx) Save(_ context.Context, a funds.Allocation) error {
	f.s.pools[a.ID] = a
	return nil
}

func (f fundsTx) SaveUsage(_ context.Context, a funds.Allocation) error {
	f.s.pools[a.ID] = a
	return nil
}

func (f fundsTx) InsertMovement(_ context.Context, m funds.Movement) error {
	f.s.movements = append(f.s.movements, m)
	return nil
}

type requests map[int64]aidrequest.AidRequest

func (r requests) Get(_ context.Context, id int64) (aidrequest.AidRequest, error) {
	req, ok := r[id]
	if !ok {
		return aidrequest.AidRequest{}, aidrequest.ErrNotFound
	}
	return req, nil
}

type enrollmentStub struct{ date time.Time }

func (e enrollmentStub) LatestApproved(_ context.Context, beneficiaryID int64) (enrollment.Verification, bool, error) {
	return enrollment.Verification{BeneficiaryID: beneficiaryID, Status: enrollment.StatusApproved, EnrollmentDate: e.date}, true, nil
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func approvedRequest(id int64, fundType funds.FundType, amount string, period *shared.Period) aidrequest.AidRequest {
	at := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
	req := aidrequest.New(10, 1, fundType, money(amount), "school", period, at)
	req.ID = id
	for _, level := range []aidrequest.Level{aidrequest.LevelCaseworker, aidrequest.LevelFinance, aidrequest.LevelDirector} {
		req, _ = aidrequest.Decide(req, level, true, 1, "", at)
	}
	return req
}

type harness struct {
	svc   *Service
	store *store
	reqs  requests
	rec   *fakes.Recorder
}

func newHarness() *harness {
	h := &harness{store: newStore(), reqs: requests{}, rec: &fakes.Recorder{}}
	enrolled := enrollmentStub{date: time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)}
	h.svc = NewService(h.store, h.reqs, h.store, fakes.NewDirectory(), enrolled, h.rec.Dispatcher(), fakes.Logger())
	h.svc.now = fakes.NewClock(time.Date(2024, time.February, 3, 10, 0, 0, 0, time.UTC)).Now
	return h
}

func (h *harness) handOver(t *testing.T, aidRequestID int64) Disbursement {
	t.Helper()
	ctx := context.Background()
	d, err := h.svc.FinanceDisburse(ctx, fakes.Finance, aidRequestID)
	require.NoError(t, err)
	d, err = h.svc.Acknowledge(ctx, fakes.Caseworker, d.ID)
	require.NoError(t, err)
	d, err = h.svc.HandOver(ctx, fakes.Caseworker, d.ID)
	require.NoError(t, err)
	return d
}

func TestConfirmDeductsAcrossPools(t *testing.T) {
	h := newHarness()
	tuition := h.store.addPool(1, funds.FundTuition, "1000")
	general := h.store.addPool(1, funds.FundGeneral, "500")
	h.reqs[7] = approvedRequest(7, funds.FundTuition, "1200", &shared.Period{Year: 2024, Month: time.January})

	d := h.handOver(t, 7)
	require.Empty(t, h.store.movements, "nothing leaves the ledger before confirmation")

	d, err := h.svc.Confirm(context.Background(), fakes.Beneficiary, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusBeneficiaryReceived, d.Status)
	require.NotNil(t, d.Liquidation)
	require.True(t, money("0").Equal(d.Liquidation.Liquidated))
	require.True(t, money("1200").Equal(d.Liquidation.RemainingToLiquidate))
	require.False(t, d.Liquidation.FullyLiquidated)

	require.True(t, money("1000").Equal(h.store.pools[tuition].Utilized))
	require.True(t, h.store.pools[tuition].Remaining.IsZero())
	require.True(t, money("200").Equal(h.store.pools[general].Utilized))
	require.True(t, money("300").Equal(h.store.pools[general].Remaining))
	require.Len(t, h.store.movements, 2)
	require.Equal(t, []string{"disbursement_released", "disbursement_acknowledged", "disbursement_handed_over", "disbursement_confirmed"}, h.rec.NotificationTypes())
}

func TestConfirmInsufficientFundsLeavesLedgerUntouched(t *testing.T) {
	h := newHarness()
	tuition := h.store.addPool(1, funds.FundTuition, "1000")
	general := h.store.addPool(1, funds.FundGeneral, "500")
	at := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	d := Release(9, 10, 1, funds.FundTuition, nil, money("1600"), 30, at)
	d, _ = HandOver(d, 20, at)
	h.store.nextID++
	d.ID = h.store.nextID
	h.store.disbursements[d.ID] = d

	_, err := h.svc.Confirm(context.Background(), fakes.Beneficiary, d.ID)
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
	require.ErrorIs(t, err, shared.ErrBusinessRule)

	require.Equal(t, StatusCaseworkerDisbursed, h.store.disbursements[d.ID].Status)
	require.True(t, h.store.pools[tuition].Utilized.IsZero())
	require.True(t, h.store.pools[general].Utilized.IsZero())
	require.Empty(t, h.store.movements)
	require.Empty(t, h.store.keys)
}

func TestFinanceDisburseChecksAvailabilityOnly(t *testing.T) {
	h := newHarness()
	h.store.addPool(1, funds.FundTuition, "1000")
	h.store.addPool(1, funds.FundGeneral, "500")
	h.reqs[1] = approvedRequest(1, funds.FundTuition, "1600", nil)

	_, err := h.svc.FinanceDisburse(context.Background(), fakes.Finance, 1)
	var short *shared.InsufficientFundsError
	require.ErrorAs(t, err, &short)
	require.True(t, money("1500").Equal(short.Available))
	require.Empty(t, h.store.disbursements)
}

func TestFinanceDisbursePreconditions(t *testing.T) {
	h := newHarness()
	h.store.addPool(1, funds.FundOther, "1000")
	ctx := context.Background()

	pending := aidrequest.New(10, 1, funds.FundOther, money("100"), "books", nil, time.Now())
	pending.ID = 2
	h.reqs[2] = pending
	_, err := h.svc.FinanceDisburse(ctx, fakes.Finance, 2)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	h.reqs[3] = approvedRequest(3, funds.FundOther, "100", nil)
	_, err = h.svc.FinanceDisburse(ctx, fakes.OtherFinance, 3)
	require.ErrorIs(t, err, shared.ErrAuthorization)
	require.Contains(t, h.rec.AuditTypes(), "authorization_denied")

	_, err = h.svc.FinanceDisburse(ctx, fakes.Finance, 3)
	require.NoError(t, err)
	_, err = h.svc.FinanceDisburse(ctx, fakes.Finance, 3)
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.Len(t, h.store.disbursements, 1)
}

func TestHopsAreForwardOnly(t *testing.T) {
	h := newHarness()
	h.store.addPool(1, funds.FundOther, "1000")
	h.reqs[4] = approvedRequest(4, funds.FundOther, "100", nil)
	ctx := context.Background()

	d, err := h.svc.FinanceDisburse(ctx, fakes.Finance, 4)
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, fakes.Beneficiary, d.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	_, err = h.svc.HandOver(ctx, fakes.OtherCaseworker, d.ID)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	d, err = h.svc.HandOver(ctx, fakes.Caseworker, d.ID)
	require.NoError(t, err)
	require.NotNil(t, d.CaseworkerReceived, "skipping acknowledgement back-fills the received hop")
	require.Equal(t, d.CaseworkerDisbursed.At, d.CaseworkerReceived.At)

	_, err = h.svc.Acknowledge(ctx, fakes.Caseworker, d.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	_, err = h.svc.Confirm(ctx, fakes.OtherBeneficiary, d.ID)
	require.ErrorIs(t, err, shared.ErrAuthorization)

	d, err = h.svc.Confirm(ctx, fakes.Beneficiary, d.ID)
	require.NoError(t, err)
	require.True(t, Forward(StatusCaseworkerDisbursed, d.Status))
	require.False(t, Forward(d.Status, StatusFinanceDisbursed))
}

func TestConcurrentConfirmDeductsOnce(t *testing.T) {
	h := newHarness()
	pool := h.store.addPool(1, funds.FundOther, "1000")
	h.reqs[5] = approvedRequest(5, funds.FundOther, "300", nil)
	d := h.handOver(t, 5)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Confirm(context.Background(), fakes.Beneficiary, d.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if shared.IsClientError(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, attempts-1, conflicts)
	require.True(t, money("300").Equal(h.store.pools[pool].Utilized))
	require.Len(t, h.store.movements, 1)
}

func TestSemesterSignalEmittedOnce(t *testing.T) {
	h := newHarness()
	h.store.addPool(1, funds.FundCola, "100000")
	at := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	for m := time.January; m <= time.April; m++ {
		p := shared.Period{Year: 2024, Month: m}
		prior := Release(int64(100+m), 10, 1, funds.FundCola, &p, money("1500"), 30, at)
		prior, _ = HandOver(prior, 20, at)
		prior, _ = Confirm(prior, 10, at)
		h.store.nextID++
		prior.ID = h.store.nextID
		h.store.disbursements[prior.ID] = prior
	}

	may := shared.Period{Year: 2024, Month: time.May}
	h.reqs[50] = approvedRequest(50, funds.FundCola, "1500", &may)
	d := h.handOver(t, 50)
	_, err := h.svc.Confirm(context.Background(), fakes.Beneficiary, d.ID)
	require.NoError(t, err)
	require.Contains(t, h.rec.NotificationTypes(), SignalSemesterUtilized)
	require.Len(t, h.store.signals, 1)

	again := shared.Period{Year: 2024, Month: time.March}
	h.reqs[51] = approvedRequest(51, funds.FundCola, "1500", &again)
	d = h.handOver(t, 51)
	before := len(h.rec.Notifications)
	_, err = h.svc.Confirm(context.Background(), fakes.Beneficiary, d.ID)
	require.NoError(t, err)
	for _, n := range h.rec.Notifications[before:] {
		require.NotEqual(t, SignalSemesterUtilized, n.Type)
	}
	require.Len(t, h.store.signals, 1)
}

func TestConfirmRerunAfterLostRaceChargesOnce(t *testing.T) {
	h := newHarness()
	cola := h.store.addPool(1, funds.FundCola, "100000")
	at := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	for m := time.January; m <= time.April; m++ {
		p := shared.Period{Year: 2024, Month: m}
		prior := Release(int64(200+m), 10, 1, funds.FundCola, &p, money("1500"), 30, at)
		prior, _ = HandOver(prior, 20, at)
		prior, _ = Confirm(prior, 10, at)
		h.store.nextID++
		prior.ID = h.store.nextID
		h.store.disbursements[prior.ID] = prior
	}
	may := shared.Period{Year: 2024, Month: time.May}
	h.reqs[60] = approvedRequest(60, funds.FundCola, "1500", &may)
	d := h.handOver(t, 60)

	h.store.rerunOnce = true
	d, err := h.svc.Confirm(context.Background(), fakes.Beneficiary, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusBeneficiaryReceived, d.Status)
	require.True(t, money("1500").Equal(h.store.pools[cola].Utilized))
	require.Len(t, h.store.movements, 1)
	require.Len(t, h.store.keys, 1)
	require.Len(t, h.store.signals, 1)

	var confirmed *shared.AuditEvent
	for i, ev := range h.rec.AuditEvents {
		if ev.Type == "disbursement_beneficiary_received" {
			confirmed = &h.rec.AuditEvents[i]
		}
	}
	require.NotNil(t, confirmed)
	require.Len(t, confirmed.Payload["draws"], 1)
	signals := 0
	for _, n := range h.rec.Notifications {
		if n.Type == SignalSemesterUtilized {
			signals++
		}
	}
	require.Equal(t, 1, signals)
}

func TestRecomputeLiquidation(t *testing.T) {
	at := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	d := Release(1, 10, 1, funds.FundOther, nil, money("500"), 30, at)
	require.Equal(t, d, RecomputeLiquidation(d, money("100"), at), "no liquidation before receipt")

	d, _ = HandOver(d, 20, at)
	d, _ = Confirm(d, 10, at)
	d = RecomputeLiquidation(d, money("499.995"), at)
	require.True(t, d.Liquidation.FullyLiquidated)

	d = RecomputeLiquidation(d, money("650"), at)
	require.True(t, d.Liquidation.RemainingToLiquidate.IsZero())

	p, ok := d.FundingPeriod()
	require.True(t, ok)
	require.Equal(t, shared.Period{Year: 2024, Month: time.February}, p)
}
