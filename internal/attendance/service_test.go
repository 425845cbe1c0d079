package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

type memoryRepo struct {
	mu      sync.Mutex
	records map[int64]Record
	nextID  int64
	failing bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[int64]Record)}
}

func (r *memoryRepo) Insert(_ context.Context, rec Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.BeneficiaryID == rec.BeneficiaryID && existing.Date.Equal(rec.Date) {
			return 0, &shared.DuplicateError{Entity: "attendance record", Key: rec.Date.Format(time.DateOnly)}
		}
	}
	r.nextID++
	rec.ID = r.nextID
	r.records[rec.ID] = rec
	return rec.ID, nil
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *memoryRepo) Update(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	return nil
}

func (r *memoryRepo) ListMonth(_ context.Context, beneficiaryID int64, p shared.Period) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return nil, errors.New("store unavailable")
	}
	var out []Record
	for _, rec := range r.records {
		if rec.BeneficiaryID == beneficiaryID && p.Contains(rec.Date) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

type capturePublisher struct {
	events []Changed
}

func (c *capturePublisher) PublishAttendanceChanged(_ context.Context, ev Changed) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestService() (*Service, *memoryRepo, *capturePublisher, *fakes.Recorder) {
	repo := newMemoryRepo()
	pub := &capturePublisher{}
	rec := &fakes.Recorder{}
	svc := NewService(repo, fakes.NewDirectory(), pub, rec.Dispatcher(), fakes.Logger())
	return svc, repo, pub, rec
}

func TestRecordDerivesWeekdayAndPublishes(t *testing.T) {
	svc, _, pub, _ := newTestService()
	ctx := context.Background()

	rec, err := svc.Record(ctx, fakes.Caseworker, RecordInput{BeneficiaryID: 10, Date: time.Date(2024, 1, 7, 15, 0, 0, 0, time.UTC), Status: StatusAbsent})
	require.NoError(t, err)
	require.Equal(t, time.Sunday, rec.DayOfWeek)
	require.Equal(t, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), rec.Date)
	require.Equal(t, []Changed{{BeneficiaryID: 10, Period: shared.Period{Year: 2024, Month: time.January}}}, pub.events)

	_, err = svc.Record(ctx, fakes.Caseworker, RecordInput{BeneficiaryID: 10, Date: time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), Status: StatusPresent})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestOnlyAssignedCaseworkerRecords(t *testing.T) {
	svc, _, pub, rec := newTestService()
	_, err := svc.Record(context.Background(), fakes.OtherCaseworker, RecordInput{BeneficiaryID: 10, Date: time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), Status: StatusAbsent})
	require.ErrorIs(t, err, shared.ErrAuthorization)
	require.Empty(t, pub.events)
	require.Equal(t, []string{"authorization_denied"}, rec.AuditTypes())
}

func TestMonthlySummaryAndSundayAbsences(t *testing.T) {
	svc, repo, pub, _ := newTestService()
	ctx := context.Background()
	days := []struct {
		day    int
		status Status
	}{
		{7, StatusAbsent},   // Sunday
		{8, StatusPresent},  // Monday
		{14, StatusAbsent},  // Sunday
		{15, StatusAbsent},  // Monday
		{21, StatusExcused}, // Sunday
	}
	for _, d := range days {
		_, err := svc.Record(ctx, fakes.Caseworker, RecordInput{BeneficiaryID: 10, Date: time.Date(2024, 1, d.day, 0, 0, 0, 0, time.UTC), Status: d.status})
		require.NoError(t, err)
	}
	p := shared.Period{Year: 2024, Month: time.January}

	summary := svc.MonthlySummary(ctx, 10, p)
	require.Equal(t, Summary{Total: 5, Present: 1, Absent: 3, Excused: 1, SundayAbsences: 2}, summary)

	count, err := svc.SundayAbsenceCount(ctx, 10, p)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	updated, err := svc.UpdateStatus(ctx, fakes.Caseworker, 1, StatusPresent, "late arrival")
	require.NoError(t, err)
	require.Equal(t, StatusPresent, updated.Status)
	require.Len(t, pub.events, 6)

	count, err = svc.SundayAbsenceCount(ctx, 10, p)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Equal(t, Summary{}, svc.MonthlySummary(ctx, 10, shared.Period{Year: 2024, Month: time.March}))

	repo.failing = true
	require.Equal(t, Summary{}, svc.MonthlySummary(ctx, 10, p))
	_, err = svc.SundayAbsenceCount(ctx, 10, p)
	require.Error(t, err)
}
