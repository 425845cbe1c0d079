package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

type stubTimelineRepo struct {
	rows []TimelineRow
	last Query
}

func (s *stubTimelineRepo) Timeline(_ context.Context, q Query) ([]TimelineRow, error) {
	s.last = q
	if q.Limit < len(s.rows) {
		return s.rows[:q.Limit], nil
	}
	return s.rows, nil
}

func rowsAt(n int) []TimelineRow {
	base := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	out := make([]TimelineRow, n)
	for i := range out {
		out[i] = TimelineRow{ID: int64(i + 1), At: base.Add(-time.Duration(i) * time.Hour), ActorID: 20, EventType: "cola_submitted", EntityType: "aid_request", EntityID: 7, RiskLevel: shared.RiskLow}
	}
	return out
}

func TestTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: rowsAt(3)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), fakes.Director, TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Zero(t, result.Paging.PrevPage)
	require.Equal(t, 3, repo.last.Limit)
	require.Zero(t, repo.last.Offset)
	require.Equal(t, int64(1), repo.last.FacilityID)

	_, err = svc.Timeline(context.Background(), fakes.Director, TimelineFilters{Page: 3, PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, maxPageSize+1, repo.last.Limit)
	require.Equal(t, 2*maxPageSize, repo.last.Offset)
}

func TestTimelineRequiresDirector(t *testing.T) {
	svc := NewService(&stubTimelineRepo{})
	for _, actor := range []shared.Actor{fakes.Finance, fakes.Caseworker, fakes.Beneficiary, {ID: 40, Role: shared.RoleDirector}} {
		_, err := svc.Timeline(context.Background(), actor, TimelineFilters{})
		require.ErrorIs(t, err, shared.ErrAuthorization)
	}
}

func TestTimelineValidatesFilters(t *testing.T) {
	svc := NewService(&stubTimelineRepo{})
	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := svc.Timeline(context.Background(), fakes.Director, TimelineFilters{From: from, To: from.Add(-time.Hour)})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Timeline(context.Background(), fakes.Director, TimelineFilters{MinRisk: "severe"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRiskFilter(t *testing.T) {
	require.ElementsMatch(t, []string{shared.RiskHigh, shared.RiskCritical}, risksFrom(shared.RiskHigh))
	require.Nil(t, risksFrom(""))
	require.True(t, RiskAtLeast(shared.RiskCritical, shared.RiskMedium))
	require.False(t, RiskAtLeast(shared.RiskLow, shared.RiskMedium))
}

func serve(t *testing.T, actor shared.Actor, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(fakes.Logger(), NewService(&stubTimelineRepo{rows: rowsAt(2)})).MountRoutes(r)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTimelineHandler(t *testing.T) {
	rec := serve(t, fakes.Director, "/?from=2024-03-01&to=2024-03-31&min_risk=low&entity_type=aid_request")
	require.Equal(t, http.StatusOK, rec.Code)
	var result Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Rows, 2)
	require.False(t, result.Paging.HasNext)

	require.Equal(t, http.StatusBadRequest, serve(t, fakes.Director, "/?from=march").Code)
	require.Equal(t, http.StatusBadRequest, serve(t, fakes.Director, "/?from=2024-01-01&to=2024-06-30").Code)
	require.Equal(t, http.StatusBadRequest, serve(t, fakes.Director, "/?page=-1").Code)
	require.Equal(t, http.StatusForbidden, serve(t, fakes.Finance, "/").Code)
}

func TestExportCSV(t *testing.T) {
	rec := serve(t, fakes.Director, "/export.csv")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "At,Actor,Event,Entity,Entity ID,Risk,Description", lines[0])
	require.Equal(t, "2024-03-10T10:00:00Z,20,cola_submitted,aid_request,7,low,", lines[1])
}
