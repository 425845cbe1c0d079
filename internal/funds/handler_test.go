package funds

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(fakes.Logger(), svc).MountRoutes(r)
	return r
}

func serve(router http.Handler, actor shared.Actor, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerAdministersPools(t *testing.T) {
	svc, repo, _ := newTestService()
	router := newTestRouter(svc)

	rr := serve(router, fakes.Finance, http.MethodPost, "/", `{"fund_type":"scholarship","sponsor_name":"Lions","allocated_amount":"100"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(router, fakes.Caseworker, http.MethodPost, "/", `{"fund_type":"cola","sponsor_name":"Lions","allocated_amount":"100"}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(router, fakes.Finance, http.MethodPost, "/", `{"fund_type":"cola","sponsor_name":"Lions","allocated_amount":"-5"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(router, fakes.Finance, http.MethodPost, "/", `{"fund_type":"cola","sponsor_name":"Lions","allocated_amount":"2000"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var cola Allocation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cola))
	require.Equal(t, int64(1), cola.FacilityID)
	require.True(t, money("2000").Equal(cola.Remaining))

	rr = serve(router, fakes.Finance, http.MethodPost, "/", `{"fund_type":"general","sponsor_name":"Rotary","allocated_amount":"500"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = serve(router, fakes.Director, http.MethodGet, "/available?fund_type=cola", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var avail availableResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &avail))
	require.True(t, money("2000").Equal(avail.Available))
	require.True(t, money("2500").Equal(avail.WithFallback))

	rr = serve(router, fakes.Director, http.MethodGet, "/available?fund_type=bogus", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = serve(router, fakes.Beneficiary, http.MethodGet, "/available?fund_type=cola", "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	path := "/" + strconv.FormatInt(cola.ID, 10)
	rr = serve(router, fakes.OtherFinance, http.MethodPost, path, `{"allocated_amount":"3000"}`)
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = serve(router, fakes.Finance, http.MethodPost, path, `{"allocated_amount":"2500"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, money("2500").Equal(repo.pools[cola.ID].Allocated))

	rr = serve(router, fakes.Finance, http.MethodPost, path+"/archive", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = serve(router, fakes.Finance, http.MethodPost, path+"/archive", "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(router, fakes.Finance, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var pools []Allocation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pools))
	require.Len(t, pools, 2, "archived pools stay listed")

	rr = serve(router, fakes.Finance, http.MethodPost, "/999/archive", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
