package disbursement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/testing/fakes"
)

func newTestRouter(h *harness) http.Handler {
	r := chi.NewRouter()
	NewHandler(fakes.Logger(), h.svc).MountRoutes(r)
	return r
}

func serve(t *testing.T, router http.Handler, actor *shared.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req = req.WithContext(shared.ContextWithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerWalksTheChain(t *testing.T) {
	h := newHarness()
	h.store.addPool(1, funds.FundOther, "1000")
	h.reqs[8] = approvedRequest(8, funds.FundOther, "250", nil)
	router := newTestRouter(h)
	finance, caseworker, beneficiary := fakes.Finance, fakes.Caseworker, fakes.Beneficiary

	rr := serve(t, router, nil, http.MethodPost, "/", `{"aid_request_id":8}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, router, &finance, http.MethodPost, "/", `{"aid_request_id":0}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, router, &finance, http.MethodPost, "/", `{"aid_request_id":8,"amount":"9999"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code, "unknown fields are rejected")

	rr = serve(t, router, &finance, http.MethodPost, "/", `{"aid_request_id":8}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var d Disbursement
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Equal(t, StatusFinanceDisbursed, d.Status)
	base := "/" + strconv.FormatInt(d.ID, 10)

	other := fakes.OtherCaseworker
	rr = serve(t, router, &other, http.MethodPost, base+"/acknowledge", "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, router, &beneficiary, http.MethodPost, base+"/confirm", "")
	require.Equal(t, http.StatusConflict, rr.Code, "confirmation before hand-over")

	rr = serve(t, router, &caseworker, http.MethodPost, base+"/acknowledge", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = serve(t, router, &caseworker, http.MethodPost, base+"/disburse", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = serve(t, router, &beneficiary, http.MethodPost, base+"/confirm", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Equal(t, StatusBeneficiaryReceived, d.Status)
	require.NotNil(t, d.Liquidation)

	rr = serve(t, router, &beneficiary, http.MethodPost, base+"/confirm", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Len(t, h.store.movements, 1)
}

func TestHandlerGet(t *testing.T) {
	h := newHarness()
	h.store.addPool(1, funds.FundOther, "1000")
	h.reqs[9] = approvedRequest(9, funds.FundOther, "100", nil)
	d := h.handOver(t, 9)
	router := newTestRouter(h)
	beneficiary, stranger := fakes.Beneficiary, fakes.OtherBeneficiary

	rr := serve(t, router, &beneficiary, http.MethodGet, "/"+strconv.FormatInt(d.ID, 10), "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"caseworker_disbursed"`)

	rr = serve(t, router, &stranger, http.MethodGet, "/"+strconv.FormatInt(d.ID, 10), "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, router, &beneficiary, http.MethodGet, "/abc", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, router, &beneficiary, http.MethodGet, "/9999", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
