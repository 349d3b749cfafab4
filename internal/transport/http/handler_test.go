package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"renderbus/internal/clock"
	"renderbus/internal/service"
	"renderbus/internal/service/servicetest"
)

func newTestMux(t *testing.T) (*http.ServeMux, *servicetest.JobStore, *servicetest.CreditStore) {
	t.Helper()
	jobs := servicetest.NewJobStore()
	credits := servicetest.NewCreditStore(jobs)
	claims := servicetest.NewClaimStore()
	bus := servicetest.NewBus()
	clk := clock.NewFakeClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	router := service.NewRouter(jobs, claims, bus, clk, log, nil)
	reconciler := service.NewReconciler(jobs, credits, bus, service.NewPricing(10, nil), 5000, clk, log, nil)

	mux := http.NewServeMux()
	NewHandler(router, reconciler, nil).Register(mux)
	return mux, jobs, credits
}

func doRequest(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := doRequest(mux, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestGetJob(t *testing.T) {
	mux, jobs, _ := newTestMux(t)
	require.NoError(t, jobs.Ensure(context.Background(), "j1", "u1", []byte(`{}`), time.Now()))

	rec := doRequest(mux, http.MethodGet, "/jobs/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobId":"j1"`)
	assert.Contains(t, rec.Body.String(), `"status":"SUBMITTED"`)

	rec = doRequest(mux, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "job_not_found")
}

func TestCreateAccount(t *testing.T) {
	mux, _, credits := newTestMux(t)

	rec := doRequest(mux, http.MethodPost, "/accounts", `{"userId":"u1","initialCents":10000}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	balance, err := credits.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)

	rec = doRequest(mux, http.MethodPost, "/accounts", `{"userId":"u1","initialCents":500}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/accounts", `{"initialCents":500}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/accounts", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalance(t *testing.T) {
	mux, _, credits := newTestMux(t)
	require.NoError(t, credits.CreateAccount(context.Background(), "u1", 9900))

	rec := doRequest(mux, http.MethodGet, "/balance?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balanceCents":9900}`, rec.Body.String())

	rec = doRequest(mux, http.MethodGet, "/balance?user_id=ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/balance", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLedger(t *testing.T) {
	mux, _, credits := newTestMux(t)
	ctx := context.Background()
	require.NoError(t, credits.CreateAccount(ctx, "u1", 10000))
	_, err := credits.ApplyDebit(ctx, "j1", "u1", 100, "Video generation - 10s @ wan-i2v", false, time.Now())
	require.NoError(t, err)

	rec := doRequest(mux, http.MethodGet, "/ledger?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"j1#debit"`)
	assert.Contains(t, rec.Body.String(), `-100`)

	rec = doRequest(mux, http.MethodGet, "/ledger?user_id=u1&limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/ledger", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
