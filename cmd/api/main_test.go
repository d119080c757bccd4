package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/remitledger/pkg/ledger"
	"github.com/mcclellann/remitledger/pkg/lock"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/models"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) *mux.Router {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l := ledger.NewLedger(s, ledger.WithLogger(logging.Discard()))
	return NewServer(l, logging.Discard()).Router()
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type bookedLoan struct {
	Loan       models.Loan         `json:"loan"`
	Repayments []*models.Repayment `json:"repayments"`
}

func TestAPI_RemittanceLifecycle(t *testing.T) {
	router := setupTestServer(t)

	rr := do(t, router, "POST", "/organizations", map[string]string{"name": "Acme Payroll"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	org := decode[models.Organization](t, rr)

	rr = do(t, router, "POST", "/organizations/"+org.ID.String()+"/customers",
		map[string]string{"full_name": "Ada Obi", "staff_id": "ACM-7"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	customer := decode[models.Customer](t, rr)

	rr = do(t, router, "POST", "/loans", map[string]interface{}{
		"customer_id":  customer.ID,
		"principal":    "1000.00",
		"tenor_months": 12,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	booked := decode[bookedLoan](t, rr)
	assert.Equal(t, "1060.00", booked.Loan.TotalPayable.String())
	require.Len(t, booked.Repayments, 12)

	rr = do(t, router, "POST", "/remittances", map[string]interface{}{
		"organization_id": org.ID,
		"amount":          "200.00",
		"reference":       "NIP-100",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ingested := decode[ledger.IngestResult](t, rr)
	assert.Equal(t, models.MatchStatusMatched, ingested.Allocation.MatchStatus)
	assert.Equal(t, 3, ingested.Allocation.AllocationsMade)
	assert.Equal(t, "200.00", ingested.Allocation.TotalApplied.String())
	txPath := "/remittances/" + ingested.Transaction.ID.String()

	rr = do(t, router, "POST", "/remittances", map[string]interface{}{
		"organization_id": org.ID,
		"amount":          "5.00",
		"reference":       "NIP-100",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "GET", txPath+"/allocations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.TransactionAllocation](t, rr), 3)

	rr = do(t, router, "POST", txPath+"/apply", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "PATCH", "/repayments/"+booked.Repayments[0].ID.String()+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "GET", "/organizations/"+org.ID.String()+"/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decode[models.OrganizationSummary](t, rr)
	assert.Equal(t, "200.00", summary.TotalApplied.String())
	assert.Equal(t, "859.96", summary.TotalOutstanding.String())

	rr = do(t, router, "POST", txPath+"/reverse", map[string]string{"reason": "bank recall"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	reversal := decode[models.ReversalResult](t, rr)
	assert.Equal(t, "200.00", reversal.TotalReversed.String())

	rr = do(t, router, "POST", txPath+"/reverse", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, router, "POST", txPath+"/apply", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "GET", txPath, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.MatchStatusDisputed, decode[models.InboundTransaction](t, rr).MatchStatus)

	rr = do(t, router, "GET", "/organizations/"+org.ID.String()+"/transactions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.TransactionLedgerRow](t, rr), 1)
}

func TestAPI_RemittanceAccounts(t *testing.T) {
	router := setupTestServer(t)
	rr := do(t, router, "POST", "/organizations", map[string]string{"name": "Beta Ltd"})
	require.Equal(t, http.StatusCreated, rr.Code)
	org := decode[models.Organization](t, rr)
	path := "/organizations/" + org.ID.String() + "/remittance-accounts"

	rr = do(t, router, "POST", path, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	first := decode[models.RemittanceAccount](t, rr)
	assert.Len(t, first.AccountNumber, 10)

	rr = do(t, router, "POST", path, map[string]bool{"force_new": true})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEqual(t, first.ID, decode[models.RemittanceAccount](t, rr).ID)

	rr = do(t, router, "GET", path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.RemittanceAccount](t, rr), 2)
}

func TestAPI_ScheduleAndLoans(t *testing.T) {
	router := setupTestServer(t)
	rr := do(t, router, "POST", "/organizations", map[string]string{"name": "Gamma"})
	org := decode[models.Organization](t, rr)
	rr = do(t, router, "POST", "/organizations/"+org.ID.String()+"/customers", map[string]string{"full_name": "Bo"})
	customer := decode[models.Customer](t, rr)
	rr = do(t, router, "POST", "/loans", map[string]interface{}{"customer_id": customer.ID, "principal": 300, "tenor_months": 3})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	booked := decode[bookedLoan](t, rr)
	loanPath := "/loans/" + booked.Loan.ID.String()

	rr = do(t, router, "POST", loanPath+"/schedule", map[string]interface{}{"monthly_amount": "50.00", "tenor_months": 6})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Repayment](t, rr), 3)

	rr = do(t, router, "GET", loanPath+"/repayments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Repayment](t, rr), 3)

	rr = do(t, router, "DELETE", loanPath, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, router, "GET", loanPath, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_BadRequests(t *testing.T) {
	router := setupTestServer(t)

	tests := []struct {
		method, path string
		body         interface{}
		want         int
	}{
		{"GET", "/loans/not-a-uuid", nil, http.StatusBadRequest},
		{"POST", "/organizations", nil, http.StatusBadRequest},
		{"POST", "/organizations", map[string]string{"name": ""}, http.StatusBadRequest},
		{"GET", "/remittances/" + uuid.NewString(), nil, http.StatusNotFound},
		{"POST", "/remittances/" + uuid.NewString() + "/apply", nil, http.StatusNotFound},
		{"GET", "/organizations/" + uuid.NewString() + "/summary", nil, http.StatusNotFound},
		{"POST", "/remittances", map[string]interface{}{"organization_id": uuid.New(), "amount": "1.00", "reference": "X"}, http.StatusNotFound},
		{"POST", "/loans", map[string]interface{}{"customer_id": uuid.New(), "principal": "10.00", "tenor_months": 0}, http.StatusBadRequest},
		{"PATCH", "/repayments/" + uuid.NewString() + "/reverse", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	router := setupTestServer(t)

	rr := do(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = do(t, router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "remitledger_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", ledger.ErrMissingLoan), http.StatusNotFound},
		{ledger.ErrSettledByRemittance, http.StatusConflict},
		{store.ErrDuplicate, http.StatusConflict},
		{ledger.ErrNothingToReverse, http.StatusUnprocessableEntity},
		{lock.ErrLockTimeout, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
