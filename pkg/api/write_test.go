package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	var pd ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pd))
	return pd
}

func TestWriteErrorProblemJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "Bad Request", "missing field: call_id")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	pd := decodeProblem(t, rec)
	assert.Equal(t, "https://vigil.mindburn.io/errors/400", pd.Type)
	assert.Equal(t, "Bad Request", pd.Title)
	assert.Equal(t, http.StatusBadRequest, pd.Status)
	assert.Equal(t, "missing field: call_id", pd.Detail)
}

func TestWriteErrorRIncludesInstanceAndTrace(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/dispatch/dsp_123", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-abc")

	WriteErrorR(rec, req, http.StatusNotFound, "Not Found", "no such dispatch")

	pd := decodeProblem(t, rec)
	assert.Equal(t, "/v1/dispatch/dsp_123", pd.Instance)
	assert.Equal(t, "req-abc", pd.TraceID)
}

func TestWriteInternalSanitizes(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, errors.New("pq: password authentication failed for user vigil"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	pd := decodeProblem(t, rec)
	assert.Equal(t, "An unexpected error occurred. Please try again later.", pd.Detail)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestWriteTooManyRequestsSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 5)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestWriteUnauthorizedDefaultDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnauthorized(rec, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	pd := decodeProblem(t, rec)
	assert.Equal(t, "Authentication required", pd.Detail)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"dispatch_id": "dsp_1"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"dispatch_id":"dsp_1"}`, rec.Body.String())
}

func TestWriteFaultMapsKinds(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", fault.New(fault.Validation, "op", "bad input"), http.StatusBadRequest},
		{"policy", fault.New(fault.Policy, "op", "denied"), http.StatusForbidden},
		{"capacity", fault.New(fault.Capacity, "op", "full"), http.StatusTooManyRequests},
		{"transient", fault.New(fault.Transient, "op", "flaky"), http.StatusServiceUnavailable},
		{"permanent", fault.New(fault.Permanent, "op", "broken"), http.StatusBadGateway},
		{"integrity", fault.New(fault.Integrity, "op", "hash mismatch"), http.StatusInternalServerError},
		{"bare error treated as permanent", errors.New("mystery"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteFault(rec, tc.err)
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestWriteFaultValidationDetailVisible(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteFault(rec, fault.New(fault.Validation, "dispatch.create", "tier %q unknown", "extreme"))

	pd := decodeProblem(t, rec)
	assert.Contains(t, pd.Detail, `tier "extreme" unknown`)
}

func TestWriteFaultInternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteFault(rec, fault.New(fault.Transient, "db.query", "connection refused to 10.0.0.5:5432"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}
