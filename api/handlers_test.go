/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Full lesson/payment flow over HTTP (balances and lesson statuses)
- Request validation and error status mapping
- Date range and student filters
- Ledger verification and resync endpoints
- Caller-level retry of units of work
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tutor-ledger/billing"
	"github.com/warp/tutor-ledger/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	svc := billing.NewService(store.NewMemory())
	return NewRouter(NewHandler(svc, RetryPolicy{MaxAttempts: 1}), nil)
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createStudent(t *testing.T, router http.Handler) StudentDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/students", StudentRequest{
		FirstName:       "Ada",
		LastName:        "Lovelace",
		PriceIndividual: "60.00",
		PriceGroup:      "45.00",
		Currency:        "eur",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[StudentDTO](t, rec)
}

func createLesson(t *testing.T, router http.Handler, startsAt string, students ...string) LessonDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/lessons", LessonRequest{StartsAt: startsAt, StudentIDs: students})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[LessonDTO](t, rec)
}

func balanceOf(t *testing.T, router http.Handler, studentID string) BalancesResponse {
	t.Helper()
	rec := do(t, router, http.MethodGet, "/api/students/"+studentID+"/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[BalancesResponse](t, rec)
}

// =============================================================================
// FLOW TESTS
// =============================================================================

func TestAPI_LessonsAndPaymentFlow(t *testing.T) {
	// GIVEN: A student with three 60.00 lessons
	// WHEN: 130.00 is paid, then the payment is deleted
	// THEN: Balances and lesson statuses follow over HTTP

	router := newTestRouter(t)
	st := createStudent(t, router)
	assert.Equal(t, "EUR", st.Currency)
	assert.Equal(t, "Ada Lovelace", st.FullName)

	var lessons []LessonDTO
	for d := 1; d <= 3; d++ {
		lessons = append(lessons, createLesson(t, router, fmt.Sprintf("2025-12-0%dT14:00:00Z", d), st.ID))
	}
	assert.Equal(t, "UNPAID", lessons[0].Status)
	require.Len(t, lessons[0].Charges, 1)
	assert.Equal(t, "60.00", lessons[0].Charges[0].Price)

	b := balanceOf(t, router, st.ID)
	require.Len(t, b.Balances, 1)
	assert.Equal(t, "-180.00", b.Balances[0].Amount)
	assert.Equal(t, "€", b.Balances[0].Symbol)

	rec := do(t, router, http.MethodPost, "/api/payments", PaymentRequest{
		StudentID: st.ID,
		Currency:  "EUR",
		Amount:    "130.00",
		Date:      "2025-12-04",
		Method:    "card",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, "CARD", payment.Method)
	assert.Equal(t, "2025-12-04", payment.Date)

	assert.Equal(t, "-50.00", balanceOf(t, router, st.ID).Balances[0].Amount)
	want := []string{"PAID", "PAID", "UNPAID"}
	for i, l := range lessons {
		rec := do(t, router, http.MethodGet, "/api/lessons/"+l.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want[i], decodeBody[LessonDTO](t, rec).Status, "lesson %d", i+1)
	}

	rec = do(t, router, http.MethodDelete, "/api/payments/"+payment.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "-180.00", balanceOf(t, router, st.ID).Balances[0].Amount)

	rec = do(t, router, http.MethodGet, "/api/lessons/"+lessons[0].ID, nil)
	assert.Equal(t, "UNPAID", decodeBody[LessonDTO](t, rec).Status)
}

func TestAPI_UpdateLesson_AddsStudentAndReprices(t *testing.T) {
	// GIVEN: An individual lesson
	// WHEN: A second student joins
	// THEN: Both are charged the group price

	router := newTestRouter(t)
	a := createStudent(t, router)
	b := createStudent(t, router)
	lesson := createLesson(t, router, "2025-12-01T14:00:00Z", a.ID)

	rec := do(t, router, http.MethodPut, "/api/lessons/"+lesson.ID, LessonRequest{
		StartsAt:   "2025-12-01T14:00:00Z",
		Topic:      "Group",
		StudentIDs: []string{a.ID, b.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[LessonDTO](t, rec)

	require.Len(t, view.Charges, 2)
	for _, c := range view.Charges {
		assert.Equal(t, "45.00", c.Price)
	}
	assert.Equal(t, "-45.00", balanceOf(t, router, a.ID).Balances[0].Amount)
	assert.Equal(t, "-45.00", balanceOf(t, router, b.ID).Balances[0].Amount)
}

func TestAPI_DeleteStudent(t *testing.T) {
	router := newTestRouter(t)
	st := createStudent(t, router)
	createLesson(t, router, "2025-12-01T14:00:00Z", st.ID)

	rec := do(t, router, http.MethodDelete, "/api/students/"+st.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/students/"+st.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_DeactivateStudent_ListingFilters(t *testing.T) {
	router := newTestRouter(t)
	a := createStudent(t, router)
	b := createStudent(t, router)

	rec := do(t, router, http.MethodPost, "/api/students/"+b.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[StudentDTO](t, rec).Active)

	rec = do(t, router, http.MethodGet, "/api/students", nil)
	listed := decodeBody[[]StudentDTO](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, a.ID, listed[0].ID)

	rec = do(t, router, http.MethodGet, "/api/students?include_inactive=true", nil)
	assert.Len(t, decodeBody[[]StudentDTO](t, rec), 2)

	rec = do(t, router, http.MethodPost, "/api/students/"+b.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[StudentDTO](t, rec).Active)

	rec = do(t, router, http.MethodPost, "/api/students/nobody/deactivate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// VALIDATION AND ERROR MAPPING
// =============================================================================

func TestAPI_CreateStudent_Validation(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "not an object"},
		{"missing first name", StudentRequest{PriceIndividual: "60", PriceGroup: "45", Currency: "EUR"}},
		{"non numeric price", StudentRequest{FirstName: "A", PriceIndividual: "sixty", PriceGroup: "45", Currency: "EUR"}},
		{"unknown currency", StudentRequest{FirstName: "A", PriceIndividual: "60", PriceGroup: "45", Currency: "XYZ"}},
		{"negative price", StudentRequest{FirstName: "A", PriceIndividual: "-1", PriceGroup: "45", Currency: "EUR"}},
		{"sub-cent price", StudentRequest{FirstName: "A", PriceIndividual: "10.005", PriceGroup: "45", Currency: "EUR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/students", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAPI_NotFound(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{
		"/api/students/nobody",
		"/api/students/nobody/balances",
		"/api/lessons/nothing",
		"/api/payments/nothing",
	} {
		rec := do(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := do(t, router, http.MethodPost, "/api/payments", PaymentRequest{
		StudentID: "nobody",
		Currency:  "EUR",
		Amount:    "10.00",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/lessons", LessonRequest{
		StartsAt:   "2025-12-01T14:00:00Z",
		StudentIDs: []string{"nobody"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CreatePayment_Validation(t *testing.T) {
	router := newTestRouter(t)
	st := createStudent(t, router)

	tests := []struct {
		name string
		req  PaymentRequest
	}{
		{"zero amount", PaymentRequest{StudentID: st.ID, Currency: "EUR", Amount: "0"}},
		{"bad date", PaymentRequest{StudentID: st.ID, Currency: "EUR", Amount: "10", Date: "04/12/2025"}},
		{"bad currency", PaymentRequest{StudentID: st.ID, Currency: "ABC", Amount: "10"}},
		{"missing student", PaymentRequest{Currency: "EUR", Amount: "10"}},
		{"sub-cent amount", PaymentRequest{StudentID: st.ID, Currency: "EUR", Amount: "0.001"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/payments", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestWriteServiceError_StatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("op: %w", billing.ErrStudentNotFound), http.StatusNotFound},
		{billing.ErrInvalidAmount, http.StatusBadRequest},
		{billing.ErrConcurrentModification, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		writeServiceError(rec, req, "failed", tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

// =============================================================================
// FILTERS
// =============================================================================

func TestAPI_ListLessons_ToDateIsInclusive(t *testing.T) {
	router := newTestRouter(t)
	st := createStudent(t, router)
	createLesson(t, router, "2025-12-01T14:00:00Z", st.ID)
	second := createLesson(t, router, "2025-12-02T09:00:00Z", st.ID)
	third := createLesson(t, router, "2025-12-03T18:30:00Z", st.ID)

	rec := do(t, router, http.MethodGet, "/api/lessons?from=2025-12-02&to=2025-12-03", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lessons := decodeBody[[]LessonDTO](t, rec)

	require.Len(t, lessons, 2)
	assert.Equal(t, second.ID, lessons[0].ID)
	assert.Equal(t, third.ID, lessons[1].ID)

	rec = do(t, router, http.MethodGet, "/api/lessons?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ListPayments_Filters(t *testing.T) {
	router := newTestRouter(t)
	a := createStudent(t, router)
	b := createStudent(t, router)

	for _, req := range []PaymentRequest{
		{StudentID: a.ID, Currency: "EUR", Amount: "10", Date: "2025-12-01"},
		{StudentID: a.ID, Currency: "EUR", Amount: "20", Date: "2025-12-05"},
		{StudentID: b.ID, Currency: "EUR", Amount: "30", Date: "2025-12-05"},
	} {
		rec := do(t, router, http.MethodPost, "/api/payments", req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(t, router, http.MethodGet, "/api/payments?from=2025-12-02&student_id="+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payments := decodeBody[[]PaymentDTO](t, rec)
	require.Len(t, payments, 1)
	assert.Equal(t, "20.00", payments[0].Amount)

	rec = do(t, router, http.MethodGet, "/api/payments?student_id="+a.ID+","+b.ID, nil)
	assert.Len(t, decodeBody[[]PaymentDTO](t, rec), 3)
}

// =============================================================================
// RESYNC AND VERIFY
// =============================================================================

func TestAPI_ResyncAndVerify(t *testing.T) {
	router := newTestRouter(t)
	st := createStudent(t, router)
	createLesson(t, router, "2025-12-01T14:00:00Z", st.ID)
	rec := do(t, router, http.MethodPost, "/api/payments", PaymentRequest{StudentID: st.ID, Currency: "EUR", Amount: "60"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/students/"+st.ID+"/resync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resync := decodeBody[ResyncResponse](t, rec)
	require.Len(t, resync.Reports, 1)
	assert.Equal(t, "EUR", resync.Reports[0].Currency)
	assert.Equal(t, 1, resync.Reports[0].Paid)
	assert.Equal(t, 0, resync.Reports[0].Changed, "already in sync")
	assert.Equal(t, "0.00", resync.Reports[0].Remaining)

	rec = do(t, router, http.MethodGet, "/api/students/"+st.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decodeBody[VerifyResponse](t, rec)
	assert.True(t, verify.Consistent)
	assert.Empty(t, verify.Drift)
}

func TestDriftFindings(t *testing.T) {
	err := errors.Join(
		&billing.LedgerDriftError{StudentID: "s", Currency: billing.CurrencyEUR},
		&billing.LedgerDriftError{StudentID: "s", Currency: billing.CurrencyUSD},
	)

	drift := driftFindings(fmt.Errorf("VerifyLedger: %w", err))
	require.Len(t, drift, 2)
	assert.Equal(t, "EUR", drift[0].Currency)
	assert.Equal(t, "0.00", drift[0].Stored)
	assert.Equal(t, "USD", drift[1].Currency)

	assert.Empty(t, driftFindings(nil))
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(t), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

// =============================================================================
// RETRY
// =============================================================================

func TestWithRetry(t *testing.T) {
	h := &Handler{retry: RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}
	ctx := context.Background()

	t.Run("retryable until success", func(t *testing.T) {
		calls := 0
		err := h.withRetry(ctx, func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("commit: %w", billing.ErrConcurrentModification)
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := h.withRetry(ctx, func() error {
			calls++
			return billing.ErrConcurrentModification
		})
		assert.ErrorIs(t, err, billing.ErrConcurrentModification)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		err := h.withRetry(ctx, func() error {
			calls++
			return billing.ErrInvalidAmount
		})
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
		assert.Equal(t, 1, calls)
	})
}
