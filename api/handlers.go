/*
handlers.go - HTTP API handlers for the tutoring ledger

PURPOSE:
  Exposes the billing service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.Service.
  Handlers never touch a store directly.

ENDPOINTS:
  Students:
    GET    /api/students                  List active (?include_inactive=true)
    POST   /api/students                  Create student
    GET    /api/students/{id}             Get student
    PUT    /api/students/{id}             Update profile and pricing
    DELETE /api/students/{id}             Hard delete with all facts
    POST   /api/students/{id}/activate    Reactivate
    POST   /api/students/{id}/deactivate  Hide from default listing
    GET    /api/students/{id}/balances    Balances per currency
    POST   /api/students/{id}/resync      Recompute payment statuses
    GET    /api/students/{id}/verify      Compare balances with facts

  Lessons:
    GET    /api/lessons?from=&to=         Lessons in a date range
    POST   /api/lessons                   Create lesson with enrollment
    GET    /api/lessons/{id}              Lesson with charges and status
    PUT    /api/lessons/{id}              Replace time, topic, enrollment
    DELETE /api/lessons/{id}              Delete lesson, refund charges

  Payments:
    GET    /api/payments?from=&to=&student_id=
    POST   /api/payments
    GET    /api/payments/{id}
    PUT    /api/payments/{id}
    DELETE /api/payments/{id}

REQUEST FLOW:
  1. Parse and validate the request
  2. Call billing.Service, mutations through withRetry
  3. Serialize response
  4. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid price/amount/currency
  - 404: Student, lesson, charge or payment not found
  - 409: Concurrent modification still failing after retries
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - retry.go: Caller-level retry of units of work
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/billing"
	"github.com/warp/tutor-ledger/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc      *billing.Service
	validate *validator.Validate
	retry    RetryPolicy
}

// NewHandler creates a handler over svc. Mutations are retried per retry.
func NewHandler(svc *billing.Service, retry RetryPolicy) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		retry:    retry,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns active students. ?include_inactive=true lists all.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	students, err := h.svc.ListStudents(r.Context(), includeInactive)
	if err != nil {
		writeServiceError(w, r, "Failed to list students", err)
		return
	}

	dtos := make([]StudentDTO, len(students))
	for i, st := range students {
		dtos[i] = toStudentDTO(st)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStudent(r.Context(), billing.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, r, "Failed to get student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*st))
}

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := studentFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid student", err)
		return
	}

	var created *billing.Student
	err = h.withRetry(r.Context(), func() error {
		var err error
		created, err = h.svc.CreateStudent(r.Context(), st)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to create student", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(*created))
}

func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := studentFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid student", err)
		return
	}
	st.ID = billing.StudentID(chi.URLParam(r, "id"))

	var updated *billing.Student
	err = h.withRetry(r.Context(), func() error {
		var err error
		updated, err = h.svc.UpdateStudent(r.Context(), st)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to update student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*updated))
}

func (h *Handler) ActivateStudent(w http.ResponseWriter, r *http.Request) {
	h.setStudentActive(w, r, true)
}

func (h *Handler) DeactivateStudent(w http.ResponseWriter, r *http.Request) {
	h.setStudentActive(w, r, false)
}

func (h *Handler) setStudentActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := billing.StudentID(chi.URLParam(r, "id"))

	var st *billing.Student
	err := h.withRetry(r.Context(), func() error {
		var err error
		st, err = h.svc.SetStudentActive(r.Context(), id, active)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to change student activity", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*st))
}

// DeleteStudent removes the student together with its balances, charges
// and payments.
func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	id := billing.StudentID(chi.URLParam(r, "id"))
	err := h.withRetry(r.Context(), func() error {
		return h.svc.HardDeleteStudent(r.Context(), id)
	})
	if err != nil {
		writeServiceError(w, r, "Failed to delete student", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	id := billing.StudentID(chi.URLParam(r, "id"))
	balances, err := h.svc.GetAllBalances(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "Failed to get balances", err)
		return
	}

	resp := BalancesResponse{StudentID: string(id), Balances: make([]BalanceDTO, len(balances))}
	for i, b := range balances {
		resp.Balances[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResyncStudent recomputes every charge status of the student from scratch.
func (h *Handler) ResyncStudent(w http.ResponseWriter, r *http.Request) {
	id := billing.StudentID(chi.URLParam(r, "id"))

	var reports []billing.ResyncReport
	err := h.withRetry(r.Context(), func() error {
		var err error
		reports, err = h.svc.ResyncPaymentStatus(r.Context(), id)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to resync student", err)
		return
	}

	resp := ResyncResponse{StudentID: string(id), Reports: make([]ResyncReportDTO, len(reports))}
	for i, rep := range reports {
		resp.Reports[i] = ResyncReportDTO{
			Currency:  rep.Currency.String(),
			Credit:    rep.Credit.StringFixed(2),
			Examined:  rep.Examined,
			Changed:   rep.Changed,
			Paid:      rep.Paid,
			Remaining: rep.Remaining.StringFixed(2),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyStudent reports ledger drift. Drift is a finding, not an error.
func (h *Handler) VerifyStudent(w http.ResponseWriter, r *http.Request) {
	id := billing.StudentID(chi.URLParam(r, "id"))

	err := h.svc.VerifyLedger(r.Context(), id)
	if err != nil && !errors.Is(err, billing.ErrLedgerDrift) {
		writeServiceError(w, r, "Failed to verify ledger", err)
		return
	}

	drift := driftFindings(err)
	resp := VerifyResponse{StudentID: string(id), Consistent: len(drift) == 0, Drift: drift}
	writeJSON(w, http.StatusOK, resp)
}

// driftFindings collects every *LedgerDriftError in the error tree of err.
func driftFindings(err error) []DriftDTO {
	out := []DriftDTO{}
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case nil:
		case *billing.LedgerDriftError:
			out = append(out, DriftDTO{
				Currency: x.Currency.String(),
				Stored:   x.Stored.StringFixed(2),
				Expected: x.Expected.StringFixed(2),
			})
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return out
}

func studentFromRequest(req StudentRequest) (billing.Student, error) {
	individual, err := decimal.NewFromString(req.PriceIndividual)
	if err != nil {
		return billing.Student{}, fmt.Errorf("price_individual: %w", billing.ErrInvalidPrice)
	}
	group, err := decimal.NewFromString(req.PriceGroup)
	if err != nil {
		return billing.Student{}, fmt.Errorf("price_group: %w", billing.ErrInvalidPrice)
	}
	currency, err := billing.ParseCurrency(req.Currency)
	if err != nil {
		return billing.Student{}, err
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return billing.Student{
		FirstName:       strings.TrimSpace(req.FirstName),
		LastName:        strings.TrimSpace(req.LastName),
		PriceIndividual: individual,
		PriceGroup:      group,
		Currency:        currency,
		Active:          active,
	}, nil
}

// =============================================================================
// LESSON HANDLERS
// =============================================================================

// ListLessons returns lessons in [from, to]. Both bounds are optional
// calendar dates, to includes the whole day.
func (h *Handler) ListLessons(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range (use YYYY-MM-DD)", err)
		return
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}

	views, err := h.svc.ListLessons(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, r, "Failed to list lessons", err)
		return
	}

	dtos := make([]LessonDTO, len(views))
	for i, v := range views {
		dtos[i] = toLessonDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLesson(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetLesson(r.Context(), billing.LessonID(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, r, "Failed to get lesson", err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonDTO(*view))
}

func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req LessonRequest
	if !h.decode(w, r, &req) {
		return
	}
	lesson, students, err := lessonFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid starts_at (use RFC 3339)", err)
		return
	}

	var view *billing.LessonView
	err = h.withRetry(r.Context(), func() error {
		var err error
		view, err = h.svc.CreateLesson(r.Context(), lesson, students)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to create lesson", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLessonDTO(*view))
}

// UpdateLesson replaces the lesson time, topic and enrollment. Charges of
// students no longer enrolled are refunded, new students are charged, and
// remaining students are re-priced if the group size crossed one.
func (h *Handler) UpdateLesson(w http.ResponseWriter, r *http.Request) {
	var req LessonRequest
	if !h.decode(w, r, &req) {
		return
	}
	lesson, students, err := lessonFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid starts_at (use RFC 3339)", err)
		return
	}
	lesson.ID = billing.LessonID(chi.URLParam(r, "id"))

	var view *billing.LessonView
	err = h.withRetry(r.Context(), func() error {
		var err error
		view, err = h.svc.UpdateLesson(r.Context(), lesson, students)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to update lesson", err)
		return
	}
	writeJSON(w, http.StatusOK, toLessonDTO(*view))
}

func (h *Handler) DeleteLesson(w http.ResponseWriter, r *http.Request) {
	id := billing.LessonID(chi.URLParam(r, "id"))
	err := h.withRetry(r.Context(), func() error {
		return h.svc.DeleteLesson(r.Context(), id)
	})
	if err != nil {
		writeServiceError(w, r, "Failed to delete lesson", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func lessonFromRequest(req LessonRequest) (billing.Lesson, []billing.StudentID, error) {
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		return billing.Lesson{}, nil, err
	}
	students := make([]billing.StudentID, len(req.StudentIDs))
	for i, id := range req.StudentIDs {
		students[i] = billing.StudentID(id)
	}
	return billing.Lesson{StartsAt: startsAt.UTC(), Topic: req.Topic}, students, nil
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments filters by ?from, ?to (inclusive dates) and ?student_id,
// which may repeat or hold a comma separated list.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range (use YYYY-MM-DD)", err)
		return
	}
	filter := billing.PaymentFilter{From: from, To: to}
	for _, v := range r.URL.Query()["student_id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.StudentIDs = append(filter.StudentIDs, billing.StudentID(id))
			}
		}
	}

	payments, err := h.svc.ListPayments(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPayment(r.Context(), billing.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, r, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := paymentFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment", err)
		return
	}

	var created *billing.Payment
	err = h.withRetry(r.Context(), func() error {
		var err error
		created, err = h.svc.CreatePayment(r.Context(), p)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to create payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*created))
}

// UpdatePayment may change amount, currency and student in one request.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := paymentFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment", err)
		return
	}
	p.ID = billing.PaymentID(chi.URLParam(r, "id"))

	var updated *billing.Payment
	err = h.withRetry(r.Context(), func() error {
		var err error
		updated, err = h.svc.UpdatePayment(r.Context(), p)
		return err
	})
	if err != nil {
		writeServiceError(w, r, "Failed to update payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*updated))
}

func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := billing.PaymentID(chi.URLParam(r, "id"))
	err := h.withRetry(r.Context(), func() error {
		return h.svc.DeletePayment(r.Context(), id)
	})
	if err != nil {
		writeServiceError(w, r, "Failed to delete payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func paymentFromRequest(req PaymentRequest) (billing.Payment, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return billing.Payment{}, fmt.Errorf("amount: %w", billing.ErrInvalidAmount)
	}
	currency, err := billing.ParseCurrency(req.Currency)
	if err != nil {
		return billing.Payment{}, err
	}
	var date time.Time
	if req.Date != "" {
		if date, err = time.Parse(billing.DateLayout, req.Date); err != nil {
			return billing.Payment{}, err
		}
	}
	return billing.Payment{
		StudentID: billing.StudentID(req.StudentID),
		Currency:  currency,
		Amount:    amount,
		Date:      date,
		Method:    billing.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.Method))),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. On failure the 400
// response is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func parseRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(billing.DateLayout, v); err != nil {
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(billing.DateLayout, v); err != nil {
			return
		}
	}
	return
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps billing errors to HTTP statuses. Only unexpected
// errors are logged, the access log covers the rest.
func writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case billing.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		logging.FromContext(r.Context()).Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
