/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers that are not a single entity

MONEY:
  Amounts travel as decimal strings ("60.00"), never as JSON numbers.
  Responses always carry two fraction digits.

TIMES:
  Lesson start times are RFC 3339. Payment dates are YYYY-MM-DD.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  Handler.decode, which rejects a body failing either JSON decoding or
  the tags with 400 before anything reaches the billing service.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/tutor-ledger/billing"
)

// =============================================================================
// STUDENTS
// =============================================================================

type StudentDTO struct {
	ID              string `json:"id"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	FullName        string `json:"full_name"`
	PriceIndividual string `json:"price_individual"`
	PriceGroup      string `json:"price_group"`
	Currency        string `json:"currency"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// StudentRequest creates or replaces a student. Active defaults to true.
type StudentRequest struct {
	FirstName       string `json:"first_name" validate:"required,max=100"`
	LastName        string `json:"last_name" validate:"max=100"`
	PriceIndividual string `json:"price_individual" validate:"required,numeric"`
	PriceGroup      string `json:"price_group" validate:"required,numeric"`
	Currency        string `json:"currency" validate:"required,len=3"`
	Active          *bool  `json:"active"`
}

type BalanceDTO struct {
	Currency      string `json:"currency"`
	Symbol        string `json:"symbol"`
	Amount        string `json:"amount"`
	LastUpdatedAt string `json:"last_updated_at"`
}

type BalancesResponse struct {
	StudentID string       `json:"student_id"`
	Balances  []BalanceDTO `json:"balances"`
}

type ResyncReportDTO struct {
	Currency  string `json:"currency"`
	Credit    string `json:"credit"`
	Examined  int    `json:"examined"`
	Changed   int    `json:"changed"`
	Paid      int    `json:"paid"`
	Remaining string `json:"remaining"`
}

type ResyncResponse struct {
	StudentID string            `json:"student_id"`
	Reports   []ResyncReportDTO `json:"reports"`
}

type DriftDTO struct {
	Currency string `json:"currency"`
	Stored   string `json:"stored"`
	Expected string `json:"expected"`
}

// VerifyResponse is returned with 200 whether or not drift was found.
type VerifyResponse struct {
	StudentID  string     `json:"student_id"`
	Consistent bool       `json:"consistent"`
	Drift      []DriftDTO `json:"drift"`
}

// =============================================================================
// LESSONS
// =============================================================================

type ChargeDTO struct {
	ID         string `json:"id"`
	StudentID  string `json:"student_id"`
	LessonDate string `json:"lesson_date"`
	Price      string `json:"price"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
}

type LessonDTO struct {
	ID       string      `json:"id"`
	StartsAt string      `json:"starts_at"`
	Topic    string      `json:"topic"`
	Status   string      `json:"status"`
	Charges  []ChargeDTO `json:"charges"`
}

// LessonRequest creates or replaces a lesson and its enrollment.
type LessonRequest struct {
	StartsAt   string   `json:"starts_at" validate:"required"`
	Topic      string   `json:"topic" validate:"max=200"`
	StudentIDs []string `json:"student_ids" validate:"dive,required"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID        string `json:"id"`
	StudentID string `json:"student_id"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Date      string `json:"date"`
	Method    string `json:"method"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// PaymentRequest creates or replaces a payment. Date defaults to today.
type PaymentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	Currency  string `json:"currency" validate:"required,len=3"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Date      string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Method    string `json:"method" validate:"omitempty,max=32"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStudentDTO(st billing.Student) StudentDTO {
	return StudentDTO{
		ID:              string(st.ID),
		FirstName:       st.FirstName,
		LastName:        st.LastName,
		FullName:        st.FullName(),
		PriceIndividual: st.PriceIndividual.StringFixed(2),
		PriceGroup:      st.PriceGroup.StringFixed(2),
		Currency:        st.Currency.String(),
		Active:          st.Active,
		CreatedAt:       st.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       st.UpdatedAt.Format(time.RFC3339),
	}
}

func toBalanceDTO(b billing.Balance) BalanceDTO {
	return BalanceDTO{
		Currency:      b.Currency.String(),
		Symbol:        b.Currency.Symbol(),
		Amount:        b.Amount.StringFixed(2),
		LastUpdatedAt: b.LastUpdatedAt.Format(time.RFC3339),
	}
}

func toLessonDTO(v billing.LessonView) LessonDTO {
	charges := make([]ChargeDTO, len(v.Charges))
	for i, c := range v.Charges {
		charges[i] = ChargeDTO{
			ID:         string(c.ID),
			StudentID:  string(c.StudentID),
			LessonDate: c.LessonDate.Format(time.RFC3339),
			Price:      c.Price.StringFixed(2),
			Currency:   c.Currency.String(),
			Status:     string(c.Status),
		}
	}
	return LessonDTO{
		ID:       string(v.Lesson.ID),
		StartsAt: v.Lesson.StartsAt.Format(time.RFC3339),
		Topic:    v.Lesson.Topic,
		Status:   string(v.Status),
		Charges:  charges,
	}
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		StudentID: string(p.StudentID),
		Currency:  p.Currency.String(),
		Amount:    p.Amount.StringFixed(2),
		Date:      p.Date.Format(billing.DateLayout),
		Method:    string(p.Method),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
}
