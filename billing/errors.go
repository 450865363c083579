/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations and the HTTP layer match on these with errors.Is.

ERROR CATEGORIES:
  1. Not found - Unknown student, lesson, charge or payment
  2. Invalid state - Negative price, non-positive payment, bad currency
  3. Concurrency - Storage reported a conflict, the unit of work may retry
  4. Consistency - Ledger and payment/charge facts disagree (a defect)

PROPAGATION:
  Every error aborts the enclosing unit of work. Nothing is committed
  partially: a ledger delta is never visible without its reconciliation.

SEE ALSO:
  - service.go: Validates input before any ledger mutation
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrLessonNotFound  = errors.New("lesson not found")
	ErrChargeNotFound  = errors.New("lesson charge not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidPrice is returned for a negative lesson price.
	ErrInvalidPrice = errors.New("price must not be negative")

	// ErrInvalidAmount is returned for a payment amount that is zero or negative.
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	ErrInvalidCurrency = errors.New("invalid currency")

	// ErrConcurrentModification is returned by stores when the database
	// aborted the transaction because of a conflicting writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerDrift means a stored balance no longer matches its facts.
	ErrLedgerDrift = errors.New("ledger drift detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record. Unwraps to the matching sentinel.
type NotFoundError struct {
	Kind string // "student", "lesson", "charge", "payment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Kind {
	case "student":
		return ErrStudentNotFound
	case "lesson":
		return ErrLessonNotFound
	case "charge":
		return ErrChargeNotFound
	case "payment":
		return ErrPaymentNotFound
	}
	return nil
}

func studentNotFound(id StudentID) error { return &NotFoundError{Kind: "student", ID: string(id)} }
func lessonNotFound(id LessonID) error   { return &NotFoundError{Kind: "lesson", ID: string(id)} }
func chargeNotFound(id ChargeID) error   { return &NotFoundError{Kind: "charge", ID: string(id)} }
func paymentNotFound(id PaymentID) error { return &NotFoundError{Kind: "payment", ID: string(id)} }

// LedgerDriftError reports a balance that disagrees with
// sum(payments) - sum(non-free charges) for the same student and currency.
type LedgerDriftError struct {
	StudentID StudentID
	Currency  Currency
	Stored    decimal.Decimal
	Expected  decimal.Decimal
}

func (e *LedgerDriftError) Error() string {
	return fmt.Sprintf("ledger drift for student %s %s: stored %s, expected %s",
		e.StudentID, e.Currency, e.Stored.StringFixed(2), e.Expected.StringFixed(2))
}

func (e *LedgerDriftError) Unwrap() error {
	return ErrLedgerDrift
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole unit of work may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrLessonNotFound) ||
		errors.Is(err, ErrChargeNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}
