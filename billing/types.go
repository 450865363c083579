/*
Package billing provides the tutoring balance ledger and payment-status engine.

PURPOSE:
  This package keeps a signed running balance per student per currency
  and derives which lesson charges count as paid. Lessons debit the
  balance, payments credit it, and a reconciliation pass decides which
  individual charges the accumulated payments actually cover.

KEY CONCEPTS IN THIS FILE (types.go):
  - Currency: ISO code of a single-currency ledger (no FX, ever)
  - Balance: The signed running amount for one (student, currency)
  - LessonCharge: One student's priced enrollment in one lesson
  - Payment: Money received from a student in one currency
  - PaymentStatus: PAID / UNPAID / FREE per charge, PARTIALLY_PAID per lesson

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Derived status: Charge status is recomputed from raw facts, not patched
  3. Arena storage: Entities reference each other by ID only
  4. Currency isolation: Nothing ever adds amounts across currencies

USAGE:
  charge := billing.LessonCharge{
      ID:         "chg-1",
      LessonID:   "lsn-1",
      StudentID:  "stu-1",
      LessonDate: time.Date(2025, 12, 21, 14, 0, 0, 0, time.UTC),
      Price:      decimal.RequireFromString("60.00"),
      Currency:   billing.CurrencyEUR,
  }

SEE ALSO:
  - ledger.go: Balance ledger (changeBalance)
  - reconcile.go: Chronological payment allocation
  - status.go: Lesson-level status aggregation
  - service.go: Orchestration of lifecycle events
*/
package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type LessonID string
type ChargeID string
type PaymentID string

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyUAH Currency = "UAH"
	CurrencyPLN Currency = "PLN"
)

var currencySymbols = map[Currency]string{
	CurrencyUSD: "$",
	CurrencyEUR: "€",
	CurrencyUAH: "₴",
	CurrencyPLN: "zł",
}

// ParseCurrency accepts a currency code in any case.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

func (c Currency) IsValid() bool {
	_, ok := currencySymbols[c]
	return ok
}

func (c Currency) Symbol() string { return currencySymbols[c] }
func (c Currency) String() string { return string(c) }

// =============================================================================
// PAYMENT STATUS
// =============================================================================

// PaymentStatus is the paid state of a charge or of a whole lesson.
// PARTIALLY_PAID only ever appears on lessons, never on a single charge.
type PaymentStatus string

const (
	StatusPaid          PaymentStatus = "PAID"
	StatusUnpaid        PaymentStatus = "UNPAID"
	StatusFree          PaymentStatus = "FREE"
	StatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "CASH"
	MethodCard         PaymentMethod = "CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodOther        PaymentMethod = "OTHER"
)

// =============================================================================
// STUDENT - Collaborator entity (existence + pricing)
// =============================================================================

type Student struct {
	ID              StudentID
	FirstName       string
	LastName        string
	PriceIndividual decimal.Decimal
	PriceGroup      decimal.Decimal
	Currency        Currency
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// =============================================================================
// BALANCE - One row per (student, currency)
// =============================================================================

// Balance is the signed running amount for a student in one currency.
// Negative means the student owes money.
type Balance struct {
	StudentID     StudentID
	Currency      Currency
	Amount        decimal.Decimal
	LastUpdatedAt time.Time
}

// =============================================================================
// LESSON + CHARGE
// =============================================================================

type Lesson struct {
	ID       LessonID
	StartsAt time.Time
	Topic    string
}

// LessonCharge is one student's priced enrollment in one lesson.
//
// INVARIANTS:
//   - Price is never negative
//   - Price zero means Status is FREE, permanently
//   - Currency is fixed at creation
//
// Seq is assigned by the store on insert and breaks ties between charges
// on the same LessonDate.
type LessonCharge struct {
	ID         ChargeID
	LessonID   LessonID
	StudentID  StudentID
	LessonDate time.Time
	Seq        int64
	Price      decimal.Decimal
	Currency   Currency
	Status     PaymentStatus
}

// IsFree reports whether the charge is excluded from reconciliation.
func (c LessonCharge) IsFree() bool {
	return c.Status == StatusFree || c.Price.IsZero()
}

// =============================================================================
// PAYMENT
// =============================================================================

type Payment struct {
	ID        PaymentID
	StudentID StudentID
	Currency  Currency
	Amount    decimal.Decimal
	Date      time.Time
	Method    PaymentMethod
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentFilter selects payments. Zero values mean "no constraint".
// An empty StudentIDs slice matches every student.
type PaymentFilter struct {
	From       time.Time
	To         time.Time
	StudentIDs []StudentID
}

// Matches applies the filter in memory. Dates compare by calendar day.
func (f PaymentFilter) Matches(p Payment) bool {
	day := DateOnly(p.Date)
	if !f.From.IsZero() && day.Before(DateOnly(f.From)) {
		return false
	}
	if !f.To.IsZero() && day.After(DateOnly(f.To)) {
		return false
	}
	if len(f.StudentIDs) == 0 {
		return true
	}
	for _, id := range f.StudentIDs {
		if id == p.StudentID {
			return true
		}
	}
	return false
}

// =============================================================================
// TIME HELPERS
// =============================================================================

const DateLayout = "2006-01-02"

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
