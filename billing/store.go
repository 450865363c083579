/*
store.go - Persistence interfaces for students, balances, charges and payments

PURPOSE:
  Defines the boundary between the billing engine and the database.
  Memory, SQLite and PostgreSQL implementations all satisfy TxStore.

KEY INTERFACES:
  StudentStore: Existence checks and pricing source
  BalanceStore: The ledger table keyed by (student, currency)
  ChargeStore:  Lesson enrollments with price and derived status
  PaymentStore: Payment facts, sums and filtered listings
  LessonStore:  Lesson headers (date, topic)
  TxStore:      All of the above plus atomic units of work

NOT-FOUND CONVENTION:
  Get* methods return (nil, nil) when the row does not exist. The engine
  turns that into the matching NotFoundError.

ORDERING CONTRACT:
  ListBillableCharges returns non-FREE charges ordered by LessonDate, then
  Seq. CreateCharge assigns Seq in insertion order.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres/store.go: PostgreSQL

SEE ALSO:
  - service.go: Runs every lifecycle event inside WithTx
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type StudentStore interface {
	// SaveStudent inserts or replaces a student.
	SaveStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	ListStudents(ctx context.Context) ([]Student, error)
	DeleteStudent(ctx context.Context, id StudentID) error
}

type BalanceStore interface {
	GetBalance(ctx context.Context, studentID StudentID, currency Currency) (*Balance, error)

	// SaveBalance inserts or replaces the row for (StudentID, Currency).
	SaveBalance(ctx context.Context, b Balance) error

	// ListBalances returns the student's rows ordered by currency.
	ListBalances(ctx context.Context, studentID StudentID) ([]Balance, error)
	DeleteBalances(ctx context.Context, studentID StudentID) error
}

type ChargeStore interface {
	// CreateCharge inserts a charge and sets c.Seq.
	CreateCharge(ctx context.Context, c *LessonCharge) error

	// UpdateCharge rewrites price, lesson date and status of an existing charge.
	UpdateCharge(ctx context.Context, c LessonCharge) error
	UpdateChargeStatus(ctx context.Context, id ChargeID, status PaymentStatus) error
	GetCharge(ctx context.Context, id ChargeID) (*LessonCharge, error)
	ListChargesByLesson(ctx context.Context, lessonID LessonID) ([]LessonCharge, error)

	// ListBillableCharges returns non-FREE charges ordered by LessonDate, Seq.
	ListBillableCharges(ctx context.Context, studentID StudentID, currency Currency) ([]LessonCharge, error)

	// ChargeCurrencies returns the distinct currencies of the student's charges.
	ChargeCurrencies(ctx context.Context, studentID StudentID) ([]Currency, error)
	DeleteCharge(ctx context.Context, id ChargeID) error
	DeleteChargesByStudent(ctx context.Context, studentID StudentID) error
}

type PaymentStore interface {
	// SavePayment inserts or replaces a payment.
	SavePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// ListPayments returns matching payments ordered by date, then creation.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)

	// SumPayments is the exact sum for (student, currency), zero if none.
	SumPayments(ctx context.Context, studentID StudentID, currency Currency) (decimal.Decimal, error)
	DeletePayment(ctx context.Context, id PaymentID) error
	DeletePaymentsByStudent(ctx context.Context, studentID StudentID) error
}

type LessonStore interface {
	SaveLesson(ctx context.Context, l Lesson) error
	GetLesson(ctx context.Context, id LessonID) (*Lesson, error)

	// ListLessons returns lessons with StartsAt in [from, to] ordered by
	// StartsAt. A zero bound is open.
	ListLessons(ctx context.Context, from, to time.Time) ([]Lesson, error)
	DeleteLesson(ctx context.Context, id LessonID) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	StudentStore
	BalanceStore
	ChargeStore
	PaymentStore
	LessonStore
}

// =============================================================================
// TRANSACTIONAL STORE - One unit of work per lifecycle event
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
