/*
ledger.go - Per-student, per-currency running balance

PURPOSE:
  The BalanceLedger holds one signed decimal amount per (student, currency).
  Lesson charges debit it, payments credit it. It answers "how much does
  this student owe in EUR right now?" without replaying history.

CRITICAL INVARIANTS:
  1. ADDITIVE: amount == sum(payments) - sum(non-free charge prices)
  2. LAZY: A row only exists once a non-zero delta has touched it
  3. SINGLE-CURRENCY: Deltas never cross currencies, there is no FX
  4. INDEPENDENT: The reconciler never reads this amount

DELTA CONVENTIONS:
  charge created        -price
  charge removed        +price
  charge re-priced      old - new
  payment created       +amount
  payment deleted       -amount
  payment amount edited new - old

  A zero delta is a no-op: no row is created, no timestamp changes.

EXAMPLE FLOW:
  1. Lesson on day 1, price 60: ChangeBalance(S, EUR, -60) -> -60
  2. Lesson on day 2, price 60: ChangeBalance(S, EUR, -60) -> -120
  3. Payment 130:               ChangeBalance(S, EUR, +130) -> 10

SEE ALSO:
  - reconcile.go: Derives charge statuses from the same raw facts
  - store.go: BalanceStore persistence interface
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/logging"
)

// =============================================================================
// BALANCE LEDGER
// =============================================================================

// BalanceLedger applies signed deltas to balance rows.
// It is not safe for concurrent use on the same student: callers serialize
// per student (see Locker) and run it inside one store transaction.
type BalanceLedger struct {
	balances BalanceStore
	students StudentStore
	now      func() time.Time
}

func NewBalanceLedger(balances BalanceStore, students StudentStore) *BalanceLedger {
	return &BalanceLedger{
		balances: balances,
		students: students,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the balance row, inserting a zero row if none exists.
// Fails with ErrStudentNotFound when a row would have to be created for an
// unknown student.
func (l *BalanceLedger) GetOrCreate(ctx context.Context, studentID StudentID, currency Currency) (Balance, error) {
	existing, err := l.balances.GetBalance(ctx, studentID, currency)
	if err != nil {
		return Balance{}, fmt.Errorf("GetOrCreate: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	student, err := l.students.GetStudent(ctx, studentID)
	if err != nil {
		return Balance{}, fmt.Errorf("GetOrCreate: %w", err)
	}
	if student == nil {
		logging.FromContext(ctx).Warn("student not found when creating balance",
			"student_id", studentID, "currency", currency)
		return Balance{}, fmt.Errorf("GetOrCreate: %w", studentNotFound(studentID))
	}

	b := Balance{
		StudentID:     studentID,
		Currency:      currency,
		Amount:        decimal.Zero,
		LastUpdatedAt: l.now(),
	}
	if err := l.balances.SaveBalance(ctx, b); err != nil {
		return Balance{}, fmt.Errorf("GetOrCreate: %w", err)
	}

	logging.FromContext(ctx).Info("balance created",
		"student_id", studentID, "currency", currency)
	return b, nil
}

// ChangeBalance adds delta to the (student, currency) balance.
func (l *BalanceLedger) ChangeBalance(ctx context.Context, studentID StudentID, currency Currency, delta decimal.Decimal) error {
	if delta.IsZero() {
		logging.FromContext(ctx).Debug("balance unchanged, zero delta",
			"student_id", studentID, "currency", currency)
		return nil
	}
	if !currency.IsValid() {
		return fmt.Errorf("ChangeBalance: %w", ErrInvalidCurrency)
	}

	b, err := l.GetOrCreate(ctx, studentID, currency)
	if err != nil {
		return fmt.Errorf("ChangeBalance: %w", err)
	}

	old := b.Amount
	b.Amount = b.Amount.Add(delta)
	b.LastUpdatedAt = l.now()
	if err := l.balances.SaveBalance(ctx, b); err != nil {
		return fmt.Errorf("ChangeBalance: %w", err)
	}

	logging.FromContext(ctx).Info("balance changed",
		"student_id", studentID,
		"currency", currency,
		"old_amount", old.String(),
		"delta", delta.String(),
		"new_amount", b.Amount.String(),
	)
	return nil
}

// GetAllBalances returns every balance row of the student, ordered by currency.
func (l *BalanceLedger) GetAllBalances(ctx context.Context, studentID StudentID) ([]Balance, error) {
	balances, err := l.balances.ListBalances(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("GetAllBalances: %w", err)
	}
	return balances, nil
}
