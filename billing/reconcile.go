/*
reconcile.go - Chronological payment allocation (payment-status resync)

PURPOSE:
  Decides which lesson charges count as PAID. The answer is recomputed from
  scratch on every call: the student's total payments in a currency are
  walked across that currency's non-FREE charges, oldest lesson first.

ALGORITHM (per currency, independently):
  credit  := sum(payments)
  charges := non-FREE charges sorted by (LessonDate, Seq)
  for each charge:
      if credit >= price { PAID;  credit -= price }
      else               { UNPAID }

  The walk never stops early. A cheaper later charge may still be PAID
  after an earlier, more expensive one was left UNPAID.

EXAMPLE:
  charges [60, 60, 60], payments 130
    60 <= 130 -> PAID   (70 left)
    60 <= 70  -> PAID   (10 left)
    60 >  10  -> UNPAID

PROPERTIES:
  - Idempotent: running twice with no fact change writes nothing
  - Never reads the balance amount, only raw payment and charge facts
  - Write-on-change: only statuses that differ are persisted
  - Statuses are not sticky: deleting an early payment can flip an old
    PAID charge back to UNPAID

SEE ALSO:
  - ledger.go: The running balance, derived from the same facts
  - status.go: Lesson-level aggregation of the resulting statuses
*/
package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/logging"
)

// =============================================================================
// PURE ALLOCATION
// =============================================================================

// Allocation is the derived status of one charge after a walk.
type Allocation struct {
	Charge  LessonCharge
	Status  PaymentStatus
	Changed bool // Status differs from Charge.Status
}

type AllocationResult struct {
	Allocations []Allocation
	Remaining   decimal.Decimal
}

// Changes returns only the allocations whose status must be persisted.
func (r AllocationResult) Changes() []Allocation {
	var out []Allocation
	for _, a := range r.Allocations {
		if a.Changed {
			out = append(out, a)
		}
	}
	return out
}

// SortCharges orders charges by LessonDate, then Seq. Stable.
func SortCharges(charges []LessonCharge) {
	sort.SliceStable(charges, func(i, j int) bool {
		a, b := charges[i], charges[j]
		if !a.LessonDate.Equal(b.LessonDate) {
			return a.LessonDate.Before(b.LessonDate)
		}
		return a.Seq < b.Seq
	})
}

// Allocate walks credit across charges in chronological order.
// FREE charges in the input are ignored. The input slice is not modified.
func Allocate(credit decimal.Decimal, charges []LessonCharge) AllocationResult {
	billable := make([]LessonCharge, 0, len(charges))
	for _, c := range charges {
		if !c.IsFree() {
			billable = append(billable, c)
		}
	}
	SortCharges(billable)

	result := AllocationResult{Allocations: make([]Allocation, 0, len(billable))}
	for _, c := range billable {
		status := StatusUnpaid
		if credit.GreaterThanOrEqual(c.Price) {
			status = StatusPaid
			credit = credit.Sub(c.Price)
		}
		result.Allocations = append(result.Allocations, Allocation{
			Charge:  c,
			Status:  status,
			Changed: c.Status != status,
		})
	}
	result.Remaining = credit
	return result
}

// =============================================================================
// RECONCILER - Store-backed resync
// =============================================================================

// ResyncReport summarizes one currency of a resync.
type ResyncReport struct {
	StudentID StudentID
	Currency  Currency
	Credit    decimal.Decimal
	Examined  int
	Changed   int
	Paid      int
	Remaining decimal.Decimal
}

type Reconciler struct {
	store Store
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// ResyncPaymentStatus recomputes every non-FREE charge status of the student,
// one report per currency in currency order.
func (r *Reconciler) ResyncPaymentStatus(ctx context.Context, studentID StudentID) ([]ResyncReport, error) {
	student, err := r.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("ResyncPaymentStatus: %w", err)
	}
	if student == nil {
		return nil, fmt.Errorf("ResyncPaymentStatus: %w", studentNotFound(studentID))
	}

	currencies, err := r.currencies(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("ResyncPaymentStatus: %w", err)
	}

	reports := make([]ResyncReport, 0, len(currencies))
	for _, currency := range currencies {
		report, err := r.resyncCurrency(ctx, studentID, currency)
		if err != nil {
			return nil, fmt.Errorf("ResyncPaymentStatus: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Reconciler) resyncCurrency(ctx context.Context, studentID StudentID, currency Currency) (ResyncReport, error) {
	credit, err := r.store.SumPayments(ctx, studentID, currency)
	if err != nil {
		return ResyncReport{}, err
	}
	charges, err := r.store.ListBillableCharges(ctx, studentID, currency)
	if err != nil {
		return ResyncReport{}, err
	}

	result := Allocate(credit, charges)
	log := logging.FromContext(ctx)

	report := ResyncReport{
		StudentID: studentID,
		Currency:  currency,
		Credit:    credit,
		Examined:  len(result.Allocations),
		Remaining: result.Remaining,
	}
	for _, a := range result.Allocations {
		if a.Status == StatusPaid {
			report.Paid++
		}
		if !a.Changed {
			continue
		}
		if err := r.store.UpdateChargeStatus(ctx, a.Charge.ID, a.Status); err != nil {
			return ResyncReport{}, err
		}
		report.Changed++
		log.Info("charge status changed",
			"student_id", studentID,
			"charge_id", a.Charge.ID,
			"lesson_id", a.Charge.LessonID,
			"currency", currency,
			"from", a.Charge.Status,
			"to", a.Status,
		)
	}

	log.Debug("payment status resynced",
		"student_id", studentID,
		"currency", currency,
		"credit", credit.String(),
		"examined", report.Examined,
		"changed", report.Changed,
		"remaining", report.Remaining.String(),
	)
	return report, nil
}

// currencies is the sorted union of charge and balance currencies.
func (r *Reconciler) currencies(ctx context.Context, studentID StudentID) ([]Currency, error) {
	seen := make(map[Currency]bool)

	chargeCurrencies, err := r.store.ChargeCurrencies(ctx, studentID)
	if err != nil {
		return nil, err
	}
	for _, c := range chargeCurrencies {
		seen[c] = true
	}

	balances, err := r.store.ListBalances(ctx, studentID)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		seen[b.Currency] = true
	}

	out := make([]Currency, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
