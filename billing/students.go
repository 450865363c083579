package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/logging"
)

// =============================================================================
// STUDENT FLOWS
// =============================================================================

func (s *Service) CreateStudent(ctx context.Context, st Student) (*Student, error) {
	if st.ID == "" {
		st.ID = StudentID(s.newID())
	}
	if err := ValidateStudentPricing(st); err != nil {
		return nil, fmt.Errorf("CreateStudent: %w", err)
	}
	now := s.now()
	st.CreatedAt = now
	st.UpdatedAt = now

	if err := s.store.SaveStudent(ctx, st); err != nil {
		return nil, fmt.Errorf("CreateStudent: %w", err)
	}
	logging.FromContext(ctx).Info("student created", "student_id", st.ID, "currency", st.Currency)
	return &st, nil
}

// UpdateStudent changes profile and pricing. New prices and currency apply
// to lessons created or re-priced afterwards, existing charges keep theirs.
func (s *Service) UpdateStudent(ctx context.Context, st Student) (*Student, error) {
	if err := ValidateStudentPricing(st); err != nil {
		return nil, fmt.Errorf("UpdateStudent: %w", err)
	}

	err := s.run(ctx, "UpdateStudent", []StudentID{st.ID}, func(u *unit) error {
		old, err := u.requireStudent(ctx, st.ID)
		if err != nil {
			return err
		}
		st.CreatedAt = old.CreatedAt
		st.UpdatedAt = u.svc.now()
		return u.tx.SaveStudent(ctx, st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) GetStudent(ctx context.Context, id StudentID) (*Student, error) {
	st, err := s.store.GetStudent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetStudent: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("GetStudent: %w", studentNotFound(id))
	}
	return st, nil
}

// ListStudents returns active students, or every student when
// includeInactive is set.
func (s *Service) ListStudents(ctx context.Context, includeInactive bool) ([]Student, error) {
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListStudents: %w", err)
	}
	if includeInactive {
		return students, nil
	}
	active := make([]Student, 0, len(students))
	for _, st := range students {
		if st.Active {
			active = append(active, st)
		}
	}
	return active, nil
}

// SetStudentActive deactivates or reactivates a student. Balances, charges
// and payments are untouched, and an inactive student can still be billed.
func (s *Service) SetStudentActive(ctx context.Context, id StudentID, active bool) (*Student, error) {
	var st *Student
	err := s.run(ctx, "SetStudentActive", []StudentID{id}, func(u *unit) error {
		var err error
		if st, err = u.requireStudent(ctx, id); err != nil {
			return err
		}
		if st.Active == active {
			return nil
		}
		st.Active = active
		st.UpdatedAt = u.svc.now()
		return u.tx.SaveStudent(ctx, *st)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("student activity changed", "student_id", id, "active", active)
	return st, nil
}

// HardDeleteStudent purges payments, charges and balances, then the
// student. No reconciliation runs: nothing of the student is left.
func (s *Service) HardDeleteStudent(ctx context.Context, id StudentID) error {
	err := s.run(ctx, "HardDeleteStudent", []StudentID{id}, func(u *unit) error {
		if _, err := u.requireStudent(ctx, id); err != nil {
			return err
		}
		if err := u.tx.DeletePaymentsByStudent(ctx, id); err != nil {
			return err
		}
		if err := u.tx.DeleteChargesByStudent(ctx, id); err != nil {
			return err
		}
		if err := u.tx.DeleteBalances(ctx, id); err != nil {
			return err
		}
		return u.tx.DeleteStudent(ctx, id)
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Info("student hard-deleted", "student_id", id)
	return nil
}

// =============================================================================
// BALANCES + VERIFICATION
// =============================================================================

func (s *Service) GetAllBalances(ctx context.Context, id StudentID) ([]Balance, error) {
	if _, err := s.GetStudent(ctx, id); err != nil {
		return nil, err
	}
	return NewBalanceLedger(s.store, s.store).GetAllBalances(ctx, id)
}

// ResyncPaymentStatus runs a standalone reconciliation for one student.
func (s *Service) ResyncPaymentStatus(ctx context.Context, id StudentID) ([]ResyncReport, error) {
	var reports []ResyncReport
	err := s.run(ctx, "ResyncPaymentStatus", []StudentID{id}, func(u *unit) error {
		r, err := NewReconciler(u.tx).ResyncPaymentStatus(ctx, id)
		reports = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// VerifyLedger recomputes sum(payments) - sum(non-free charges) for every
// currency of the student and compares it with the stored balance.
// Mismatches are joined *LedgerDriftError values. Nothing is repaired.
func (s *Service) VerifyLedger(ctx context.Context, id StudentID) error {
	if _, err := s.GetStudent(ctx, id); err != nil {
		return fmt.Errorf("VerifyLedger: %w", err)
	}

	stored := make(map[Currency]decimal.Decimal)
	balances, err := s.store.ListBalances(ctx, id)
	if err != nil {
		return fmt.Errorf("VerifyLedger: %w", err)
	}
	for _, b := range balances {
		stored[b.Currency] = b.Amount
	}

	currencies, err := s.factCurrencies(ctx, id)
	if err != nil {
		return fmt.Errorf("VerifyLedger: %w", err)
	}
	for c := range stored {
		currencies[c] = true
	}

	ordered := make([]Currency, 0, len(currencies))
	for c := range currencies {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var drift []error
	for _, c := range ordered {
		expected, err := s.expectedBalance(ctx, id, c)
		if err != nil {
			return fmt.Errorf("VerifyLedger: %w", err)
		}
		if got := stored[c]; !got.Equal(expected) {
			logging.FromContext(ctx).Error("ledger drift detected",
				"student_id", id,
				"currency", c,
				"stored", got.String(),
				"expected", expected.String(),
			)
			drift = append(drift, &LedgerDriftError{
				StudentID: id,
				Currency:  c,
				Stored:    got,
				Expected:  expected,
			})
		}
	}
	return errors.Join(drift...)
}

func (s *Service) expectedBalance(ctx context.Context, id StudentID, c Currency) (decimal.Decimal, error) {
	paid, err := s.store.SumPayments(ctx, id, c)
	if err != nil {
		return decimal.Zero, err
	}
	charges, err := s.store.ListBillableCharges(ctx, id, c)
	if err != nil {
		return decimal.Zero, err
	}
	owed := decimal.Zero
	for _, ch := range charges {
		owed = owed.Add(ch.Price)
	}
	return paid.Sub(owed), nil
}

func (s *Service) factCurrencies(ctx context.Context, id StudentID) (map[Currency]bool, error) {
	out := make(map[Currency]bool)
	chargeCurrencies, err := s.store.ChargeCurrencies(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range chargeCurrencies {
		out[c] = true
	}
	payments, err := s.store.ListPayments(ctx, PaymentFilter{StudentIDs: []StudentID{id}})
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		out[p.Currency] = true
	}
	return out, nil
}
