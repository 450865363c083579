package billing

import (
	"context"
	"fmt"

	"github.com/warp/tutor-ledger/logging"
)

// =============================================================================
// PAYMENT FLOWS
// =============================================================================

func validatePayment(p Payment) error {
	if !p.Amount.IsPositive() || !WholeCents(p.Amount) {
		return ErrInvalidAmount
	}
	if !p.Currency.IsValid() {
		return ErrInvalidCurrency
	}
	return nil
}

func normalizeMethod(m PaymentMethod) PaymentMethod {
	switch m {
	case MethodCash, MethodCard, MethodBankTransfer, MethodOther:
		return m
	}
	return MethodOther
}

// CreatePayment records a payment, credits the ledger and resyncs.
func (s *Service) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	if err := validatePayment(p); err != nil {
		return nil, fmt.Errorf("CreatePayment: %w", err)
	}
	if p.ID == "" {
		p.ID = PaymentID(s.newID())
	}
	now := s.now()
	p.Method = normalizeMethod(p.Method)
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Date.IsZero() {
		p.Date = DateOnly(now)
	}

	err := s.run(ctx, "CreatePayment", []StudentID{p.StudentID}, func(u *unit) error {
		if _, err := u.requireStudent(ctx, p.StudentID); err != nil {
			return err
		}
		if err := u.ledger.ChangeBalance(ctx, p.StudentID, p.Currency, p.Amount); err != nil {
			return err
		}
		if err := u.tx.SavePayment(ctx, p); err != nil {
			return err
		}
		u.touch(p.StudentID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("payment created",
		"payment_id", p.ID,
		"student_id", p.StudentID,
		"currency", p.Currency,
		"amount", p.Amount.String(),
	)
	return &p, nil
}

// UpdatePayment edits a payment. Same (student, currency): one delta
// new - old. Either changed: full reversal on the old pair, full
// application on the new pair, both students resynced.
func (s *Service) UpdatePayment(ctx context.Context, p Payment) (*Payment, error) {
	if err := validatePayment(p); err != nil {
		return nil, fmt.Errorf("UpdatePayment: %w", err)
	}
	pre, err := s.store.GetPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("UpdatePayment: %w", err)
	}
	if pre == nil {
		return nil, fmt.Errorf("UpdatePayment: %w", paymentNotFound(p.ID))
	}

	p.Method = normalizeMethod(p.Method)

	err = s.run(ctx, "UpdatePayment", []StudentID{pre.StudentID, p.StudentID}, func(u *unit) error {
		old, err := u.tx.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return paymentNotFound(p.ID)
		}
		if err := u.mustBeLocked(old.StudentID); err != nil {
			return err
		}
		if _, err := u.requireStudent(ctx, p.StudentID); err != nil {
			return err
		}

		if old.StudentID == p.StudentID && old.Currency == p.Currency {
			delta := p.Amount.Sub(old.Amount)
			if err := u.ledger.ChangeBalance(ctx, p.StudentID, p.Currency, delta); err != nil {
				return err
			}
		} else {
			if err := u.ledger.ChangeBalance(ctx, old.StudentID, old.Currency, old.Amount.Neg()); err != nil {
				return err
			}
			if err := u.ledger.ChangeBalance(ctx, p.StudentID, p.Currency, p.Amount); err != nil {
				return err
			}
		}

		p.CreatedAt = old.CreatedAt
		p.UpdatedAt = u.svc.now()
		if p.Date.IsZero() {
			p.Date = old.Date
		}
		if err := u.tx.SavePayment(ctx, p); err != nil {
			return err
		}
		u.touch(old.StudentID)
		u.touch(p.StudentID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePayment removes a payment and debits its amount back.
func (s *Service) DeletePayment(ctx context.Context, id PaymentID) error {
	pre, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return fmt.Errorf("DeletePayment: %w", err)
	}
	if pre == nil {
		return fmt.Errorf("DeletePayment: %w", paymentNotFound(id))
	}

	err = s.run(ctx, "DeletePayment", []StudentID{pre.StudentID}, func(u *unit) error {
		p, err := u.tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return paymentNotFound(id)
		}
		if err := u.mustBeLocked(p.StudentID); err != nil {
			return err
		}
		if err := u.ledger.ChangeBalance(ctx, p.StudentID, p.Currency, p.Amount.Neg()); err != nil {
			return err
		}
		if err := u.tx.DeletePayment(ctx, id); err != nil {
			return err
		}
		u.touch(p.StudentID)
		return nil
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Info("payment deleted", "payment_id", id, "student_id", pre.StudentID)
	return nil
}

// =============================================================================
// PAYMENT READS
// =============================================================================

func (s *Service) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetPayment: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("GetPayment: %w", paymentNotFound(id))
	}
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	payments, err := s.store.ListPayments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ListPayments: %w", err)
	}
	return payments, nil
}
