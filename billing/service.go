/*
service.go - Orchestration of lesson, payment and student lifecycle events

PURPOSE:
  The Service is the only entry point that mutates billing state. Each
  public call is one unit of work:

    lock affected students (sorted)
      -> TxStore.WithTx
           -> ledger delta(s)
           -> fact write (charge / payment row)
           -> resync of every affected student
      -> commit

  Any error aborts the unit and rolls back every write inside it. A ledger
  delta is never visible without the reconciliation that follows it.

CHARGE EVENTS (the contract every lesson flow is built from):
  ChargeCreated:  persist charge, changeBalance(-price), resync
  ChargeRemoved:  delete charge,  changeBalance(+price), resync
  ChargeRepriced: changeBalance(old - new), update price, resync

  Within one unit the resync of a student runs once, after every fact of
  that unit is written. Resync is a full replay, so the result is the same
  as resyncing after each event.

LOCK-THEN-VERIFY:
  Some events only learn which students they touch by reading (deleting a
  payment, editing a lesson). The students are read first, locked, then
  re-read inside the transaction. If a student appears that was not
  locked, the unit fails with ErrConcurrentModification and the caller may
  retry.

SEE ALSO:
  - ledger.go: changeBalance
  - reconcile.go: resyncPaymentStatus
  - lessons.go, payments.go, students.go: The flows
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/logging"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  TxStore
	locker Locker
	newID  func() string
	now    func() time.Time
}

type Option func(*Service)

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: NewLocalLocker(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// unit is the transaction-bound view of one event.
type unit struct {
	svc     *Service
	tx      Store
	ledger  *BalanceLedger
	locked  map[StudentID]bool
	touched map[StudentID]bool
}

// run locks students, opens a transaction and resyncs every touched
// student before committing.
func (s *Service) run(ctx context.Context, op string, students []StudentID, fn func(u *unit) error) error {
	release, err := LockStudents(ctx, s.locker, students)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	locked := make(map[StudentID]bool, len(students))
	for _, id := range students {
		locked[id] = true
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		ledger := NewBalanceLedger(tx, tx)
		ledger.now = s.now
		u := &unit{
			svc:     s,
			tx:      tx,
			ledger:  ledger,
			locked:  locked,
			touched: make(map[StudentID]bool),
		}
		if err := fn(u); err != nil {
			return err
		}
		return u.resyncTouched(ctx)
	})
	if err != nil {
		logging.FromContext(ctx).Warn("unit of work rolled back", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (u *unit) touch(id StudentID) {
	u.touched[id] = true
}

// mustBeLocked guards reads that discovered a student after locking.
func (u *unit) mustBeLocked(id StudentID) error {
	if !u.locked[id] {
		return fmt.Errorf("student %s changed during event: %w", id, ErrConcurrentModification)
	}
	return nil
}

func (u *unit) resyncTouched(ctx context.Context) error {
	ids := make([]StudentID, 0, len(u.touched))
	for id := range u.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rec := NewReconciler(u.tx)
	for _, id := range ids {
		if _, err := rec.ResyncPaymentStatus(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (u *unit) requireStudent(ctx context.Context, id StudentID) (*Student, error) {
	st, err := u.tx.GetStudent(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, studentNotFound(id)
	}
	return st, nil
}

// =============================================================================
// CHARGE EVENTS
// =============================================================================

// chargeCreated persists c and debits its price.
func (u *unit) chargeCreated(ctx context.Context, c *LessonCharge) error {
	if err := ValidatePrice(c.Price); err != nil {
		return err
	}
	if !c.Currency.IsValid() {
		return ErrInvalidCurrency
	}
	if c.ID == "" {
		c.ID = ChargeID(u.svc.newID())
	}
	c.Status = StatusUnpaid
	if c.Price.IsZero() {
		c.Status = StatusFree
	}

	if err := u.tx.CreateCharge(ctx, c); err != nil {
		return err
	}
	if err := u.ledger.ChangeBalance(ctx, c.StudentID, c.Currency, c.Price.Neg()); err != nil {
		return err
	}
	u.touch(c.StudentID)
	return nil
}

// chargeRemoved deletes c and credits its price back.
func (u *unit) chargeRemoved(ctx context.Context, c LessonCharge) error {
	if err := u.tx.DeleteCharge(ctx, c.ID); err != nil {
		return err
	}
	if err := u.ledger.ChangeBalance(ctx, c.StudentID, c.Currency, c.Price); err != nil {
		return err
	}
	u.touch(c.StudentID)
	return nil
}

// chargeRepriced applies one combined delta old - new.
func (u *unit) chargeRepriced(ctx context.Context, c LessonCharge, newPrice decimal.Decimal) error {
	if err := ValidatePrice(newPrice); err != nil {
		return err
	}

	delta := c.Price.Sub(newPrice)
	if err := u.ledger.ChangeBalance(ctx, c.StudentID, c.Currency, delta); err != nil {
		return err
	}

	c.Price = newPrice
	switch {
	case newPrice.IsZero():
		c.Status = StatusFree
	case c.Status == StatusFree:
		c.Status = StatusUnpaid
	}
	if err := u.tx.UpdateCharge(ctx, c); err != nil {
		return err
	}
	u.touch(c.StudentID)
	return nil
}

// =============================================================================
// CHARGE EVENTS - Public single-event entry points
// =============================================================================

// ChargeCreated records a standalone charge on an existing lesson.
func (s *Service) ChargeCreated(ctx context.Context, c LessonCharge) (*LessonCharge, error) {
	err := s.run(ctx, "ChargeCreated", []StudentID{c.StudentID}, func(u *unit) error {
		if _, err := u.requireStudent(ctx, c.StudentID); err != nil {
			return err
		}
		lesson, err := u.tx.GetLesson(ctx, c.LessonID)
		if err != nil {
			return err
		}
		if lesson == nil {
			return lessonNotFound(c.LessonID)
		}
		c.LessonDate = lesson.StartsAt
		return u.chargeCreated(ctx, &c)
	})
	if err != nil {
		return nil, err
	}
	return s.GetCharge(ctx, c.ID)
}

// ChargeRemoved deletes a charge and credits its price back.
func (s *Service) ChargeRemoved(ctx context.Context, id ChargeID) error {
	pre, err := s.store.GetCharge(ctx, id)
	if err != nil {
		return fmt.Errorf("ChargeRemoved: %w", err)
	}
	if pre == nil {
		return fmt.Errorf("ChargeRemoved: %w", chargeNotFound(id))
	}

	return s.run(ctx, "ChargeRemoved", []StudentID{pre.StudentID}, func(u *unit) error {
		c, err := u.tx.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return chargeNotFound(id)
		}
		return u.chargeRemoved(ctx, *c)
	})
}

// ChargeRepriced changes the price of one charge.
func (s *Service) ChargeRepriced(ctx context.Context, id ChargeID, newPrice decimal.Decimal) (*LessonCharge, error) {
	if err := ValidatePrice(newPrice); err != nil {
		return nil, fmt.Errorf("ChargeRepriced: %w", err)
	}
	pre, err := s.store.GetCharge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ChargeRepriced: %w", err)
	}
	if pre == nil {
		return nil, fmt.Errorf("ChargeRepriced: %w", chargeNotFound(id))
	}

	err = s.run(ctx, "ChargeRepriced", []StudentID{pre.StudentID}, func(u *unit) error {
		c, err := u.tx.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return chargeNotFound(id)
		}
		return u.chargeRepriced(ctx, *c, newPrice)
	})
	if err != nil {
		return nil, err
	}
	return s.GetCharge(ctx, id)
}

func (s *Service) GetCharge(ctx context.Context, id ChargeID) (*LessonCharge, error) {
	c, err := s.store.GetCharge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetCharge: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("GetCharge: %w", chargeNotFound(id))
	}
	return c, nil
}
