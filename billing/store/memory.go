// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by a single mutex.
// WithTx holds the mutex for the whole unit and restores a snapshot on error.
type Memory struct {
	mu sync.RWMutex
	db *tables
}

type balanceKey struct {
	StudentID billing.StudentID
	Currency  billing.Currency
}

// tables is the unlocked state. It implements billing.Store and is the
// view handed to WithTx callbacks.
type tables struct {
	students map[billing.StudentID]billing.Student
	balances map[balanceKey]billing.Balance
	lessons  map[billing.LessonID]billing.Lesson
	charges  map[billing.ChargeID]billing.LessonCharge
	payments map[billing.PaymentID]billing.Payment
	seq      int64
}

func newTables() *tables {
	return &tables{
		students: make(map[billing.StudentID]billing.Student),
		balances: make(map[balanceKey]billing.Balance),
		lessons:  make(map[billing.LessonID]billing.Lesson),
		charges:  make(map[billing.ChargeID]billing.LessonCharge),
		payments: make(map[billing.PaymentID]billing.Payment),
	}
}

func NewMemory() *Memory {
	return &Memory{db: newTables()}
}

var _ billing.TxStore = (*Memory)(nil)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.db.clone()
	if err := fn(m.db); err != nil {
		m.db = snapshot
		return err
	}
	return nil
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.students {
		c.students[k] = v
	}
	for k, v := range t.balances {
		c.balances[k] = v
	}
	for k, v := range t.lessons {
		c.lessons[k] = v
	}
	for k, v := range t.charges {
		c.charges[k] = v
	}
	for k, v := range t.payments {
		c.payments[k] = v
	}
	c.seq = t.seq
	return c
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) read(fn func(t *tables)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.db)
}

func (m *Memory) write(fn func(t *tables) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.db)
}

func (m *Memory) SaveStudent(ctx context.Context, s billing.Student) error {
	return m.write(func(t *tables) error { return t.SaveStudent(ctx, s) })
}

func (m *Memory) GetStudent(ctx context.Context, id billing.StudentID) (st *billing.Student, err error) {
	m.read(func(t *tables) { st, err = t.GetStudent(ctx, id) })
	return
}

func (m *Memory) ListStudents(ctx context.Context) (out []billing.Student, err error) {
	m.read(func(t *tables) { out, err = t.ListStudents(ctx) })
	return
}

func (m *Memory) DeleteStudent(ctx context.Context, id billing.StudentID) error {
	return m.write(func(t *tables) error { return t.DeleteStudent(ctx, id) })
}

func (m *Memory) GetBalance(ctx context.Context, id billing.StudentID, c billing.Currency) (b *billing.Balance, err error) {
	m.read(func(t *tables) { b, err = t.GetBalance(ctx, id, c) })
	return
}

func (m *Memory) SaveBalance(ctx context.Context, b billing.Balance) error {
	return m.write(func(t *tables) error { return t.SaveBalance(ctx, b) })
}

func (m *Memory) ListBalances(ctx context.Context, id billing.StudentID) (out []billing.Balance, err error) {
	m.read(func(t *tables) { out, err = t.ListBalances(ctx, id) })
	return
}

func (m *Memory) DeleteBalances(ctx context.Context, id billing.StudentID) error {
	return m.write(func(t *tables) error { return t.DeleteBalances(ctx, id) })
}

func (m *Memory) CreateCharge(ctx context.Context, c *billing.LessonCharge) error {
	return m.write(func(t *tables) error { return t.CreateCharge(ctx, c) })
}

func (m *Memory) UpdateCharge(ctx context.Context, c billing.LessonCharge) error {
	return m.write(func(t *tables) error { return t.UpdateCharge(ctx, c) })
}

func (m *Memory) UpdateChargeStatus(ctx context.Context, id billing.ChargeID, s billing.PaymentStatus) error {
	return m.write(func(t *tables) error { return t.UpdateChargeStatus(ctx, id, s) })
}

func (m *Memory) GetCharge(ctx context.Context, id billing.ChargeID) (c *billing.LessonCharge, err error) {
	m.read(func(t *tables) { c, err = t.GetCharge(ctx, id) })
	return
}

func (m *Memory) ListChargesByLesson(ctx context.Context, id billing.LessonID) (out []billing.LessonCharge, err error) {
	m.read(func(t *tables) { out, err = t.ListChargesByLesson(ctx, id) })
	return
}

func (m *Memory) ListBillableCharges(ctx context.Context, id billing.StudentID, c billing.Currency) (out []billing.LessonCharge, err error) {
	m.read(func(t *tables) { out, err = t.ListBillableCharges(ctx, id, c) })
	return
}

func (m *Memory) ChargeCurrencies(ctx context.Context, id billing.StudentID) (out []billing.Currency, err error) {
	m.read(func(t *tables) { out, err = t.ChargeCurrencies(ctx, id) })
	return
}

func (m *Memory) DeleteCharge(ctx context.Context, id billing.ChargeID) error {
	return m.write(func(t *tables) error { return t.DeleteCharge(ctx, id) })
}

func (m *Memory) DeleteChargesByStudent(ctx context.Context, id billing.StudentID) error {
	return m.write(func(t *tables) error { return t.DeleteChargesByStudent(ctx, id) })
}

func (m *Memory) SavePayment(ctx context.Context, p billing.Payment) error {
	return m.write(func(t *tables) error { return t.SavePayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, id billing.PaymentID) (p *billing.Payment, err error) {
	m.read(func(t *tables) { p, err = t.GetPayment(ctx, id) })
	return
}

func (m *Memory) ListPayments(ctx context.Context, f billing.PaymentFilter) (out []billing.Payment, err error) {
	m.read(func(t *tables) { out, err = t.ListPayments(ctx, f) })
	return
}

func (m *Memory) SumPayments(ctx context.Context, id billing.StudentID, c billing.Currency) (sum decimal.Decimal, err error) {
	m.read(func(t *tables) { sum, err = t.SumPayments(ctx, id, c) })
	return
}

func (m *Memory) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	return m.write(func(t *tables) error { return t.DeletePayment(ctx, id) })
}

func (m *Memory) DeletePaymentsByStudent(ctx context.Context, id billing.StudentID) error {
	return m.write(func(t *tables) error { return t.DeletePaymentsByStudent(ctx, id) })
}

func (m *Memory) SaveLesson(ctx context.Context, l billing.Lesson) error {
	return m.write(func(t *tables) error { return t.SaveLesson(ctx, l) })
}

func (m *Memory) GetLesson(ctx context.Context, id billing.LessonID) (l *billing.Lesson, err error) {
	m.read(func(t *tables) { l, err = t.GetLesson(ctx, id) })
	return
}

func (m *Memory) ListLessons(ctx context.Context, from, to time.Time) (out []billing.Lesson, err error) {
	m.read(func(t *tables) { out, err = t.ListLessons(ctx, from, to) })
	return
}

func (m *Memory) DeleteLesson(ctx context.Context, id billing.LessonID) error {
	return m.write(func(t *tables) error { return t.DeleteLesson(ctx, id) })
}

// =============================================================================
// TABLES - Unlocked implementation
// =============================================================================

func (t *tables) SaveStudent(_ context.Context, s billing.Student) error {
	t.students[s.ID] = s
	return nil
}

func (t *tables) GetStudent(_ context.Context, id billing.StudentID) (*billing.Student, error) {
	s, ok := t.students[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *tables) ListStudents(_ context.Context) ([]billing.Student, error) {
	out := make([]billing.Student, 0, len(t.students))
	for _, s := range t.students {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tables) DeleteStudent(_ context.Context, id billing.StudentID) error {
	delete(t.students, id)
	return nil
}

func (t *tables) GetBalance(_ context.Context, id billing.StudentID, c billing.Currency) (*billing.Balance, error) {
	b, ok := t.balances[balanceKey{id, c}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *tables) SaveBalance(_ context.Context, b billing.Balance) error {
	t.balances[balanceKey{b.StudentID, b.Currency}] = b
	return nil
}

func (t *tables) ListBalances(_ context.Context, id billing.StudentID) ([]billing.Balance, error) {
	var out []billing.Balance
	for k, b := range t.balances {
		if k.StudentID == id {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (t *tables) DeleteBalances(_ context.Context, id billing.StudentID) error {
	for k := range t.balances {
		if k.StudentID == id {
			delete(t.balances, k)
		}
	}
	return nil
}

func (t *tables) CreateCharge(_ context.Context, c *billing.LessonCharge) error {
	t.seq++
	c.Seq = t.seq
	t.charges[c.ID] = *c
	return nil
}

func (t *tables) UpdateCharge(_ context.Context, c billing.LessonCharge) error {
	existing, ok := t.charges[c.ID]
	if !ok {
		return billing.ErrChargeNotFound
	}
	existing.Price = c.Price
	existing.LessonDate = c.LessonDate
	existing.Status = c.Status
	t.charges[c.ID] = existing
	return nil
}

func (t *tables) UpdateChargeStatus(_ context.Context, id billing.ChargeID, s billing.PaymentStatus) error {
	c, ok := t.charges[id]
	if !ok {
		return billing.ErrChargeNotFound
	}
	c.Status = s
	t.charges[id] = c
	return nil
}

func (t *tables) GetCharge(_ context.Context, id billing.ChargeID) (*billing.LessonCharge, error) {
	c, ok := t.charges[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *tables) ListChargesByLesson(_ context.Context, id billing.LessonID) ([]billing.LessonCharge, error) {
	var out []billing.LessonCharge
	for _, c := range t.charges {
		if c.LessonID == id {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *tables) ListBillableCharges(_ context.Context, id billing.StudentID, cur billing.Currency) ([]billing.LessonCharge, error) {
	var out []billing.LessonCharge
	for _, c := range t.charges {
		if c.StudentID == id && c.Currency == cur && c.Status != billing.StatusFree {
			out = append(out, c)
		}
	}
	billing.SortCharges(out)
	return out, nil
}

func (t *tables) ChargeCurrencies(_ context.Context, id billing.StudentID) ([]billing.Currency, error) {
	seen := make(map[billing.Currency]bool)
	for _, c := range t.charges {
		if c.StudentID == id {
			seen[c.Currency] = true
		}
	}
	out := make([]billing.Currency, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *tables) DeleteCharge(_ context.Context, id billing.ChargeID) error {
	delete(t.charges, id)
	return nil
}

func (t *tables) DeleteChargesByStudent(_ context.Context, id billing.StudentID) error {
	for k, c := range t.charges {
		if c.StudentID == id {
			delete(t.charges, k)
		}
	}
	return nil
}

func (t *tables) SavePayment(_ context.Context, p billing.Payment) error {
	t.payments[p.ID] = p
	return nil
}

func (t *tables) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	p, ok := t.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *tables) ListPayments(_ context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range t.payments {
		if f.Matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tables) SumPayments(_ context.Context, id billing.StudentID, c billing.Currency) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.payments {
		if p.StudentID == id && p.Currency == c {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (t *tables) DeletePayment(_ context.Context, id billing.PaymentID) error {
	delete(t.payments, id)
	return nil
}

func (t *tables) DeletePaymentsByStudent(_ context.Context, id billing.StudentID) error {
	for k, p := range t.payments {
		if p.StudentID == id {
			delete(t.payments, k)
		}
	}
	return nil
}

func (t *tables) SaveLesson(_ context.Context, l billing.Lesson) error {
	t.lessons[l.ID] = l
	return nil
}

func (t *tables) GetLesson(_ context.Context, id billing.LessonID) (*billing.Lesson, error) {
	l, ok := t.lessons[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (t *tables) ListLessons(_ context.Context, from, to time.Time) ([]billing.Lesson, error) {
	var out []billing.Lesson
	for _, l := range t.lessons {
		if !from.IsZero() && l.StartsAt.Before(from) {
			continue
		}
		if !to.IsZero() && l.StartsAt.After(to) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tables) DeleteLesson(_ context.Context, id billing.LessonID) error {
	delete(t.lessons, id)
	return nil
}
