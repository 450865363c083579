/*
Package sqlite provides a SQLite-backed billing.TxStore.

PURPOSE:
  Persists students, balances, lessons, lesson charges and payments in a
  single SQLite file. The same schema runs on PostgreSQL (see
  store/postgres) with dialect changes only.

KEY TABLES:
  students:       Pricing and currency source for new charges
  balances:       One row per (student_id, currency), the running ledger
  lessons:        Lesson header (start time, topic)
  lesson_charges: One row per enrolled student, seq is the creation order
  payments:       Money received per (student, currency)

MONEY:
  Amounts are stored as TEXT decimal strings and summed in Go with
  shopspring/decimal. SQLite has no exact numeric type, REAL would lose
  cents.

TIME:
  Timestamps are UTC TEXT in a fixed-width layout so that ORDER BY on the
  column is chronological. Payment dates are YYYY-MM-DD.

INDEXES:
  - idx_charges_student_currency: Reconciliation walk (hot path)
  - idx_charges_lesson: Lesson views
  - idx_payments_student_currency: Payment sums

CONCURRENCY:
  The pool is limited to one connection. Every transaction is serialized
  by SQLite itself, a second writer waits for the first to commit.

USAGE:
  store, err := sqlite.New("./data/tutor.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := billing.NewService(store)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/billing"
)

// timeLayout is fixed width so TEXT comparison is chronological.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

// conn runs every query against q, the database or an open transaction.
type conn struct {
	q querier
}

var _ billing.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{conn: &conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		price_individual TEXT NOT NULL,
		price_group TEXT NOT NULL,
		currency TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger: one row per (student, currency), created lazily
	CREATE TABLE IF NOT EXISTS balances (
		student_id TEXT NOT NULL REFERENCES students(id),
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		last_updated_at TEXT NOT NULL,
		PRIMARY KEY (student_id, currency)
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		starts_at TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_lessons_starts_at ON lessons(starts_at);

	-- seq is the creation order, the reconciliation tie-break
	CREATE TABLE IF NOT EXISTS lesson_charges (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		lesson_id TEXT NOT NULL REFERENCES lessons(id),
		student_id TEXT NOT NULL REFERENCES students(id),
		lesson_date TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PAID', 'UNPAID', 'FREE'))
	);

	CREATE INDEX IF NOT EXISTS idx_charges_student_currency
		ON lesson_charges(student_id, currency, lesson_date, seq);
	CREATE INDEX IF NOT EXISTS idx_charges_lesson
		ON lesson_charges(lesson_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		method TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student_currency
		ON payments(student_id, currency);
	CREATE INDEX IF NOT EXISTS idx_payments_date
		ON payments(payment_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// STUDENT STORE
// =============================================================================

func (c *conn) SaveStudent(ctx context.Context, st billing.Student) error {
	query := `
		INSERT INTO students (id, first_name, last_name, price_individual, price_group,
			currency, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			price_individual = excluded.price_individual,
			price_group = excluded.price_group,
			currency = excluded.currency,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		string(st.ID), st.FirstName, st.LastName,
		st.PriceIndividual.String(), st.PriceGroup.String(),
		string(st.Currency), st.Active,
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("SaveStudent: %w", err)
	}
	return nil
}

const studentColumns = `id, first_name, last_name, price_individual, price_group,
	currency, active, created_at, updated_at`

func (c *conn) GetStudent(ctx context.Context, id billing.StudentID) (*billing.Student, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+studentColumns+" FROM students WHERE id = ?", string(id))
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetStudent: %w", err)
	}
	return &st, nil
}

func (c *conn) ListStudents(ctx context.Context) ([]billing.Student, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+studentColumns+" FROM students ORDER BY last_name, first_name, id")
	if err != nil {
		return nil, fmt.Errorf("ListStudents: %w", err)
	}
	defer rows.Close()

	var students []billing.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListStudents: %w", err)
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

func (c *conn) DeleteStudent(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM students WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("DeleteStudent: %w", err)
	}
	return nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (c *conn) GetBalance(ctx context.Context, id billing.StudentID, cur billing.Currency) (*billing.Balance, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT student_id, currency, amount, last_updated_at FROM balances WHERE student_id = ? AND currency = ?",
		string(id), string(cur))
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetBalance: %w", err)
	}
	return &b, nil
}

func (c *conn) SaveBalance(ctx context.Context, b billing.Balance) error {
	query := `
		INSERT INTO balances (student_id, currency, amount, last_updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(student_id, currency) DO UPDATE SET
			amount = excluded.amount,
			last_updated_at = excluded.last_updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		string(b.StudentID), string(b.Currency), b.Amount.String(), formatTime(b.LastUpdatedAt))
	if err != nil {
		return fmt.Errorf("SaveBalance: %w", err)
	}
	return nil
}

func (c *conn) ListBalances(ctx context.Context, id billing.StudentID) ([]billing.Balance, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT student_id, currency, amount, last_updated_at FROM balances WHERE student_id = ? ORDER BY currency",
		string(id))
	if err != nil {
		return nil, fmt.Errorf("ListBalances: %w", err)
	}
	defer rows.Close()

	var balances []billing.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("ListBalances: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (c *conn) DeleteBalances(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM balances WHERE student_id = ?", string(id)); err != nil {
		return fmt.Errorf("DeleteBalances: %w", err)
	}
	return nil
}

// =============================================================================
// CHARGE STORE
// =============================================================================

const chargeColumns = "id, lesson_id, student_id, lesson_date, seq, price, currency, status"

func (c *conn) CreateCharge(ctx context.Context, ch *billing.LessonCharge) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO lesson_charges (id, lesson_id, student_id, lesson_date, price, currency, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ch.ID), string(ch.LessonID), string(ch.StudentID),
		formatTime(ch.LessonDate), ch.Price.String(), string(ch.Currency), string(ch.Status),
	)
	if err != nil {
		return fmt.Errorf("CreateCharge: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("CreateCharge: %w", err)
	}
	ch.Seq = seq
	return nil
}

func (c *conn) UpdateCharge(ctx context.Context, ch billing.LessonCharge) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE lesson_charges SET price = ?, lesson_date = ?, status = ? WHERE id = ?",
		ch.Price.String(), formatTime(ch.LessonDate), string(ch.Status), string(ch.ID))
	if err != nil {
		return fmt.Errorf("UpdateCharge: %w", err)
	}
	return requireRow(res, "UpdateCharge", billing.ErrChargeNotFound)
}

func (c *conn) UpdateChargeStatus(ctx context.Context, id billing.ChargeID, status billing.PaymentStatus) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE lesson_charges SET status = ? WHERE id = ?", string(status), string(id))
	if err != nil {
		return fmt.Errorf("UpdateChargeStatus: %w", err)
	}
	return requireRow(res, "UpdateChargeStatus", billing.ErrChargeNotFound)
}

func (c *conn) GetCharge(ctx context.Context, id billing.ChargeID) (*billing.LessonCharge, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+chargeColumns+" FROM lesson_charges WHERE id = ?", string(id))
	ch, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetCharge: %w", err)
	}
	return &ch, nil
}

func (c *conn) ListChargesByLesson(ctx context.Context, id billing.LessonID) ([]billing.LessonCharge, error) {
	return c.queryCharges(ctx, "ListChargesByLesson",
		"SELECT "+chargeColumns+" FROM lesson_charges WHERE lesson_id = ? ORDER BY seq",
		string(id))
}

func (c *conn) ListBillableCharges(ctx context.Context, id billing.StudentID, cur billing.Currency) ([]billing.LessonCharge, error) {
	return c.queryCharges(ctx, "ListBillableCharges", `
		SELECT `+chargeColumns+` FROM lesson_charges
		WHERE student_id = ? AND currency = ? AND status <> 'FREE'
		ORDER BY lesson_date, seq`,
		string(id), string(cur))
}

func (c *conn) queryCharges(ctx context.Context, op, query string, args ...any) ([]billing.LessonCharge, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var charges []billing.LessonCharge
	for rows.Next() {
		ch, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		charges = append(charges, ch)
	}
	return charges, rows.Err()
}

func (c *conn) ChargeCurrencies(ctx context.Context, id billing.StudentID) ([]billing.Currency, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT DISTINCT currency FROM lesson_charges WHERE student_id = ? ORDER BY currency",
		string(id))
	if err != nil {
		return nil, fmt.Errorf("ChargeCurrencies: %w", err)
	}
	defer rows.Close()

	var out []billing.Currency
	for rows.Next() {
		var cur string
		if err := rows.Scan(&cur); err != nil {
			return nil, fmt.Errorf("ChargeCurrencies: %w", err)
		}
		out = append(out, billing.Currency(cur))
	}
	return out, rows.Err()
}

func (c *conn) DeleteCharge(ctx context.Context, id billing.ChargeID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM lesson_charges WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("DeleteCharge: %w", err)
	}
	return nil
}

func (c *conn) DeleteChargesByStudent(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM lesson_charges WHERE student_id = ?", string(id)); err != nil {
		return fmt.Errorf("DeleteChargesByStudent: %w", err)
	}
	return nil
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

const paymentColumns = "id, student_id, currency, amount, payment_date, method, created_at, updated_at"

func (c *conn) SavePayment(ctx context.Context, p billing.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			currency = excluded.currency,
			amount = excluded.amount,
			payment_date = excluded.payment_date,
			method = excluded.method,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		string(p.ID), string(p.StudentID), string(p.Currency), p.Amount.String(),
		p.Date.UTC().Format(billing.DateLayout), string(p.Method),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("SavePayment: %w", err)
	}
	return nil
}

func (c *conn) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = ?", string(id))
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPayment: %w", err)
	}
	return &p, nil
}

func (c *conn) ListPayments(ctx context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	var where []string
	var args []any
	if !f.From.IsZero() {
		where = append(where, "payment_date >= ?")
		args = append(args, f.From.UTC().Format(billing.DateLayout))
	}
	if !f.To.IsZero() {
		where = append(where, "payment_date <= ?")
		args = append(args, f.To.UTC().Format(billing.DateLayout))
	}
	if len(f.StudentIDs) > 0 {
		marks := make([]string, len(f.StudentIDs))
		for i, id := range f.StudentIDs {
			marks[i] = "?"
			args = append(args, string(id))
		}
		where = append(where, "student_id IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT " + paymentColumns + " FROM payments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY payment_date, created_at, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListPayments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPayments: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// SumPayments adds the TEXT amounts in Go, SQL SUM() would go through REAL.
func (c *conn) SumPayments(ctx context.Context, id billing.StudentID, cur billing.Currency) (decimal.Decimal, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT amount FROM payments WHERE student_id = ? AND currency = ?",
		string(id), string(cur))
	if err != nil {
		return decimal.Zero, fmt.Errorf("SumPayments: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("SumPayments: %w", err)
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

func (c *conn) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM payments WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("DeletePayment: %w", err)
	}
	return nil
}

func (c *conn) DeletePaymentsByStudent(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM payments WHERE student_id = ?", string(id)); err != nil {
		return fmt.Errorf("DeletePaymentsByStudent: %w", err)
	}
	return nil
}

// =============================================================================
// LESSON STORE
// =============================================================================

func (c *conn) SaveLesson(ctx context.Context, l billing.Lesson) error {
	query := `
		INSERT INTO lessons (id, starts_at, topic)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			starts_at = excluded.starts_at,
			topic = excluded.topic
	`
	if _, err := c.q.ExecContext(ctx, query, string(l.ID), formatTime(l.StartsAt), l.Topic); err != nil {
		return fmt.Errorf("SaveLesson: %w", err)
	}
	return nil
}

func (c *conn) GetLesson(ctx context.Context, id billing.LessonID) (*billing.Lesson, error) {
	var l billing.Lesson
	var startsAt string
	err := c.q.QueryRowContext(ctx,
		"SELECT id, starts_at, topic FROM lessons WHERE id = ?", string(id),
	).Scan(&l.ID, &startsAt, &l.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetLesson: %w", err)
	}
	l.StartsAt = parseTime(startsAt)
	return &l, nil
}

func (c *conn) ListLessons(ctx context.Context, from, to time.Time) ([]billing.Lesson, error) {
	var where []string
	var args []any
	if !from.IsZero() {
		where = append(where, "starts_at >= ?")
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where = append(where, "starts_at <= ?")
		args = append(args, formatTime(to))
	}
	query := "SELECT id, starts_at, topic FROM lessons"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starts_at, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListLessons: %w", err)
	}
	defer rows.Close()

	var lessons []billing.Lesson
	for rows.Next() {
		var l billing.Lesson
		var startsAt string
		if err := rows.Scan(&l.ID, &startsAt, &l.Topic); err != nil {
			return nil, fmt.Errorf("ListLessons: %w", err)
		}
		l.StartsAt = parseTime(startsAt)
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

func (c *conn) DeleteLesson(ctx context.Context, id billing.LessonID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM lessons WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("DeleteLesson: %w", err)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(s scanner) (billing.Student, error) {
	var st billing.Student
	var createdAt, updatedAt string
	err := s.Scan(&st.ID, &st.FirstName, &st.LastName,
		&st.PriceIndividual, &st.PriceGroup,
		&st.Currency, &st.Active, &createdAt, &updatedAt)
	if err != nil {
		return billing.Student{}, err
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

func scanBalance(s scanner) (billing.Balance, error) {
	var b billing.Balance
	var updated string
	if err := s.Scan(&b.StudentID, &b.Currency, &b.Amount, &updated); err != nil {
		return billing.Balance{}, err
	}
	b.LastUpdatedAt = parseTime(updated)
	return b, nil
}

func scanCharge(s scanner) (billing.LessonCharge, error) {
	var ch billing.LessonCharge
	var lessonDate string
	err := s.Scan(&ch.ID, &ch.LessonID, &ch.StudentID, &lessonDate,
		&ch.Seq, &ch.Price, &ch.Currency, &ch.Status)
	if err != nil {
		return billing.LessonCharge{}, err
	}
	ch.LessonDate = parseTime(lessonDate)
	return ch, nil
}

func scanPayment(s scanner) (billing.Payment, error) {
	var p billing.Payment
	var date, createdAt, updatedAt string
	err := s.Scan(&p.ID, &p.StudentID, &p.Currency, &p.Amount,
		&date, &p.Method, &createdAt, &updatedAt)
	if err != nil {
		return billing.Payment{}, err
	}
	p.Date, _ = time.Parse(billing.DateLayout, date)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func requireRow(res sql.Result, op string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, notFound)
	}
	return nil
}
