/*
Package postgres provides a PostgreSQL-backed billing.TxStore.

PURPOSE:
  Production storage for deployments where several server instances share
  one database. Schema and queries mirror store/sqlite, with exact NUMERIC
  money columns and row locking.

ROW LOCKING:
  Inside WithTx, GetBalance reads with SELECT ... FOR UPDATE. Two units of
  work for the same student therefore serialize on the balance row even
  if the application-level Locker is bypassed.

ERROR MAPPING:
  serialization_failure (40001) and deadlock_detected (40P01) are returned
  as billing.ErrConcurrentModification. The caller may retry the whole
  unit of work.

MIGRATIONS:
  migrations/*.up.sql are embedded and applied in name order by Migrate.
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/tutor-ledger/billing"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type PoolConfig struct {
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetimeS int
	ConnMaxIdleTimeS int
}

type Store struct {
	*conn
	db *sql.DB
}

type conn struct {
	q querier
	// inTx turns balance reads into SELECT ... FOR UPDATE.
	inTx bool
}

var _ billing.TxStore = (*Store)(nil)

// Open connects, applies the pool settings and pings.
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: open: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetimeS) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(pool.ConnMaxIdleTimeS) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres.Open: ping: %w", err)
	}
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{conn: &conn{q: db}, db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every embedded *.up.sql file in name order.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("Migrate: read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		content, err := migrationFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("Migrate: read %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("Migrate: execute %s: %w", f, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("WithTx: begin", err)
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("WithTx: commit", err)
	}
	return nil
}

// wrap maps retryable PostgreSQL errors onto ErrConcurrentModification.
func wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %s", op, billing.ErrConcurrentModification, pqErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// STUDENTS
// =============================================================================

const studentColumns = `id, first_name, last_name, price_individual, price_group,
	currency, active, created_at, updated_at`

func (c *conn) SaveStudent(ctx context.Context, st billing.Student) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			price_individual = EXCLUDED.price_individual,
			price_group = EXCLUDED.price_group,
			currency = EXCLUDED.currency,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		string(st.ID), st.FirstName, st.LastName,
		st.PriceIndividual.String(), st.PriceGroup.String(),
		string(st.Currency), st.Active, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return wrap("SaveStudent", err)
	}
	return nil
}

func (c *conn) GetStudent(ctx context.Context, id billing.StudentID) (*billing.Student, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = $1`, string(id))
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("GetStudent", err)
	}
	return &st, nil
}

func (c *conn) ListStudents(ctx context.Context) ([]billing.Student, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students ORDER BY last_name, first_name, id`)
	if err != nil {
		return nil, wrap("ListStudents", err)
	}
	defer rows.Close()

	var students []billing.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListStudents: scan: %w", err)
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListStudents: rows: %w", err)
	}
	return students, nil
}

func (c *conn) DeleteStudent(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, string(id)); err != nil {
		return wrap("DeleteStudent", err)
	}
	return nil
}

func scanStudent(s scanner) (billing.Student, error) {
	var st billing.Student
	err := s.Scan(&st.ID, &st.FirstName, &st.LastName,
		&st.PriceIndividual, &st.PriceGroup,
		&st.Currency, &st.Active, &st.CreatedAt, &st.UpdatedAt)
	return st, err
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `student_id, currency, amount, last_updated_at`

func (c *conn) GetBalance(ctx context.Context, id billing.StudentID, cur billing.Currency) (*billing.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE student_id = $1 AND currency = $2`
	if c.inTx {
		query += ` FOR UPDATE`
	}
	var b billing.Balance
	err := c.q.QueryRowContext(ctx, query, string(id), string(cur)).
		Scan(&b.StudentID, &b.Currency, &b.Amount, &b.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("GetBalance", err)
	}
	return &b, nil
}

func (c *conn) SaveBalance(ctx context.Context, b billing.Balance) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id, currency) DO UPDATE SET
			amount = EXCLUDED.amount,
			last_updated_at = EXCLUDED.last_updated_at`,
		string(b.StudentID), string(b.Currency), b.Amount.String(), b.LastUpdatedAt,
	)
	if err != nil {
		return wrap("SaveBalance", err)
	}
	return nil
}

func (c *conn) ListBalances(ctx context.Context, id billing.StudentID) ([]billing.Balance, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE student_id = $1 ORDER BY currency`, string(id))
	if err != nil {
		return nil, wrap("ListBalances", err)
	}
	defer rows.Close()

	var balances []billing.Balance
	for rows.Next() {
		var b billing.Balance
		if err := rows.Scan(&b.StudentID, &b.Currency, &b.Amount, &b.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("ListBalances: scan: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListBalances: rows: %w", err)
	}
	return balances, nil
}

func (c *conn) DeleteBalances(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM balances WHERE student_id = $1`, string(id)); err != nil {
		return wrap("DeleteBalances", err)
	}
	return nil
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, lesson_id, student_id, lesson_date, seq, price, currency, status`

func (c *conn) CreateCharge(ctx context.Context, ch *billing.LessonCharge) error {
	err := c.q.QueryRowContext(ctx, `
		INSERT INTO lesson_charges (id, lesson_id, student_id, lesson_date, price, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		string(ch.ID), string(ch.LessonID), string(ch.StudentID),
		ch.LessonDate, ch.Price.String(), string(ch.Currency), string(ch.Status),
	).Scan(&ch.Seq)
	if err != nil {
		return wrap("CreateCharge", err)
	}
	return nil
}

func (c *conn) UpdateCharge(ctx context.Context, ch billing.LessonCharge) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE lesson_charges SET price = $1, lesson_date = $2, status = $3 WHERE id = $4`,
		ch.Price.String(), ch.LessonDate, string(ch.Status), string(ch.ID))
	if err != nil {
		return wrap("UpdateCharge", err)
	}
	return requireRow(res, "UpdateCharge")
}

func (c *conn) UpdateChargeStatus(ctx context.Context, id billing.ChargeID, status billing.PaymentStatus) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE lesson_charges SET status = $1 WHERE id = $2`, string(status), string(id))
	if err != nil {
		return wrap("UpdateChargeStatus", err)
	}
	return requireRow(res, "UpdateChargeStatus")
}

func (c *conn) GetCharge(ctx context.Context, id billing.ChargeID) (*billing.LessonCharge, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM lesson_charges WHERE id = $1`, string(id))
	ch, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("GetCharge", err)
	}
	return &ch, nil
}

func (c *conn) ListChargesByLesson(ctx context.Context, id billing.LessonID) ([]billing.LessonCharge, error) {
	return c.queryCharges(ctx, "ListChargesByLesson",
		`SELECT `+chargeColumns+` FROM lesson_charges WHERE lesson_id = $1 ORDER BY seq`,
		string(id))
}

func (c *conn) ListBillableCharges(ctx context.Context, id billing.StudentID, cur billing.Currency) ([]billing.LessonCharge, error) {
	return c.queryCharges(ctx, "ListBillableCharges",
		`SELECT `+chargeColumns+` FROM lesson_charges
		WHERE student_id = $1 AND currency = $2 AND status <> 'FREE'
		ORDER BY lesson_date, seq`,
		string(id), string(cur))
}

func (c *conn) queryCharges(ctx context.Context, op, query string, args ...any) ([]billing.LessonCharge, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var charges []billing.LessonCharge
	for rows.Next() {
		ch, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		charges = append(charges, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return charges, nil
}

func (c *conn) ChargeCurrencies(ctx context.Context, id billing.StudentID) ([]billing.Currency, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT DISTINCT currency FROM lesson_charges WHERE student_id = $1 ORDER BY currency`, string(id))
	if err != nil {
		return nil, wrap("ChargeCurrencies", err)
	}
	defer rows.Close()

	var out []billing.Currency
	for rows.Next() {
		var cur billing.Currency
		if err := rows.Scan(&cur); err != nil {
			return nil, fmt.Errorf("ChargeCurrencies: scan: %w", err)
		}
		out = append(out, cur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ChargeCurrencies: rows: %w", err)
	}
	return out, nil
}

func (c *conn) DeleteCharge(ctx context.Context, id billing.ChargeID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM lesson_charges WHERE id = $1`, string(id)); err != nil {
		return wrap("DeleteCharge", err)
	}
	return nil
}

func (c *conn) DeleteChargesByStudent(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM lesson_charges WHERE student_id = $1`, string(id)); err != nil {
		return wrap("DeleteChargesByStudent", err)
	}
	return nil
}

func scanCharge(s scanner) (billing.LessonCharge, error) {
	var ch billing.LessonCharge
	err := s.Scan(&ch.ID, &ch.LessonID, &ch.StudentID, &ch.LessonDate,
		&ch.Seq, &ch.Price, &ch.Currency, &ch.Status)
	return ch, err
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, student_id, currency, amount, payment_date, method, created_at, updated_at`

func (c *conn) SavePayment(ctx context.Context, p billing.Payment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			student_id = EXCLUDED.student_id,
			currency = EXCLUDED.currency,
			amount = EXCLUDED.amount,
			payment_date = EXCLUDED.payment_date,
			method = EXCLUDED.method,
			updated_at = EXCLUDED.updated_at`,
		string(p.ID), string(p.StudentID), string(p.Currency), p.Amount.String(),
		p.Date.UTC().Format(billing.DateLayout), string(p.Method), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return wrap("SavePayment", err)
	}
	return nil
}

func (c *conn) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, string(id))
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("GetPayment", err)
	}
	return &p, nil
}

func (c *conn) ListPayments(ctx context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	var where []string
	var args []any
	if !f.From.IsZero() {
		args = append(args, f.From.UTC().Format(billing.DateLayout))
		where = append(where, fmt.Sprintf("payment_date >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC().Format(billing.DateLayout))
		where = append(where, fmt.Sprintf("payment_date <= $%d", len(args)))
	}
	if len(f.StudentIDs) > 0 {
		ids := make([]string, len(f.StudentIDs))
		for i, id := range f.StudentIDs {
			ids[i] = string(id)
		}
		args = append(args, pq.Array(ids))
		where = append(where, fmt.Sprintf("student_id = ANY($%d)", len(args)))
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY payment_date, created_at, id`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("ListPayments", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPayments: scan: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPayments: rows: %w", err)
	}
	return payments, nil
}

func (c *conn) SumPayments(ctx context.Context, id billing.StudentID, cur billing.Currency) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE student_id = $1 AND currency = $2`,
		string(id), string(cur),
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, wrap("SumPayments", err)
	}
	return sum, nil
}

func (c *conn) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, string(id)); err != nil {
		return wrap("DeletePayment", err)
	}
	return nil
}

func (c *conn) DeletePaymentsByStudent(ctx context.Context, id billing.StudentID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM payments WHERE student_id = $1`, string(id)); err != nil {
		return wrap("DeletePaymentsByStudent", err)
	}
	return nil
}

func scanPayment(s scanner) (billing.Payment, error) {
	var p billing.Payment
	err := s.Scan(&p.ID, &p.StudentID, &p.Currency, &p.Amount,
		&p.Date, &p.Method, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// =============================================================================
// LESSONS
// =============================================================================

func (c *conn) SaveLesson(ctx context.Context, l billing.Lesson) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO lessons (id, starts_at, topic)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			starts_at = EXCLUDED.starts_at,
			topic = EXCLUDED.topic`,
		string(l.ID), l.StartsAt, l.Topic)
	if err != nil {
		return wrap("SaveLesson", err)
	}
	return nil
}

func (c *conn) GetLesson(ctx context.Context, id billing.LessonID) (*billing.Lesson, error) {
	var l billing.Lesson
	err := c.q.QueryRowContext(ctx,
		`SELECT id, starts_at, topic FROM lessons WHERE id = $1`, string(id),
	).Scan(&l.ID, &l.StartsAt, &l.Topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("GetLesson", err)
	}
	return &l, nil
}

func (c *conn) ListLessons(ctx context.Context, from, to time.Time) ([]billing.Lesson, error) {
	var where []string
	var args []any
	if !from.IsZero() {
		args = append(args, from)
		where = append(where, fmt.Sprintf("starts_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		where = append(where, fmt.Sprintf("starts_at <= $%d", len(args)))
	}
	query := `SELECT id, starts_at, topic FROM lessons`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY starts_at, id`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("ListLessons", err)
	}
	defer rows.Close()

	var lessons []billing.Lesson
	for rows.Next() {
		var l billing.Lesson
		if err := rows.Scan(&l.ID, &l.StartsAt, &l.Topic); err != nil {
			return nil, fmt.Errorf("ListLessons: scan: %w", err)
		}
		lessons = append(lessons, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListLessons: rows: %w", err)
	}
	return lessons, nil
}

func (c *conn) DeleteLesson(ctx context.Context, id billing.LessonID) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM lessons WHERE id = $1`, string(id)); err != nil {
		return wrap("DeleteLesson", err)
	}
	return nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, billing.ErrChargeNotFound)
	}
	return nil
}
