//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/warp/tutor-ledger/billing"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tutor_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, connStr, PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetimeS: 60, ConnMaxIdleTimeS: 30})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgres_EndToEndScenario(t *testing.T) {
	store := setupTestStore(t)
	svc := billing.NewService(store)
	ctx := context.Background()

	// GIVEN: a student at 60.00 EUR and three lessons
	st, err := svc.CreateStudent(ctx, billing.Student{
		FirstName:       "Ada",
		LastName:        "Lovelace",
		PriceIndividual: decimal.RequireFromString("60.00"),
		PriceGroup:      decimal.RequireFromString("45.00"),
		Currency:        billing.CurrencyEUR,
		Active:          true,
	})
	require.NoError(t, err)

	var lessonIDs []billing.LessonID
	for day := 1; day <= 3; day++ {
		v, err := svc.CreateLesson(ctx, billing.Lesson{
			StartsAt: time.Date(2025, 12, day, 14, 0, 0, 0, time.UTC),
		}, []billing.StudentID{st.ID})
		require.NoError(t, err)
		lessonIDs = append(lessonIDs, v.Lesson.ID)
	}

	// WHEN: 130.00 is paid
	p, err := svc.CreatePayment(ctx, billing.Payment{
		StudentID: st.ID,
		Currency:  billing.CurrencyEUR,
		Amount:    decimal.RequireFromString("130.00"),
		Date:      time.Date(2025, 12, 4, 0, 0, 0, 0, time.UTC),
		Method:    billing.MethodCash,
	})
	require.NoError(t, err)

	// THEN: balance -50.00, oldest two lessons PAID
	balances, err := svc.GetAllBalances(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "-50.00", balances[0].Amount.StringFixed(2))

	want := []billing.PaymentStatus{billing.StatusPaid, billing.StatusPaid, billing.StatusUnpaid}
	for i, id := range lessonIDs {
		v, err := svc.GetLesson(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want[i], v.Status, "lesson %d", i+1)
	}

	// WHEN: the payment is deleted
	require.NoError(t, svc.DeletePayment(ctx, p.ID))

	// THEN: back to -180.00, all UNPAID, ledger consistent
	balances, err = svc.GetAllBalances(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "-180.00", balances[0].Amount.StringFixed(2))
	for _, id := range lessonIDs {
		v, err := svc.GetLesson(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusUnpaid, v.Status)
	}
	assert.NoError(t, svc.VerifyLedger(ctx, st.ID))
}
