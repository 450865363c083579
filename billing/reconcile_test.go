package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tutor-ledger/billing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func charge(id string, day int, seq int64, price string, status billing.PaymentStatus) billing.LessonCharge {
	return billing.LessonCharge{
		ID:         billing.ChargeID(id),
		LessonID:   billing.LessonID("lsn-" + id),
		StudentID:  "stu-1",
		LessonDate: time.Date(2025, time.December, day, 14, 0, 0, 0, time.UTC),
		Seq:        seq,
		Price:      dec(price),
		Currency:   billing.CurrencyEUR,
		Status:     status,
	}
}

func statuses(r billing.AllocationResult) []billing.PaymentStatus {
	out := make([]billing.PaymentStatus, len(r.Allocations))
	for i, a := range r.Allocations {
		out[i] = a.Status
	}
	return out
}

// =============================================================================
// ALLOCATION TESTS
// =============================================================================

func TestAllocate_OldestLessonFirst(t *testing.T) {
	// GIVEN: Three 60.00 charges and 130.00 paid
	// WHEN: Allocating
	// THEN: The two oldest are PAID, 10.00 is left over

	charges := []billing.LessonCharge{
		charge("c3", 3, 3, "60.00", billing.StatusUnpaid),
		charge("c1", 1, 1, "60.00", billing.StatusUnpaid),
		charge("c2", 2, 2, "60.00", billing.StatusUnpaid),
	}

	result := billing.Allocate(dec("130.00"), charges)

	assert.Equal(t, []billing.PaymentStatus{billing.StatusPaid, billing.StatusPaid, billing.StatusUnpaid}, statuses(result))
	assert.Equal(t, billing.ChargeID("c1"), result.Allocations[0].Charge.ID)
	assert.Equal(t, billing.ChargeID("c3"), result.Allocations[2].Charge.ID)
	assert.Equal(t, "10.00", result.Remaining.StringFixed(2))
	assert.Len(t, result.Changes(), 2)

	// Input order untouched
	assert.Equal(t, billing.ChargeID("c3"), charges[0].ID)
}

func TestAllocate_ExactCreditPaysCharge(t *testing.T) {
	result := billing.Allocate(dec("50.00"), []billing.LessonCharge{
		charge("c1", 1, 1, "50.00", billing.StatusUnpaid),
	})

	assert.Equal(t, []billing.PaymentStatus{billing.StatusPaid}, statuses(result))
	assert.True(t, result.Remaining.IsZero())
	assert.Equal(t, "0.00", result.Remaining.StringFixed(2))
}

func TestAllocate_WalkDoesNotStopAtFirstUnpaid(t *testing.T) {
	// GIVEN: An expensive old lesson and a cheap newer one, 50.00 paid
	// THEN: The old one stays UNPAID, the cheap one is still covered

	result := billing.Allocate(dec("50.00"), []billing.LessonCharge{
		charge("c1", 1, 1, "100.00", billing.StatusUnpaid),
		charge("c2", 2, 2, "30.00", billing.StatusUnpaid),
	})

	assert.Equal(t, []billing.PaymentStatus{billing.StatusUnpaid, billing.StatusPaid}, statuses(result))
	assert.Equal(t, "20.00", result.Remaining.StringFixed(2))
}

func TestAllocate_FreeChargesIgnored(t *testing.T) {
	result := billing.Allocate(dec("60.00"), []billing.LessonCharge{
		charge("free", 1, 1, "0", billing.StatusFree),
		charge("c2", 2, 2, "60.00", billing.StatusUnpaid),
	})

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, billing.ChargeID("c2"), result.Allocations[0].Charge.ID)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].Status)
}

func TestAllocate_NoCredit_AllUnpaid(t *testing.T) {
	result := billing.Allocate(decimal.Zero, []billing.LessonCharge{
		charge("c1", 1, 1, "60.00", billing.StatusPaid),
		charge("c2", 2, 2, "60.00", billing.StatusUnpaid),
	})

	assert.Equal(t, []billing.PaymentStatus{billing.StatusUnpaid, billing.StatusUnpaid}, statuses(result))
	changes := result.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, billing.ChargeID("c1"), changes[0].Charge.ID)
}

func TestAllocate_SameDateTieBrokenBySeq(t *testing.T) {
	// GIVEN: Two charges on the same instant, created in order c-first, c-second
	// WHEN: Only one can be paid
	// THEN: The one created first wins, whatever the input order

	first := charge("c-first", 5, 7, "60.00", billing.StatusUnpaid)
	second := charge("c-second", 5, 9, "60.00", billing.StatusUnpaid)

	result := billing.Allocate(dec("60.00"), []billing.LessonCharge{second, first})

	assert.Equal(t, billing.ChargeID("c-first"), result.Allocations[0].Charge.ID)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].Status)
	assert.Equal(t, billing.StatusUnpaid, result.Allocations[1].Status)
}

func TestAllocate_AlreadyConsistent_NoChanges(t *testing.T) {
	result := billing.Allocate(dec("130.00"), []billing.LessonCharge{
		charge("c1", 1, 1, "60.00", billing.StatusPaid),
		charge("c2", 2, 2, "60.00", billing.StatusPaid),
		charge("c3", 3, 3, "60.00", billing.StatusUnpaid),
	})

	assert.Empty(t, result.Changes())
}
