package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/tutor-ledger/billing"
)

func TestAggregateLessonStatus(t *testing.T) {
	const (
		paid   = billing.StatusPaid
		unpaid = billing.StatusUnpaid
		free   = billing.StatusFree
	)

	tests := []struct {
		name     string
		statuses []billing.PaymentStatus
		want     billing.PaymentStatus
	}{
		{"no students", nil, unpaid},
		{"all free", []billing.PaymentStatus{free, free}, free},
		{"all paid", []billing.PaymentStatus{paid, paid}, paid},
		{"paid and free", []billing.PaymentStatus{paid, free}, paid},
		{"all unpaid", []billing.PaymentStatus{unpaid, unpaid}, unpaid},
		{"unpaid and free", []billing.PaymentStatus{unpaid, free}, unpaid},
		{"mixed", []billing.PaymentStatus{paid, unpaid}, billing.StatusPartiallyPaid},
		{"mixed with free", []billing.PaymentStatus{free, unpaid, paid}, billing.StatusPartiallyPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.AggregateLessonStatus(tt.statuses))
		})
	}
}

func TestLessonStatus_FromCharges(t *testing.T) {
	charges := []billing.LessonCharge{
		charge("c1", 1, 1, "45.00", billing.StatusPaid),
		charge("c2", 1, 2, "45.00", billing.StatusUnpaid),
	}
	assert.Equal(t, billing.StatusPartiallyPaid, billing.LessonStatus(charges))
}
