package billing

// AggregateLessonStatus folds per-student charge statuses into one lesson status.
//
//	empty                 -> UNPAID
//	all FREE              -> FREE
//	no UNPAID             -> PAID
//	no PAID               -> UNPAID
//	both PAID and UNPAID  -> PARTIALLY_PAID
//
// FREE entries mixed with others count as neither PAID nor UNPAID.
func AggregateLessonStatus(statuses []PaymentStatus) PaymentStatus {
	if len(statuses) == 0 {
		return StatusUnpaid
	}

	var paid, unpaid, free int
	for _, s := range statuses {
		switch s {
		case StatusPaid:
			paid++
		case StatusUnpaid:
			unpaid++
		case StatusFree:
			free++
		}
	}

	switch {
	case free == len(statuses):
		return StatusFree
	case unpaid == 0:
		return StatusPaid
	case paid == 0:
		return StatusUnpaid
	default:
		return StatusPartiallyPaid
	}
}

// LessonStatus aggregates the statuses of a lesson's charges.
func LessonStatus(charges []LessonCharge) PaymentStatus {
	statuses := make([]PaymentStatus, len(charges))
	for i, c := range charges {
		statuses[i] = c.Status
	}
	return AggregateLessonStatus(statuses)
}
