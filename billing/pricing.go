package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ResolvePrice picks the per-student price for a lesson with enrolled
// students: the group price when more than one is enrolled, the individual
// price otherwise. The currency is always the student's.
func ResolvePrice(s Student, enrolled int) (decimal.Decimal, Currency) {
	if enrolled > 1 {
		return s.PriceGroup, s.Currency
	}
	return s.PriceIndividual, s.Currency
}

// ValidatePrice accepts zero (FREE) and positive whole-cent prices.
func ValidatePrice(p decimal.Decimal) error {
	if p.IsNegative() || !WholeCents(p) {
		return ErrInvalidPrice
	}
	return nil
}

// WholeCents reports whether d has no digits below the second decimal
// place. "60.000" qualifies, "0.004" does not. Amounts are never rounded.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

// ValidateStudentPricing rejects negative or sub-cent prices and unknown
// currencies.
func ValidateStudentPricing(s Student) error {
	if ValidatePrice(s.PriceIndividual) != nil || ValidatePrice(s.PriceGroup) != nil {
		return fmt.Errorf("student %s: %w", s.ID, ErrInvalidPrice)
	}
	if !s.Currency.IsValid() {
		return fmt.Errorf("student %s: %w", s.ID, ErrInvalidCurrency)
	}
	return nil
}
