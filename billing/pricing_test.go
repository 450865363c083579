package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/tutor-ledger/billing"
)

func TestValidatePrice(t *testing.T) {
	tests := []struct {
		price string
		ok    bool
	}{
		{"0", true},
		{"60", true},
		{"60.50", true},
		{"60.500", true},
		{"0.01", true},
		{"0.004", false},
		{"10.005", false},
		{"-1", false},
	}

	for _, tt := range tests {
		err := billing.ValidatePrice(dec(tt.price))
		if tt.ok {
			assert.NoError(t, err, tt.price)
		} else {
			assert.ErrorIs(t, err, billing.ErrInvalidPrice, tt.price)
		}
	}
}
