package ledger

import (
	"errors"
	"testing"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAmount(t *testing.T) {
	policy := NewLimitPolicy(DefaultLimits())

	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{name: "minimum", amount: "1.00"},
		{name: "maximum", amount: "100000.00"},
		{name: "whole number", amount: "10"},
		{name: "trailing zero beyond scale", amount: "1.500", wantErr: true},
		{name: "whole number written with three places", amount: "10.000", wantErr: true},
		{name: "zero", amount: "0", wantErr: true},
		{name: "negative", amount: "-5.00", wantErr: true},
		{name: "three decimals", amount: "1.005", wantErr: true},
		{name: "below minimum", amount: "0.99", wantErr: true},
		{name: "above maximum", amount: "100000.01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.CheckAmount(decimal.RequireFromString(tt.amount))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidAmount))
		})
	}
}

func TestCheckAmountCarriesLimit(t *testing.T) {
	policy := NewLimitPolicy(DefaultLimits())

	err := policy.CheckAmount(decimal.RequireFromString("250000.00"))

	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.NotNil(t, verr.Limit)
	assert.Equal(t, "100000.00", verr.Limit.StringFixed(2))
	assert.Equal(t, "250000.00", verr.Requested.StringFixed(2))
}

func TestCheckDailyLimit(t *testing.T) {
	policy := NewLimitPolicy(DefaultLimits())
	d := decimal.RequireFromString

	t.Run("withdrawal at the limit", func(t *testing.T) {
		assert.NoError(t, policy.CheckDailyLimit("a", models.Withdrawal, d("10000.00"), d("40000.00")))
	})

	t.Run("withdrawal over the limit", func(t *testing.T) {
		err := policy.CheckDailyLimit("a", models.Withdrawal, d("20000.00"), d("40000.00"))

		var verr *Error
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, KindDailyLimitExceeded, verr.Kind)
		assert.Equal(t, "50000.00", verr.Limit.StringFixed(2))
		assert.Equal(t, "40000.00", verr.Used.StringFixed(2))
		assert.Equal(t, "20000.00", verr.Requested.StringFixed(2))
	})

	t.Run("transfer uses its own limit", func(t *testing.T) {
		assert.NoError(t, policy.CheckDailyLimit("a", models.Transfer, d("20000.00"), d("70000.00")))
		assert.ErrorIs(t, policy.CheckDailyLimit("a", models.Transfer, d("40000.00"), d("70000.00")), ErrDailyLimitExceeded)
	})

	t.Run("deposits are uncapped", func(t *testing.T) {
		assert.NoError(t, policy.CheckDailyLimit("a", models.Deposit, d("100000.00"), d("900000.00")))
	})

	t.Run("unknown type", func(t *testing.T) {
		assert.ErrorIs(t, policy.CheckDailyLimit("a", "REFUND", d("1.00"), decimal.Zero), ErrInvalidOperation)
	})
}

func TestLimitsValidate(t *testing.T) {
	assert.NoError(t, DefaultLimits().Validate())

	limits := DefaultLimits()
	limits.MinTransactionAmount = decimal.Zero
	assert.Error(t, limits.Validate())

	limits = DefaultLimits()
	limits.MaxSingleTransaction = decimal.RequireFromString("0.50")
	assert.Error(t, limits.Validate())

	limits = DefaultLimits()
	limits.DailyTransferLimit = decimal.RequireFromString("-1")
	assert.Error(t, limits.Validate())
}
