package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/db"
	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// noon keeps every test operation well inside one UTC day
var noon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) ledger.Option {
	return ledger.WithClock(func() time.Time { return at })
}

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *db.Memory) {
	t.Helper()
	store := db.NewMemory()
	opts = append([]ledger.Option{fixedClock(noon), ledger.WithLocation(time.UTC)}, opts...)
	engine := ledger.NewEngine(
		store,
		ledger.NewKeyedLock(5*time.Second),
		ledger.NewLimitPolicy(ledger.DefaultLimits()),
		ledger.NewReferenceGenerator("TXN", 1),
		zap.NewNop(),
		opts...,
	)
	return engine, store
}

func openAccount(t *testing.T, store ledger.Store, balance string, status models.AccountStatus) string {
	t.Helper()
	id := uuid.NewString()
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertAccount(context.Background(), &models.Account{
			ID:            id,
			AccountNumber: "ACC" + id[:8],
			AccountType:   models.Checking,
			Balance:       decimal.RequireFromString(balance),
			Status:        status,
			CreatedAt:     noon,
			UpdatedAt:     noon,
		})
	})
	require.NoError(t, err)
	return id
}

func insertTransaction(t *testing.T, store ledger.Store, rec *models.Transaction) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertTransaction(context.Background(), rec)
	})
	require.NoError(t, err)
}

func assertBalance(t *testing.T, store ledger.Store, accountID, want string) {
	t.Helper()
	account, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, want, account.Balance.StringFixed(2))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
