//go:build integration

package db

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Run with: LEDGER_TEST_POSTGRES_URI=postgres://... go test -tags integration ./internal/db
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	uri := os.Getenv("LEDGER_TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("LEDGER_TEST_POSTGRES_URI not set")
	}
	p, err := NewPostgres(uri)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(zap.NewNop()))
	_, err = p.db.Exec("TRUNCATE outbox_events, transactions, accounts")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func createPgAccount(t *testing.T, p *Postgres, balance string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now()
	err := p.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertAccount(context.Background(), &models.Account{
			ID:            id,
			AccountNumber: "ACC" + id[:12],
			AccountType:   models.Checking,
			Balance:       decimal.RequireFromString(balance),
			Status:        models.Active,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	require.NoError(t, err)
	return id
}

func TestPostgresConcurrentWithdrawals(t *testing.T) {
	p := openTestPostgres(t)
	engine := ledger.NewEngine(p, nil, nil, nil, zap.NewNop())
	id := createPgAccount(t, p, "500.00")

	var (
		ok, insufficient atomic.Int32
		wg               sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Withdraw(context.Background(), id, decimal.RequireFromString("10.00"), "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), ok.Load())
	assert.Equal(t, int32(50), insufficient.Load())
	account, err := p.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "0.00", account.Balance.StringFixed(2))
}

func TestPostgresTransferAndHistory(t *testing.T) {
	p := openTestPostgres(t)
	engine := ledger.NewEngine(p, nil, nil, nil, zap.NewNop())
	ctx := context.Background()
	from := createPgAccount(t, p, "100.00")
	to := createPgAccount(t, p, "0.00")

	rec, err := engine.Transfer(ctx, from, to, decimal.RequireFromString("40.25"), "split")
	require.NoError(t, err)

	stored, err := p.GetTransactionByReference(ctx, rec.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.Completed, stored.Status)
	assert.Equal(t, "59.75", stored.BalanceAfter.StringFixed(2))

	history, err := engine.List(ctx, models.TransactionFilter{AccountID: to, Type: models.Transfer})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)

	used, err := p.SumCompleted(ctx, from, models.Transfer, ledger.DayWindow(time.Now(), time.Local))
	require.NoError(t, err)
	assert.Equal(t, "40.25", used.StringFixed(2))

	var published []string
	sent, err := p.DrainOutbox(ctx, 10, func(ctx context.Context, ev models.Event) error {
		published = append(published, ev.Reference)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{rec.Reference}, published)

	sent, err = p.DrainOutbox(ctx, 10, func(context.Context, models.Event) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, sent)
}
