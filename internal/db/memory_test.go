package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, m *Memory, id, number, balance string) {
	t.Helper()
	err := m.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertAccount(context.Background(), &models.Account{
			ID:            id,
			AccountNumber: number,
			AccountType:   models.Savings,
			Balance:       decimal.RequireFromString(balance),
			Status:        models.Active,
		})
	})
	require.NoError(t, err)
}

func TestMemoryDetectsLostUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedAccount(t, m, "a", "ACC1", "10.00")

	first, second := newMemTx(m), newMemTx(m)
	for _, tx := range []*memTx{first, second} {
		a, err := tx.LockAccount(ctx, "a")
		require.NoError(t, err)
		a.Balance = a.Balance.Add(decimal.NewFromInt(1))
		require.NoError(t, tx.UpdateAccount(ctx, a))
	}

	require.NoError(t, m.commit(first))
	assert.ErrorIs(t, m.commit(second), ledger.ErrConflict)

	a, err := m.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "11.00", a.Balance.StringFixed(2))
	assert.Equal(t, int64(2), a.Version)
}

func TestMemoryRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedAccount(t, m, "a", "ACC1", "10.00")
	boom := errors.New("boom")

	err := m.WithinTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.LockAccount(ctx, "a")
		require.NoError(t, err)
		a.Balance = decimal.Zero
		require.NoError(t, tx.UpdateAccount(ctx, a))
		require.NoError(t, tx.InsertTransaction(ctx, &models.Transaction{ID: "t", Reference: "R1"}))
		require.NoError(t, tx.AppendEvent(ctx, models.Event{ID: "e"}))

		// staged writes are visible inside the unit of work
		staged, err := tx.GetTransactionByReference(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, "t", staged.ID)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	a, err := m.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "10.00", a.Balance.StringFixed(2))
	exists, err := m.ReferenceExists(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, m.Events())
}

func TestMemoryRejectsDuplicates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedAccount(t, m, "a", "ACC1", "0")

	err := m.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertAccount(ctx, &models.Account{ID: "b", AccountNumber: "ACC1"})
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	err = m.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertTransaction(ctx, &models.Transaction{ID: "t1", Reference: "R"})
	})
	require.NoError(t, err)
	err = m.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertTransaction(ctx, &models.Transaction{ID: "t2", Reference: "R"})
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestMemoryDeleteFreesNumber(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedAccount(t, m, "a", "ACC1", "0")

	require.NoError(t, m.WithinTx(ctx, func(tx ledger.Tx) error { return tx.DeleteAccount(ctx, "a") }))

	_, err := m.GetAccountByNumber(ctx, "ACC1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	exists, err := m.AccountNumberExists(ctx, "ACC1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemorySumCompleted(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	w := ledger.DayWindow(day, time.UTC)

	rows := []models.Transaction{
		{ID: "1", Reference: "R1", Type: models.Withdrawal, Status: models.Completed, FromAccountID: "a", Amount: decimal.RequireFromString("10"), CreatedAt: day.Add(time.Hour)},
		{ID: "2", Reference: "R2", Type: models.Withdrawal, Status: models.Completed, FromAccountID: "a", Amount: decimal.RequireFromString("5.50"), CreatedAt: day.Add(23 * time.Hour)},
		{ID: "3", Reference: "R3", Type: models.Withdrawal, Status: models.Pending, FromAccountID: "a", Amount: decimal.RequireFromString("100"), CreatedAt: day.Add(time.Hour)},
		{ID: "4", Reference: "R4", Type: models.Withdrawal, Status: models.Completed, FromAccountID: "a", Amount: decimal.RequireFromString("100"), CreatedAt: w.End},
		{ID: "5", Reference: "R5", Type: models.Transfer, Status: models.Completed, FromAccountID: "a", Amount: decimal.RequireFromString("100"), CreatedAt: day.Add(time.Hour)},
		{ID: "6", Reference: "R6", Type: models.Withdrawal, Status: models.Completed, FromAccountID: "b", Amount: decimal.RequireFromString("100"), CreatedAt: day.Add(time.Hour)},
	}
	require.NoError(t, m.WithinTx(ctx, func(tx ledger.Tx) error {
		for i := range rows {
			if err := tx.InsertTransaction(ctx, &rows[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	total, err := m.SumCompleted(ctx, "a", models.Withdrawal, w)
	require.NoError(t, err)
	assert.Equal(t, "15.50", total.StringFixed(2))
}

func TestMemoryListPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.WithinTx(ctx, func(tx ledger.Tx) error {
		for i := 0; i < 5; i++ {
			err := tx.InsertTransaction(ctx, &models.Transaction{
				ID:          fmt.Sprintf("t%d", i),
				Reference:   fmt.Sprintf("R%d", i),
				Type:        models.Deposit,
				Status:      models.Completed,
				ToAccountID: "a",
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	page, err := m.ListTransactions(ctx, models.TransactionFilter{AccountID: "a", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t3", page[0].ID)
	assert.Equal(t, "t2", page[1].ID)

	past, err := m.ListTransactions(ctx, models.TransactionFilter{AccountID: "a", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryDrainOutbox(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.WithinTx(ctx, func(tx ledger.Tx) error {
		for i := 0; i < 5; i++ {
			if err := tx.AppendEvent(ctx, models.Event{ID: fmt.Sprintf("e%d", i)}); err != nil {
				return err
			}
		}
		return nil
	}))

	var got []string
	boom := errors.New("broker down")
	sent, err := m.DrainOutbox(ctx, 10, func(ctx context.Context, ev models.Event) error {
		if ev.ID == "e2" {
			return boom
		}
		got = append(got, ev.ID)
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, sent)

	sent, err = m.DrainOutbox(ctx, 2, func(ctx context.Context, ev models.Event) error {
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sent, err = m.DrainOutbox(ctx, 10, func(ctx context.Context, ev models.Event) error {
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, got)

	for _, ev := range m.Events() {
		assert.NotNil(t, ev.SentAt, ev.ID)
	}
}

func TestMemoryConcurrentDrainsDeliverOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.WithinTx(ctx, func(tx ledger.Tx) error {
		for i := 0; i < 100; i++ {
			if err := tx.AppendEvent(ctx, models.Event{ID: fmt.Sprintf("e%d", i)}); err != nil {
				return err
			}
		}
		return nil
	}))

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := m.DrainOutbox(ctx, 7, func(ctx context.Context, ev models.Event) error {
					mu.Lock()
					seen[ev.ID]++
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
