package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/db"
	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAccountService(t *testing.T) (*AccountService, *ledger.Engine, *db.Memory) {
	t.Helper()
	store := db.NewMemory()
	locker := ledger.NewKeyedLock(time.Second)
	engine := ledger.NewEngine(store, locker, nil, nil, zap.NewNop())
	return NewAccountService(store, locker, engine.Accounts(), 3, zap.NewNop()), engine, store
}

func TestCreateAccount(t *testing.T) {
	svc, _, _ := newAccountService(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, models.Savings)
	require.NoError(t, err)

	assert.Equal(t, models.Active, account.Status)
	assert.True(t, account.Balance.IsZero())
	assert.True(t, strings.HasPrefix(account.AccountNumber, "ACC"))

	byNumber, err := svc.GetAccountByNumber(ctx, account.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, account.ID, byNumber.ID)

	id, err := svc.ResolveAccountNumber(ctx, account.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, account.ID, id)

	other, err := svc.CreateAccount(ctx, models.Checking)
	require.NoError(t, err)
	assert.NotEqual(t, account.AccountNumber, other.AccountNumber)
}

func TestCreateAccountRejectsUnknownType(t *testing.T) {
	svc, _, _ := newAccountService(t)

	_, err := svc.CreateAccount(context.Background(), "BROKERAGE")

	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)
}

func TestAccountLifecycle(t *testing.T) {
	svc, engine, _ := newAccountService(t)
	ctx := context.Background()
	account, err := svc.CreateAccount(ctx, models.Checking)
	require.NoError(t, err)

	_, err = engine.Deposit(ctx, account.ID, decimal.RequireFromString("20.00"), "")
	require.NoError(t, err)

	suspended, err := svc.Suspend(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Suspended, suspended.Status)

	_, err = engine.Deposit(ctx, account.ID, decimal.RequireFromString("5.00"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	_, err = svc.Close(ctx, account.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidOperation, "close needs a zero balance")

	_, err = svc.Activate(ctx, account.ID)
	require.NoError(t, err)
	_, err = engine.Withdraw(ctx, account.ID, decimal.RequireFromString("20.00"), "")
	require.NoError(t, err)

	closed, err := svc.Close(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Closed, closed.Status)

	_, err = svc.Activate(ctx, account.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)

	// history survives deletion
	require.NoError(t, svc.DeleteAccount(ctx, account.ID))
	_, err = svc.GetAccount(ctx, account.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	history, err := engine.List(ctx, models.TransactionFilter{AccountID: account.ID})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestDeleteAccountWithBalance(t *testing.T) {
	svc, engine, _ := newAccountService(t)
	ctx := context.Background()
	account, err := svc.CreateAccount(ctx, models.Current)
	require.NoError(t, err)
	_, err = engine.Deposit(ctx, account.ID, decimal.RequireFromString("1.00"), "")
	require.NoError(t, err)

	err = svc.DeleteAccount(ctx, account.ID)

	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)
	_, err = svc.GetAccount(ctx, account.ID)
	assert.NoError(t, err)
}

func TestStatusChangeOnMissingAccount(t *testing.T) {
	svc, _, _ := newAccountService(t)

	_, err := svc.Suspend(context.Background(), "missing")

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
