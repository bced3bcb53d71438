package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
)

// AccountLedger owns account balance and status. Every method works inside
// the caller's unit of work and locks the account row it touches.
type AccountLedger struct {
	now func() time.Time
}

func NewAccountLedger(now func() time.Time) *AccountLedger {
	if now == nil {
		now = time.Now
	}
	return &AccountLedger{now: now}
}

func (l *AccountLedger) GetBalance(ctx context.Context, tx Tx, accountID string) (decimal.Decimal, error) {
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// Credit adds amount to the balance. Upper bounds are LimitPolicy's concern.
func (l *AccountLedger) Credit(ctx context.Context, tx Tx, accountID string, amount decimal.Decimal) (*models.Account, error) {
	if !amount.IsPositive() {
		return nil, invalidAmount("credit amount must be greater than zero")
	}
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	account.Balance = account.Balance.Add(amount)
	if err := l.save(ctx, tx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Debit subtracts amount, refusing to take the balance below zero
func (l *AccountLedger) Debit(ctx context.Context, tx Tx, accountID string, amount decimal.Decimal) (*models.Account, error) {
	if !amount.IsPositive() {
		return nil, invalidAmount("debit amount must be greater than zero")
	}
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Balance.LessThan(amount) {
		return nil, insufficientBalance(accountID, account.Balance, amount)
	}
	account.Balance = account.Balance.Sub(amount)
	if err := l.save(ctx, tx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// SetStatus moves the account to next. Closing requires a zero balance.
// Setting the current status again is a no-op.
func (l *AccountLedger) SetStatus(ctx context.Context, tx Tx, accountID string, next models.AccountStatus) (*models.Account, error) {
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status == next {
		return account, nil
	}
	if !account.Status.CanTransition(next) {
		return nil, invalidOperation("account %s cannot move from %s to %s", account.AccountNumber, account.Status, next)
	}
	if next == models.Closed && !account.Balance.IsZero() {
		return nil, &Error{
			Kind:      KindInvalidOperation,
			Message:   fmt.Sprintf("cannot close account %s with balance %s", account.AccountNumber, account.Balance.StringFixed(2)),
			Available: ptr(account.Balance),
		}
	}
	account.Status = next
	if err := l.save(ctx, tx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// RequireActive fails with KindAccountNotActive unless the account is ACTIVE
func (l *AccountLedger) RequireActive(ctx context.Context, tx Tx, accountID string) (*models.Account, error) {
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != models.Active {
		return nil, &Error{
			Kind:    KindAccountNotActive,
			Message: fmt.Sprintf("account %s is not active, current status: %s", account.AccountNumber, account.Status),
		}
	}
	return account, nil
}

// Delete removes a zero-balance account. Its transaction history stays.
func (l *AccountLedger) Delete(ctx context.Context, tx Tx, accountID string) error {
	account, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Balance.IsZero() {
		return &Error{
			Kind:      KindInvalidOperation,
			Message:   fmt.Sprintf("cannot delete account %s with balance %s", account.AccountNumber, account.Balance.StringFixed(2)),
			Available: ptr(account.Balance),
		}
	}
	return tx.DeleteAccount(ctx, accountID)
}

func (l *AccountLedger) save(ctx context.Context, tx Tx, account *models.Account) error {
	account.UpdatedAt = l.now()
	if err := tx.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to update account %s: %w", account.ID, err)
	}
	return nil
}
