package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultMaxAttempts = 3

	defaultDepositDescription    = "Deposit to account"
	defaultWithdrawalDescription = "Withdrawal from account"
)

// Engine moves money between accounts. Each operation validates its input,
// then runs {record PENDING, mutate balances, snapshot balance, mark
// COMPLETED} as one unit of work while holding the locks of every account
// it touches.
type Engine struct {
	store       Store
	locker      Locker
	accounts    *AccountLedger
	limits      *LimitPolicy
	refs        *ReferenceGenerator
	logger      *zap.Logger
	loc         *time.Location
	now         func() time.Time
	maxAttempts int
}

type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone that defines the daily limit window
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithMaxAttempts bounds how often a conflicting unit of work is replayed
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func NewEngine(store Store, locker Locker, limits *LimitPolicy, refs *ReferenceGenerator, logger *zap.Logger, opts ...Option) *Engine {
	if locker == nil {
		locker = NewKeyedLock(defaultLockTimeout)
	}
	if limits == nil {
		limits = NewLimitPolicy(DefaultLimits())
	}
	if refs == nil {
		refs = NewReferenceGenerator(defaultReferencePrefix, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:       store,
		locker:      locker,
		limits:      limits,
		refs:        refs,
		logger:      logger,
		loc:         time.Local,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.accounts = NewAccountLedger(e.now)
	return e
}

// Accounts exposes the ledger so collaborators share the engine's clock
func (e *Engine) Accounts() *AccountLedger {
	return e.accounts
}

// Location is the zone that bounds the daily limit window.
func (e *Engine) Location() *time.Location {
	return e.loc
}

func (e *Engine) GetLimits() Limits {
	return e.limits.Limits()
}

// Deposit credits amount to an active account
func (e *Engine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, description string) (*models.Transaction, error) {
	if err := e.limits.CheckAmount(amount); err != nil {
		return nil, e.reject(models.Deposit, err)
	}
	if description == "" {
		description = defaultDepositDescription
	}

	return e.run(ctx, models.Deposit, []string{accountID}, func(ctx context.Context, tx Tx, now time.Time) (*models.Transaction, error) {
		if _, err := e.accounts.RequireActive(ctx, tx, accountID); err != nil {
			return nil, err
		}

		rec, err := e.open(ctx, tx, now, models.Deposit, amount, description, "", accountID)
		if err != nil {
			return nil, err
		}
		if _, err := e.accounts.Credit(ctx, tx, accountID, amount); err != nil {
			return nil, err
		}
		return rec, e.complete(ctx, tx, rec, accountID)
	})
}

// Withdraw debits amount from an active account within its daily limit
func (e *Engine) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, description string) (*models.Transaction, error) {
	if err := e.limits.CheckAmount(amount); err != nil {
		return nil, e.reject(models.Withdrawal, err)
	}
	if description == "" {
		description = defaultWithdrawalDescription
	}

	return e.run(ctx, models.Withdrawal, []string{accountID}, func(ctx context.Context, tx Tx, now time.Time) (*models.Transaction, error) {
		account, err := e.accounts.RequireActive(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}
		if err := e.checkDaily(ctx, tx, now, accountID, models.Withdrawal, amount); err != nil {
			return nil, err
		}
		if account.Balance.LessThan(amount) {
			return nil, insufficientBalance(accountID, account.Balance, amount)
		}

		rec, err := e.open(ctx, tx, now, models.Withdrawal, amount, description, accountID, "")
		if err != nil {
			return nil, err
		}
		if _, err := e.accounts.Debit(ctx, tx, accountID, amount); err != nil {
			return nil, err
		}
		return rec, e.complete(ctx, tx, rec, accountID)
	})
}

// Transfer debits fromID and credits toID. The balance snapshot is the
// source account's post-debit balance.
func (e *Engine) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, description string) (*models.Transaction, error) {
	if fromID == toID {
		return nil, e.reject(models.Transfer, invalidOperation("cannot transfer to the same account"))
	}
	if err := e.limits.CheckAmount(amount); err != nil {
		return nil, e.reject(models.Transfer, err)
	}

	return e.run(ctx, models.Transfer, []string{fromID, toID}, func(ctx context.Context, tx Tx, now time.Time) (*models.Transaction, error) {
		from, err := e.accounts.RequireActive(ctx, tx, fromID)
		if err != nil {
			return nil, err
		}
		if _, err := e.accounts.RequireActive(ctx, tx, toID); err != nil {
			return nil, err
		}
		if from.Balance.LessThan(amount) {
			return nil, insufficientBalance(fromID, from.Balance, amount)
		}
		if err := e.checkDaily(ctx, tx, now, fromID, models.Transfer, amount); err != nil {
			return nil, err
		}

		rec, err := e.open(ctx, tx, now, models.Transfer, amount, description, fromID, toID)
		if err != nil {
			return nil, err
		}
		if _, err := e.accounts.Debit(ctx, tx, fromID, amount); err != nil {
			return nil, err
		}
		if _, err := e.accounts.Credit(ctx, tx, toID, amount); err != nil {
			return nil, err
		}
		return rec, e.complete(ctx, tx, rec, fromID)
	})
}

// Cancel moves a PENDING transaction to CANCELLED. Balances are untouched:
// a pending transaction has not applied any mutation that survived.
func (e *Engine) Cancel(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var rec *models.Transaction
	err := e.inTx(ctx, func(tx Tx) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if !canTransition(t.Status, models.Cancelled) {
			return invalidOperation("cannot cancel %s transaction %s", t.Status, t.Reference)
		}
		t.Status = models.Cancelled
		t.UpdatedAt = e.now()
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("failed to update transaction %s: %w", t.ID, err)
		}
		if err := e.appendEvent(ctx, tx, t, models.TransactionCancelled); err != nil {
			return err
		}
		rec = t
		return nil
	})
	if err != nil {
		return nil, e.fail("cancel", err)
	}

	e.logger.Info("Transaction cancelled",
		zap.String("transaction_id", rec.ID),
		zap.String("reference", rec.Reference))
	return rec, nil
}

func (e *Engine) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

func (e *Engine) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return e.store.GetTransactionByReference(ctx, reference)
}

// List returns matching transactions, newest first
func (e *Engine) List(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, invalidOperation("date range end is before its start")
	}
	return e.store.ListTransactions(ctx, filter)
}

type opFunc func(ctx context.Context, tx Tx, now time.Time) (*models.Transaction, error)

// run pins the operation time, takes the account locks in id order and
// executes fn as one unit of work.
func (e *Engine) run(ctx context.Context, op models.TransactionType, accountIDs []string, fn opFunc) (*models.Transaction, error) {
	now := e.now()
	ordered := sortedUnique(accountIDs)

	var rec *models.Transaction
	err := WithAccountLocks(ctx, e.locker, ordered, func(ctx context.Context) error {
		return e.inTx(ctx, func(tx Tx) error {
			for _, id := range ordered {
				if _, err := tx.LockAccount(ctx, id); err != nil {
					return err
				}
			}
			t, err := fn(ctx, tx, now)
			if err != nil {
				return err
			}
			rec = t
			return nil
		})
	})
	if err != nil {
		return nil, e.fail(string(op), err)
	}

	e.logger.Info("Transaction completed",
		zap.String("transaction_id", rec.ID),
		zap.String("reference", rec.Reference),
		zap.String("type", string(rec.Type)),
		zap.Stringer("amount", rec.Amount),
		zap.String("from_account_id", rec.FromAccountID),
		zap.String("to_account_id", rec.ToAccountID),
		zap.Stringer("balance_after", rec.BalanceAfter))
	return rec, nil
}

// inTx replays fn on ErrConflict up to maxAttempts times
func (e *Engine) inTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = e.store.WithinTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		e.logger.Warn("Unit of work conflicted, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (e *Engine) checkDaily(ctx context.Context, tx Tx, now time.Time, accountID string, txType models.TransactionType, amount decimal.Decimal) error {
	used, err := tx.SumCompleted(ctx, accountID, txType, DayWindow(now, e.loc))
	if err != nil {
		return fmt.Errorf("failed to total today's %s for account %s: %w", txType, accountID, err)
	}
	return e.limits.CheckDailyLimit(accountID, txType, amount, used)
}

func (e *Engine) open(ctx context.Context, tx Tx, now time.Time, txType models.TransactionType, amount decimal.Decimal, description, fromID, toID string) (*models.Transaction, error) {
	reference, err := e.refs.Next(ctx, tx.ReferenceExists)
	if err != nil {
		return nil, err
	}
	rec := &models.Transaction{
		ID:            uuid.NewString(),
		Reference:     reference,
		Type:          txType,
		Amount:        amount,
		Description:   description,
		Status:        models.Pending,
		FromAccountID: fromID,
		ToAccountID:   toID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record transaction %s: %w", reference, err)
	}
	return rec, nil
}

func (e *Engine) complete(ctx context.Context, tx Tx, rec *models.Transaction, primaryID string) error {
	if !canTransition(rec.Status, models.Completed) {
		return invalidOperation("cannot complete %s transaction %s", rec.Status, rec.Reference)
	}
	balance, err := e.accounts.GetBalance(ctx, tx, primaryID)
	if err != nil {
		return err
	}
	rec.Status = models.Completed
	rec.BalanceAfter = balance
	rec.UpdatedAt = e.now()
	if err := tx.UpdateTransaction(ctx, rec); err != nil {
		return fmt.Errorf("failed to complete transaction %s: %w", rec.Reference, err)
	}
	return e.appendEvent(ctx, tx, rec, models.TransactionCompleted)
}

func (e *Engine) appendEvent(ctx context.Context, tx Tx, rec *models.Transaction, eventType models.EventType) error {
	payload, err := json.Marshal(models.NewTransactionEvent(rec))
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	ev := models.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: rec.ID,
		Reference:     rec.Reference,
		Payload:       payload,
		CreatedAt:     rec.UpdatedAt,
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func (e *Engine) reject(op models.TransactionType, err error) error {
	return e.fail(string(op), err)
}

// fail logs err and returns it. Validation errors pass through untouched;
// anything else is wrapped as an internal failure of op.
func (e *Engine) fail(op string, err error) error {
	if kind, ok := KindOf(err); ok {
		e.logger.Warn("Transaction rejected",
			zap.String("operation", op),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return err
	}
	e.logger.Error("Transaction failed", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("%s failed: %w", op, err)
}

// canTransition encodes PENDING -> COMPLETED | CANCELLED; both are terminal
func canTransition(from, to models.TransactionStatus) bool {
	return from == models.Pending && (to == models.Completed || to == models.Cancelled)
}
