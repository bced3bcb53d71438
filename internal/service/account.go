package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	accountNumberPrefix = "ACC"
	maxCreateAttempts   = 3
)

// handles account lifecycle operations
type AccountService struct {
	store    ledger.Store
	locker   ledger.Locker
	accounts *ledger.AccountLedger
	numbers  *ledger.ReferenceGenerator
	logger   *zap.Logger
	now      func() time.Time
}

// creates a new Account Service
func NewAccountService(store ledger.Store, locker ledger.Locker, accounts *ledger.AccountLedger, shard uint8, logger *zap.Logger) *AccountService {
	return &AccountService{
		store:    store,
		locker:   locker,
		accounts: accounts,
		numbers:  ledger.NewReferenceGenerator(accountNumberPrefix, shard),
		logger:   logger.With(zap.String("component", "account_service")),
		now:      time.Now,
	}
}

// opens a new ACTIVE account with a zero balance
func (s *AccountService) CreateAccount(ctx context.Context, accountType models.AccountType) (*models.Account, error) {
	if !accountType.Valid() {
		return nil, ledger.NewError(ledger.KindInvalidOperation, "unknown account type %q", accountType)
	}

	var account *models.Account
	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		err = s.store.WithinTx(ctx, func(tx ledger.Tx) error {
			number, err := s.numbers.Next(ctx, tx.AccountNumberExists)
			if err != nil {
				return err
			}
			now := s.now()
			a := &models.Account{
				ID:            uuid.NewString(),
				AccountNumber: number,
				AccountType:   accountType,
				Balance:       decimal.Zero,
				Status:        models.Active,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertAccount(ctx, a); err != nil {
				return err
			}
			account = a
			return nil
		})
		if !errors.Is(err, ledger.ErrConflict) {
			break
		}
	}
	if err != nil {
		s.logger.Error("Failed to create account", zap.Error(err))
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("Account created",
		zap.String("account_id", account.ID),
		zap.String("account_number", account.AccountNumber),
		zap.String("account_type", string(account.AccountType)))
	return account, nil
}

// retrieves an account by ID
func (s *AccountService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *AccountService) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	return s.store.GetAccountByNumber(ctx, number)
}

// ResolveAccountNumber maps a public account number to the account id
func (s *AccountService) ResolveAccountNumber(ctx context.Context, number string) (string, error) {
	account, err := s.store.GetAccountByNumber(ctx, number)
	if err != nil {
		return "", err
	}
	return account.ID, nil
}

func (s *AccountService) Suspend(ctx context.Context, id string) (*models.Account, error) {
	return s.setStatus(ctx, id, models.Suspended)
}

func (s *AccountService) Activate(ctx context.Context, id string) (*models.Account, error) {
	return s.setStatus(ctx, id, models.Active)
}

// Close is terminal and requires a zero balance
func (s *AccountService) Close(ctx context.Context, id string) (*models.Account, error) {
	return s.setStatus(ctx, id, models.Closed)
}

// removes a zero-balance account; its history is kept
func (s *AccountService) DeleteAccount(ctx context.Context, id string) error {
	err := ledger.WithAccountLocks(ctx, s.locker, []string{id}, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx ledger.Tx) error {
			return s.accounts.Delete(ctx, tx, id)
		})
	})
	if err != nil {
		return s.fail("delete", id, err)
	}
	s.logger.Info("Account deleted", zap.String("account_id", id))
	return nil
}

func (s *AccountService) setStatus(ctx context.Context, id string, next models.AccountStatus) (*models.Account, error) {
	var account *models.Account
	err := ledger.WithAccountLocks(ctx, s.locker, []string{id}, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx ledger.Tx) error {
			a, err := s.accounts.SetStatus(ctx, tx, id, next)
			if err != nil {
				return err
			}
			account = a
			return nil
		})
	})
	if err != nil {
		return nil, s.fail("set status", id, err)
	}

	s.logger.Info("Account status changed",
		zap.String("account_id", id),
		zap.String("status", string(account.Status)))
	return account, nil
}

func (s *AccountService) fail(op, id string, err error) error {
	if ledger.IsValidation(err) {
		return err
	}
	s.logger.Error("Account operation failed", zap.String("operation", op), zap.String("account_id", id), zap.Error(err))
	return fmt.Errorf("failed to %s account %s: %w", op, id, err)
}
