package ledger

import (
	"fmt"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
)

// Limits bounds the exposure of one account. Every field is a ceiling or
// floor on a scale-2 amount.
type Limits struct {
	DailyWithdrawalLimit decimal.Decimal `json:"daily_withdrawal_limit"`
	DailyTransferLimit   decimal.Decimal `json:"daily_transfer_limit"`
	MaxSingleTransaction decimal.Decimal `json:"max_single_transaction"`
	MinTransactionAmount decimal.Decimal `json:"min_transaction_amount"`
}

// DefaultLimits returns the stock production limits
func DefaultLimits() Limits {
	return Limits{
		DailyWithdrawalLimit: decimal.RequireFromString("50000.00"),
		DailyTransferLimit:   decimal.RequireFromString("100000.00"),
		MaxSingleTransaction: decimal.RequireFromString("100000.00"),
		MinTransactionAmount: decimal.RequireFromString("1.00"),
	}
}

// Validate rejects configurations that could never admit an amount
func (l Limits) Validate() error {
	if !l.MinTransactionAmount.IsPositive() {
		return fmt.Errorf("min transaction amount must be positive, got %s", l.MinTransactionAmount)
	}
	if l.MaxSingleTransaction.LessThan(l.MinTransactionAmount) {
		return fmt.Errorf("max single transaction %s is below min transaction amount %s",
			l.MaxSingleTransaction, l.MinTransactionAmount)
	}
	if l.DailyWithdrawalLimit.IsNegative() || l.DailyTransferLimit.IsNegative() {
		return fmt.Errorf("daily limits must not be negative")
	}
	return nil
}

// LimitPolicy enforces per-transaction and per-day ceilings.
type LimitPolicy struct {
	limits Limits
}

func NewLimitPolicy(limits Limits) *LimitPolicy {
	return &LimitPolicy{limits: limits}
}

func (p *LimitPolicy) Limits() Limits {
	return p.limits
}

// CheckAmount validates a single amount against the configured bounds and
// the two-fractional-digit scale.
func (p *LimitPolicy) CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalidAmount("transaction amount must be greater than zero")
	}
	// Scale is judged as written: 1.500 carries three places.
	if amount.Exponent() < -2 {
		return invalidAmount("amount cannot have more than 2 decimal places")
	}
	if amount.LessThan(p.limits.MinTransactionAmount) {
		return &Error{
			Kind:      KindInvalidAmount,
			Message:   fmt.Sprintf("minimum transaction amount is %s", p.limits.MinTransactionAmount.StringFixed(2)),
			Limit:     ptr(p.limits.MinTransactionAmount),
			Requested: ptr(amount),
		}
	}
	if amount.GreaterThan(p.limits.MaxSingleTransaction) {
		return &Error{
			Kind:      KindInvalidAmount,
			Message:   fmt.Sprintf("single transaction amount cannot exceed %s", p.limits.MaxSingleTransaction.StringFixed(2)),
			Limit:     ptr(p.limits.MaxSingleTransaction),
			Requested: ptr(amount),
		}
	}
	return nil
}

// CheckDailyLimit fails when todayTotal+amount exceeds the daily cap for
// txType. Deposits carry no daily cap.
func (p *LimitPolicy) CheckDailyLimit(accountID string, txType models.TransactionType, amount, todayTotal decimal.Decimal) error {
	var limit decimal.Decimal
	switch txType {
	case models.Withdrawal:
		limit = p.limits.DailyWithdrawalLimit
	case models.Transfer:
		limit = p.limits.DailyTransferLimit
	case models.Deposit:
		return nil
	default:
		return invalidOperation("unknown transaction type %q", txType)
	}

	if todayTotal.Add(amount).GreaterThan(limit) {
		return &Error{
			Kind: KindDailyLimitExceeded,
			Message: fmt.Sprintf("daily %s limit exceeded for account %s: limit %s, used today %s, requested %s",
				txType, accountID, limit.StringFixed(2), todayTotal.StringFixed(2), amount.StringFixed(2)),
			Limit:     ptr(limit),
			Used:      ptr(todayTotal),
			Requested: ptr(amount),
		}
	}
	return nil
}
