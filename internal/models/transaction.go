package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	// Deposit credits a single account
	Deposit TransactionType = "DEPOSIT"

	// Withdrawal debits a single account
	Withdrawal TransactionType = "WITHDRAWAL"

	// Transfer debits the source account and credits the destination
	Transfer TransactionType = "TRANSFER"
)

type TransactionStatus string

const (
	// Pending indicates the transaction is in processing state.
	Pending TransactionStatus = "PENDING"

	// Completed indicates every balance mutation of the transaction was applied
	Completed TransactionStatus = "COMPLETED"

	// Cancelled indicates the transaction was cancelled before completion
	Cancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further status change is allowed
func (s TransactionStatus) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Transaction represents a money movement between accounts.
// FromAccountID is empty for deposits, ToAccountID is empty for withdrawals.
type Transaction struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	Description   string            `json:"description"`
	Status        TransactionStatus `json:"status"`
	FromAccountID string            `json:"from_account_id,omitempty"`
	ToAccountID   string            `json:"to_account_id,omitempty"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Involves reports whether the transaction touches the account on either side
func (t *Transaction) Involves(accountID string) bool {
	return accountID != "" && (t.FromAccountID == accountID || t.ToAccountID == accountID)
}

// TransactionFilter narrows a history listing. Zero values mean "any".
type TransactionFilter struct {
	AccountID string
	Type      TransactionType
	Status    TransactionStatus
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Matches reports whether t passes every non-zero criterion of the filter.
// The date range is half-open: [From, To).
func (f TransactionFilter) Matches(t *Transaction) bool {
	if f.AccountID != "" && !t.Involves(f.AccountID) {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// represents a deposit or withdrawal request
type AmountRequest struct {
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// represents a transfer request
type TransferRequest struct {
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
}

// represents the API response for transaction data
type TransactionResponse struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	Type          TransactionType   `json:"type"`
	Amount        string            `json:"amount"`
	Description   string            `json:"description"`
	Status        TransactionStatus `json:"status"`
	FromAccountID string            `json:"from_account_id,omitempty"`
	ToAccountID   string            `json:"to_account_id,omitempty"`
	BalanceAfter  string            `json:"balance_after,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func NewTransactionResponse(t *Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:            t.ID,
		Reference:     t.Reference,
		Type:          t.Type,
		Amount:        t.Amount.StringFixed(2),
		Description:   t.Description,
		Status:        t.Status,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.Status == Completed {
		resp.BalanceAfter = t.BalanceAfter.StringFixed(2)
	}
	return resp
}
