package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	Savings  AccountType = "SAVINGS"
	Checking AccountType = "CHECKING"
	Current  AccountType = "CURRENT"
)

// Valid reports whether t is one of the known account types
func (t AccountType) Valid() bool {
	switch t {
	case Savings, Checking, Current:
		return true
	}
	return false
}

type AccountStatus string

const (
	// Active accounts accept money movement
	Active AccountStatus = "ACTIVE"

	// Suspended accounts reject money movement until re-activated
	Suspended AccountStatus = "SUSPENDED"

	// Closed is terminal
	Closed AccountStatus = "CLOSED"
)

// CanTransition reports whether an account may move from s to next.
// ACTIVE and SUSPENDED switch freely, both may close, CLOSED is terminal.
func (s AccountStatus) CanTransition(next AccountStatus) bool {
	switch s {
	case Active:
		return next == Suspended || next == Closed
	case Suspended:
		return next == Active || next == Closed
	}
	return false
}

type Account struct {
	ID            string          `json:"id" db:"id"`
	AccountNumber string          `json:"account_number" db:"account_number"`
	AccountType   AccountType     `json:"account_type" db:"account_type"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	Status        AccountStatus   `json:"status" db:"status"`
	Version       int64           `json:"-" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

type CreateAccountRequest struct {
	AccountType AccountType `json:"account_type"`
}

type AccountResponse struct {
	ID            string        `json:"id"`
	AccountNumber string        `json:"account_number"`
	AccountType   AccountType   `json:"account_type"`
	Balance       string        `json:"balance"`
	Status        AccountStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewAccountResponse builds the API view of an account
func NewAccountResponse(a *Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID,
		AccountNumber: a.AccountNumber,
		AccountType:   a.AccountType,
		Balance:       a.Balance.StringFixed(2),
		Status:        a.Status,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}
