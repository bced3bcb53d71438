package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	TransactionCompleted EventType = "transaction.completed"
	TransactionCancelled EventType = "transaction.cancelled"
)

// Event is an outbox row written in the same unit of work as the
// transaction it describes. SentAt stays nil until a relay publishes it.
type Event struct {
	ID            string     `json:"id"`
	Type          EventType  `json:"type"`
	TransactionID string     `json:"transaction_id"`
	Reference     string     `json:"reference"`
	Payload       []byte     `json:"payload"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// TransactionEvent is the payload carried by transaction events.
// Amounts travel as strings to keep their scale intact.
type TransactionEvent struct {
	TransactionID string            `json:"transaction_id"`
	Reference     string            `json:"reference"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Amount        string            `json:"amount"`
	Description   string            `json:"description"`
	FromAccountID string            `json:"from_account_id,omitempty"`
	ToAccountID   string            `json:"to_account_id,omitempty"`
	BalanceAfter  string            `json:"balance_after,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewTransactionEvent snapshots t into an event payload
func NewTransactionEvent(t *Transaction) TransactionEvent {
	ev := TransactionEvent{
		TransactionID: t.ID,
		Reference:     t.Reference,
		Type:          t.Type,
		Status:        t.Status,
		Amount:        t.Amount.StringFixed(2),
		Description:   t.Description,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.Status == Completed {
		ev.BalanceAfter = t.BalanceAfter.StringFixed(2)
	}
	return ev
}

// Transaction rebuilds the transaction carried by the payload
func (e TransactionEvent) Transaction() (*Transaction, error) {
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		ID:            e.TransactionID,
		Reference:     e.Reference,
		Type:          e.Type,
		Amount:        amount,
		Description:   e.Description,
		Status:        e.Status,
		FromAccountID: e.FromAccountID,
		ToAccountID:   e.ToAccountID,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.BalanceAfter != "" {
		if tx.BalanceAfter, err = decimal.NewFromString(e.BalanceAfter); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// DecodeTransactionEvent unmarshals the payload of a transaction event
func DecodeTransactionEvent(ev Event) (TransactionEvent, error) {
	var payload TransactionEvent
	err := json.Unmarshal(ev.Payload, &payload)
	return payload, err
}
