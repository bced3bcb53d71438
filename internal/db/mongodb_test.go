package db

import (
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditDocIndexesBothSides(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	tx := &models.Transaction{
		ID:            "t-1",
		Reference:     "TXN1",
		Type:          models.Transfer,
		Amount:        decimal.RequireFromString("12.5"),
		Status:        models.Completed,
		FromAccountID: "a",
		ToAccountID:   "b",
		BalanceAfter:  decimal.RequireFromString("87.5"),
		CreatedAt:     at,
		UpdatedAt:     at,
	}

	doc := toAuditDoc(tx, models.TransactionCompleted)

	assert.Equal(t, []string{"a", "b"}, doc.AccountIDs)
	assert.Equal(t, "12.50", doc.Amount)
	assert.Equal(t, "87.50", doc.BalanceAfter)
	assert.Equal(t, time.UTC, doc.CreatedAt.Location())

	back, err := doc.transaction()
	require.NoError(t, err)
	assert.True(t, back.Amount.Equal(tx.Amount))
	assert.True(t, back.CreatedAt.Equal(at))
}

func TestAuditDocSingleSided(t *testing.T) {
	doc := toAuditDoc(&models.Transaction{
		Type:        models.Deposit,
		Status:      models.Cancelled,
		Amount:      decimal.NewFromInt(3),
		ToAccountID: "b",
	}, models.TransactionCancelled)

	assert.Equal(t, []string{"b"}, doc.AccountIDs)
	assert.Empty(t, doc.BalanceAfter)
	assert.Equal(t, "transaction.cancelled", doc.LastEvent)

	doc.Amount = "not-a-number"
	_, err := doc.transaction()
	assert.Error(t, err)
}
