package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/ledger-engine/internal/db"
	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/abkawan/ledger-engine/internal/outbox"
	"github.com/abkawan/ledger-engine/internal/queue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryAudit keeps the latest version of each transaction by reference
type memoryAudit struct {
	mu     sync.Mutex
	byRef  map[string]*models.Transaction
	events map[string]models.EventType
	err    error
}

func newMemoryAudit() *memoryAudit {
	return &memoryAudit{byRef: make(map[string]*models.Transaction), events: make(map[string]models.EventType)}
}

func (m *memoryAudit) Upsert(ctx context.Context, t *models.Transaction, event models.EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if current, ok := m.byRef[t.Reference]; ok && current.UpdatedAt.After(t.UpdatedAt) {
		return nil
	}
	m.byRef[t.Reference] = t
	m.events[t.Reference] = event
	return nil
}

// loopback hands published events straight to the consumer's handler
type loopback struct {
	mu      sync.Mutex
	handler queue.Handler
}

func (l *loopback) Publish(ctx context.Context, ev models.Event) error {
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	return handler(ctx, ev)
}

func (l *loopback) Consume(ctx context.Context, handler queue.Handler) error {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (l *loopback) handlerSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler != nil
}

func (l *loopback) Close() error { return nil }

func TestHandleEventRejectsMalformed(t *testing.T) {
	svc := NewAuditService(newMemoryAudit(), zap.NewNop())
	ctx := context.Background()

	err := svc.HandleEvent(ctx, models.Event{Type: "account.opened"})
	assert.ErrorIs(t, err, queue.ErrMalformed)

	err = svc.HandleEvent(ctx, models.Event{Type: models.TransactionCompleted, Payload: []byte("{")})
	assert.ErrorIs(t, err, queue.ErrMalformed)

	err = svc.HandleEvent(ctx, models.Event{Type: models.TransactionCompleted, Payload: []byte(`{"amount":"ten"}`)})
	assert.ErrorIs(t, err, queue.ErrMalformed)
}

func TestHandleEventSurfacesStoreFailure(t *testing.T) {
	store := newMemoryAudit()
	store.err = errors.New("mongo unavailable")
	svc := NewAuditService(store, zap.NewNop())

	err := svc.HandleEvent(context.Background(), models.Event{
		Type:    models.TransactionCompleted,
		Payload: []byte(`{"reference":"TXN1","amount":"1.00","status":"COMPLETED"}`),
	})

	assert.ErrorIs(t, err, store.err)
	assert.NotErrorIs(t, err, queue.ErrMalformed)
}

func TestAuditMirrorsCommittedTransactions(t *testing.T) {
	store := db.NewMemory()
	engine := ledger.NewEngine(store, nil, nil, nil, zap.NewNop())
	accounts := NewAccountService(store, ledger.NewKeyedLock(time.Second), engine.Accounts(), 0, zap.NewNop())
	ctx := context.Background()

	account, err := accounts.CreateAccount(ctx, models.Savings)
	require.NoError(t, err)
	rec, err := engine.Deposit(ctx, account.ID, decimal.RequireFromString("75.00"), "")
	require.NoError(t, err)

	mirror := newMemoryAudit()
	audit := NewAuditService(mirror, zap.NewNop())
	broker := &loopback{}

	procCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- audit.StartProcessor(procCtx, broker) }()
	require.Eventually(t, func() bool { return broker.handlerSet() }, time.Second, time.Millisecond)

	relay := outbox.NewRelay(store, broker, time.Hour, 10, zap.NewNop())
	assert.Equal(t, 1, relay.Flush(ctx))

	mirror.mu.Lock()
	got := mirror.byRef[rec.Reference]
	event := mirror.events[rec.Reference]
	mirror.mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, models.Completed, got.Status)
	assert.Equal(t, "75.00", got.BalanceAfter.StringFixed(2))
	assert.Equal(t, models.TransactionCompleted, event)

	cancel()
	assert.NoError(t, <-done)
}
