package service

import (
	"context"
	"fmt"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/abkawan/ledger-engine/internal/queue"
	"go.uber.org/zap"
)

// AuditStore is the write side of the audit mirror
type AuditStore interface {
	Upsert(ctx context.Context, t *models.Transaction, event models.EventType) error
}

// AuditReader serves history queries from the mirror
type AuditReader interface {
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error)
}

// handles transaction events delivered by the broker
type AuditService struct {
	store  AuditStore
	logger *zap.Logger
}

// creates a new AuditService
func NewAuditService(store AuditStore, logger *zap.Logger) *AuditService {
	return &AuditService{
		store:  store,
		logger: logger.With(zap.String("component", "audit")),
	}
}

// HandleEvent mirrors one transaction event. Undecodable events are reported
// as queue.ErrMalformed so the broker drops them.
func (s *AuditService) HandleEvent(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.TransactionCompleted, models.TransactionCancelled:
	default:
		return fmt.Errorf("%w: unknown event type %q", queue.ErrMalformed, ev.Type)
	}

	payload, err := models.DecodeTransactionEvent(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}
	tx, err := payload.Transaction()
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}

	if err := s.store.Upsert(ctx, tx, ev.Type); err != nil {
		return fmt.Errorf("failed to mirror transaction %s: %w", tx.Reference, err)
	}

	s.logger.Info("Transaction mirrored",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("reference", tx.Reference),
		zap.String("status", string(tx.Status)))
	return nil
}

// starts consuming events; blocks until ctx is done
func (s *AuditService) StartProcessor(ctx context.Context, broker queue.Broker) error {
	s.logger.Info("Starting audit processor")
	if err := broker.Consume(ctx, s.HandleEvent); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to consume transaction events: %w", err)
	}
	return nil
}
