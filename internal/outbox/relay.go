package outbox

import (
	"context"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"go.uber.org/zap"
)

// Source is the part of the store the relay drains
type Source interface {
	DrainOutbox(ctx context.Context, limit int, publish ledger.PublishFunc) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Relay moves committed outbox events to the broker. An event is marked sent
// only after the broker accepted it, so delivery is at least once.
type Relay struct {
	source       Source
	publisher    Publisher
	pollInterval time.Duration
	batchSize    int
	logger       *zap.Logger
}

func NewRelay(source Source, publisher Publisher, pollInterval time.Duration, batchSize int, logger *zap.Logger) *Relay {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		source:       source,
		publisher:    publisher,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger.With(zap.String("component", "outbox_relay")),
	}
}

// Run polls until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Starting outbox relay",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush drains full batches until the outbox is empty or a publish fails.
// It returns the number of events sent.
func (r *Relay) Flush(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		sent, err := r.source.DrainOutbox(ctx, r.batchSize, r.publisher.Publish)
		total += sent
		if err != nil {
			r.logger.Error("Failed to relay outbox events", zap.Int("sent", sent), zap.Error(err))
			break
		}
		if sent < r.batchSize {
			break
		}
	}
	if total > 0 {
		r.logger.Debug("Relayed outbox events", zap.Int("count", total))
	}
	return total
}
