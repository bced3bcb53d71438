package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/abkawan/ledger-engine/internal/config"
	"github.com/abkawan/ledger-engine/internal/models"
	"go.uber.org/zap"
)

// queue/topic for transaction events
const TransactionEvents = "transaction-events"

// message headers carried next to the event payload
const (
	headerEventID       = "event_id"
	headerEventType     = "event_type"
	headerTransactionID = "transaction_id"
	headerReference     = "reference"
)

// ErrMalformed marks a delivery that can never be handled. Brokers drop it
// instead of redelivering.
var ErrMalformed = errors.New("queue: malformed event")

// Handler processes one delivered event. Returning nil acknowledges it.
type Handler func(ctx context.Context, ev models.Event) error

// Broker moves outbox events to consumers with at-least-once delivery
type Broker interface {
	Publish(ctx context.Context, ev models.Event) error

	// Consume blocks, feeding deliveries to handler until ctx is done
	Consume(ctx context.Context, handler Handler) error

	Close() error
}

// Open connects the broker selected by cfg. Kafka joins the consumer group
// only when consume is set.
func Open(cfg *config.Config, consume bool, logger *zap.Logger) (Broker, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		groupID := ""
		if consume {
			groupID = cfg.KafkaGroupID
		}
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, groupID, logger), nil
	case config.BrokerRabbitMQ:
		r, err := NewRabbitMQ(cfg.RabbitMQURI, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
}
