package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka publishes events keyed by transaction id, so every event of one
// transaction lands on the same partition in order.
type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *zap.Logger
	retry  time.Duration
	topic  string
}

var _ Broker = (*Kafka)(nil)

// NewKafka builds a producer and, when groupID is set, a group consumer
func NewKafka(brokers []string, topic, groupID string, logger *zap.Logger) *Kafka {
	logger = logger.With(zap.String("component", "kafka"))
	k := &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Logger:       zap.NewStdLog(logger.With(zap.String("kafka_component", "producer"))),
		},
		logger: logger,
		retry:  time.Second,
		topic:  topic,
	}
	if groupID != "" {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       10e3,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Error(fmt.Sprintf(msg, args...))
			}),
		})
	}
	logger.Info("Kafka broker initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return k
}

func (k *Kafka) Publish(ctx context.Context, ev models.Event) error {
	msg := kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: ev.Payload,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(ev.ID)},
			{Key: headerEventType, Value: []byte(ev.Type)},
			{Key: headerTransactionID, Value: []byte(ev.TransactionID)},
			{Key: headerReference, Value: []byte(ev.Reference)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Consume commits an offset only after handler accepted the message.
// A failing message is retried in place so later offsets are never
// committed past it.
func (k *Kafka) Consume(ctx context.Context, handler Handler) error {
	if k.reader == nil {
		return errors.New("kafka consumer requires a group id")
	}
	k.logger.Info("Kafka consumer started", zap.String("topic", k.topic))

	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("Error fetching message from Kafka", zap.Error(err))
			if !sleep(ctx, k.retry) {
				return ctx.Err()
			}
			continue
		}

		ev := eventFromMessage(msg)
		for {
			err := handler(ctx, ev)
			if err == nil {
				break
			}
			if errors.Is(err, ErrMalformed) {
				k.logger.Error("Dropping malformed event",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				break
			}
			k.logger.Warn("Event handling failed, retrying",
				zap.String("event_id", ev.ID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			if !sleep(ctx, k.retry) {
				return ctx.Err()
			}
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			k.logger.Error("Failed to commit offset for message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func (k *Kafka) Close() error {
	var errs []error
	if err := k.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Kafka producer: %w", err))
	}
	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Kafka consumer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func eventFromMessage(msg kafka.Message) models.Event {
	ev := models.Event{Payload: msg.Value, CreatedAt: msg.Time}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerEventID:
			ev.ID = string(h.Value)
		case headerEventType:
			ev.Type = models.EventType(h.Value)
		case headerTransactionID:
			ev.TransactionID = string(h.Value)
		case headerReference:
			ev.Reference = string(h.Value)
		}
	}
	return ev
}

// sleep waits d, reporting false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
