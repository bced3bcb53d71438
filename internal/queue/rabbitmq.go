package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// channel is the part of *amqp.Channel the broker uses
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// handles RabbitMQ operations. The channel runs in confirm mode, so Publish
// returns only once the broker has taken responsibility for the message.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel channel
	queue   amqp.Queue
	logger  *zap.Logger

	// guards publish and its confirm wait; published is the last delivery tag
	mu        sync.Mutex
	confirms  <-chan amqp.Confirmation
	published uint64

	// pause before a failed delivery is requeued
	retry time.Duration
}

var _ Broker = (*RabbitMQ)(nil)

// room for confirms left unread by cancelled waits
const confirmBuffer = 64

func NewRabbitMQ(uri string, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		TransactionEvents, // name
		true,              // durable
		false,             // delete when unused
		false,             // exclusive
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		queue:    q,
		logger:   logger.With(zap.String("component", "rabbitmq")),
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		retry:    time.Second,
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// publishes an outbox event to the queue and waits for the broker's confirm
func (r *RabbitMQ) Publish(ctx context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.channel.Publish(
		"",           // exchange
		r.queue.Name, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    ev.ID,
			Type:         string(ev.Type),
			Timestamp:    ev.CreatedAt,
			Body:         ev.Payload,
			DeliveryMode: amqp.Persistent, // make message persistent
			Headers: amqp.Table{
				headerTransactionID: ev.TransactionID,
				headerReference:     ev.Reference,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}
	r.published++

	return r.waitConfirm(ctx, r.published)
}

// waitConfirm blocks until the broker acks or nacks delivery tag. Confirms
// for earlier tags belong to waits that were cancelled and are skipped.
func (r *RabbitMQ) waitConfirm(ctx context.Context, tag uint64) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for publish confirm: %w", ctx.Err())
		case c, ok := <-r.confirms:
			if !ok {
				return errors.New("rabbitmq confirm channel closed")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("broker nacked message %d", tag)
			}
			return nil
		}
	}
}

// consumes events from the queue until ctx is done
func (r *RabbitMQ) Consume(ctx context.Context, handler Handler) error {
	if err := r.channel.Qos(16, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := r.channel.Consume(
		r.queue.Name, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			r.deliver(ctx, msg, handler)
		}
	}
}

func (r *RabbitMQ) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	ev := models.Event{
		ID:            msg.MessageId,
		Type:          models.EventType(msg.Type),
		TransactionID: headerString(msg.Headers, headerTransactionID),
		Reference:     headerString(msg.Headers, headerReference),
		Payload:       msg.Body,
		CreatedAt:     msg.Timestamp,
	}

	err := handler(ctx, ev)
	switch {
	case err == nil:
		msg.Ack(false)
	case errors.Is(err, ErrMalformed):
		r.logger.Error("Dropping malformed event", zap.String("event_id", ev.ID), zap.Error(err))
		msg.Reject(false) // Don't requeue
	default:
		r.logger.Warn("Event handling failed, requeueing",
			zap.String("event_id", ev.ID), zap.Duration("backoff", r.retry), zap.Error(err))
		// a requeued message comes straight back to this consumer
		sleep(ctx, r.retry)
		msg.Nack(false, true)
	}
}

func headerString(h amqp.Table, key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}
