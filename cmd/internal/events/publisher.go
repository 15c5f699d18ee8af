// Package events publishes message lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"pulse/cmd/internal/realtime"
)

// Producer is stamped into every envelope.
const Producer = "pulse"

// Meta describes one emitted event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
}

// Envelope is the message body published to the exchange.
type Envelope struct {
	Meta Meta                  `json:"meta"`
	Data realtime.MessageEvent `json:"data"`
}

// RoutingKey maps an event type to its topic key, e.g. "pulse.message.created".
func RoutingKey(eventType string) string {
	return Producer + "." + eventType
}

// NewEnvelope wraps ev with fresh metadata.
func NewEnvelope(ev realtime.MessageEvent) Envelope {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     ev.Type + ".v1",
			Producer: Producer,
			Time:     at,
		},
		Data: ev,
	}
}

// RabbitPublisher publishes to a durable topic exchange with publisher confirms.
// It implements realtime.EventPublisher.
type RabbitPublisher struct {
	log      *slog.Logger
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewRabbitPublisher dials url and declares exchange (topic, durable).
func NewRabbitPublisher(log *slog.Logger, url, exchange string) (*RabbitPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("events: empty exchange")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	p := &RabbitPublisher{log: log, conn: conn, exchange: exchange}

	ch, err := p.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.ch = ch
	return p, nil
}

func (p *RabbitPublisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// Publish implements realtime.EventPublisher and waits for the broker confirm.
func (p *RabbitPublisher) Publish(ctx context.Context, ev realtime.MessageEvent) error {
	env := NewEnvelope(ev)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	key := RoutingKey(ev.Type)
	conf, err := p.send(ctx, key, env, ev.Message.ID, body)
	if err != nil {
		return err
	}

	// Wait outside the lock so one slow confirm does not serialize other publishers.
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("events: publish nacked by broker")
	}

	p.log.Debug("events.published", "key", key, "exchange", p.exchange, "message_id", ev.Message.ID)
	return nil
}

// send publishes under the channel lock and returns the pending confirmation.
func (p *RabbitPublisher) send(ctx context.Context, key string, env Envelope, correlationID string, body []byte) (*amqp.DeferredConfirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.openChannel()
		if err != nil {
			return nil, err
		}
		p.ch = ch
	}

	return p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Type:          env.Meta.Type,
		AppId:         Producer,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
}

// Close closes the channel and connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	return p.conn.Close()
}
