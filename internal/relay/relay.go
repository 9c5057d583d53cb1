// ABOUTME: Optional AMQP fan-out of bus events to a durable topic exchange.
// ABOUTME: Publisher-confirm publishing with a no-op fallback when relay is unconfigured.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/2389/loom-gateway/internal/bus"
)

// Publisher pushes bus events to an external broker.
type Publisher interface {
	// Forward implements bus.Forwarder; errors are logged, never returned.
	Forward(ctx context.Context, event *bus.Event)
	Close() error
}

type amqpPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// New connects to the broker at url, declares a durable topic exchange and
// returns a confirming publisher. Events go out with routing key
// "events.<tenant>.<kind>".
func New(url, exchange string, logger *slog.Logger) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &amqpPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "relay"),
	}, nil
}

// Forward publishes the event, waiting for broker confirmation. Failures
// are logged only; event emission never depends on the relay.
func (p *amqpPublisher) Forward(ctx context.Context, event *bus.Event) {
	if err := p.publish(ctx, event); err != nil {
		p.logger.Warn("relay publish failed",
			"tenant", event.TenantID, "kind", event.Kind, "error", err)
	}
}

func (p *amqpPublisher) publish(ctx context.Context, event *bus.Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enabling confirms: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	key := fmt.Sprintf("events.%s.%s", event.TenantID, event.Kind)
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("publishing: %w", err)
	}

	if ok, err := confirm.WaitContext(ctx); err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	} else if !ok {
		return fmt.Errorf("broker nacked publish")
	}
	return nil
}

// Close closes the broker connection.
func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}

// fallbackPublisher drops every event with a debug log line.
type fallbackPublisher struct {
	logger *slog.Logger
}

// NewFallback returns a publisher that skips publishing entirely, for
// deployments without a broker.
func NewFallback(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackPublisher{logger: logger.With("component", "relay")}
}

func (p *fallbackPublisher) Forward(_ context.Context, event *bus.Event) {
	p.logger.Debug("relay disabled: skipped publish", "tenant", event.TenantID, "kind", event.Kind)
}

func (p *fallbackPublisher) Close() error {
	return nil
}
