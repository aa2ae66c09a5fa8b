package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roelfdiedericks/wabridge/internal/metrics"
)

// ErrUnavailable is returned by Publish when there is no open broker
// connection or the broker rejects the publish.
var ErrUnavailable = errors.New("broker unavailable")

// Correlated is implemented by messages that carry a correlation id; it
// is copied into the AMQP CorrelationId property.
type Correlated interface {
	GetCorrelationID() string
}

// SessionSource yields the live session; *Manager implements it.
type SessionSource interface {
	Handle() (*Session, bool)
}

// Publisher serialises messages as JSON and publishes them persistently.
type Publisher struct {
	sessions SessionSource
	appID    string
}

// NewPublisher creates a publisher over the broker connection manager.
func NewPublisher(sessions SessionSource) *Publisher {
	return &Publisher{sessions: sessions, appID: "wabridge"}
}

// Publish marshals msg and publishes it to queue. It fails fast with
// ErrUnavailable when the broker is not connected.
func (p *Publisher) Publish(ctx context.Context, queue string, msg any) error {
	pub, err := p.build(msg)
	if err != nil {
		return err
	}

	sess, ok := p.sessions.Handle()
	if !ok {
		metrics.MetricOutcome("broker", "publish", "unavailable")
		return ErrUnavailable
	}

	if err := sess.Publish(ctx, queue, pub); err != nil {
		metrics.MetricOutcome("broker", "publish", "failed")
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, queue, err)
	}
	metrics.MetricOutcome("broker", "publish", "ok")
	return nil
}

func (p *Publisher) build(msg any) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		AppId:        p.appID,
		Body:         body,
	}
	if c, ok := msg.(Correlated); ok {
		pub.CorrelationId = c.GetCorrelationID()
	}
	return pub, nil
}
