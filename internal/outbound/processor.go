package outbound

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

// Outcome is how a delivery was resolved. Every delivery gets exactly one.
type Outcome int

const (
	OutcomeAcknowledged Outcome = iota
	OutcomeRejectedDiscard
	OutcomeRejectedRequeue
	// OutcomeUnresolved means the channel went away before ack or reject
	// could be sent; the broker redelivers on its own.
	OutcomeUnresolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeRejectedDiscard:
		return "rejected-discard"
	case OutcomeRejectedRequeue:
		return "rejected-requeue"
	case OutcomeUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Gateway reports whether WhatsApp is connected.
type Gateway interface {
	IsConnected() bool
}

// Sender delivers a text message to a formatted recipient.
type Sender interface {
	Send(ctx context.Context, to, text, correlationID string) bool
}

// Processor decides and applies the outcome of one delivery.
type Processor struct {
	gateway     Gateway
	sender      Sender
	format      func(string) string
	sendTimeout time.Duration
}

// NewProcessor creates a processor. Recipients are formatted with
// whatsapp.FormatRecipient.
func NewProcessor(gateway Gateway, sender Sender) *Processor {
	return &Processor{
		gateway:     gateway,
		sender:      sender,
		format:      whatsapp.FormatRecipient,
		sendTimeout: 30 * time.Second,
	}
}

// Handle processes d and resolves it with ack or reject.
func (p *Processor) Handle(d amqp.Delivery) Outcome {
	want, err := p.decide(d)
	if err != nil {
		L_warn("outbound: command not delivered", "deliveryTag", d.DeliveryTag, "outcome", want.String(), "error", err)
	}
	got := p.resolve(d, want)
	metrics.MetricOutcome("outbound", "delivery", got.String())
	L_debug("outbound: delivery resolved", "deliveryTag", d.DeliveryTag, "outcome", got.String())
	return got
}

// decide never touches the channel, so a panic here can still be resolved.
func (p *Processor) decide(d amqp.Delivery) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_error("outbound: panic processing delivery", "panic", r, "stack", string(debug.Stack()))
			out, err = OutcomeRejectedDiscard, fmt.Errorf("panic: %v", r)
		}
	}()

	cmd, err := ParseCommand(d.Body)
	if err != nil {
		return OutcomeRejectedDiscard, err
	}
	if err := cmd.Validate(); err != nil {
		return OutcomeRejectedDiscard, err
	}
	if !p.gateway.IsConnected() {
		return OutcomeRejectedRequeue, ErrGatewayUnavailable
	}

	to := p.format(cmd.To)
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()
	if !p.sender.Send(ctx, to, cmd.Text, cmd.CorrelationID) {
		// TODO: bounded retry then dead-letter once transient send errors can be told apart
		return OutcomeRejectedDiscard, fmt.Errorf("%w: to %s (correlationId %s)", ErrDeliveryFailed, to, cmd.CorrelationID)
	}
	return OutcomeAcknowledged, nil
}

func (p *Processor) resolve(d amqp.Delivery, want Outcome) (got Outcome) {
	defer func() {
		if r := recover(); r != nil {
			L_error("outbound: panic resolving delivery", "panic", r)
			got = OutcomeUnresolved
		}
	}()

	var err error
	switch want {
	case OutcomeAcknowledged:
		err = d.Ack(false)
	case OutcomeRejectedRequeue:
		err = d.Reject(true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			L_warn("outbound: channel closed before delivery was resolved", "deliveryTag", d.DeliveryTag)
		} else {
			L_error("outbound: failed to resolve delivery", "deliveryTag", d.DeliveryTag, "error", err)
		}
		return OutcomeUnresolved
	}
	return want
}
