// Package inbound turns WhatsApp message events into canonical messages and
// queues them on the broker.
package inbound

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

// CanonicalMessage is the queued form of an inbound chat message.
type CanonicalMessage struct {
	CorrelationID     string `json:"correlationId"`
	ExternalMessageID string `json:"externalMessageId"`
	WATimestamp       int64  `json:"waTimestamp"`
	From              string `json:"from"`
	PushName          string `json:"pushName"`
	Text              string `json:"text"`
}

// GetCorrelationID lets the broker publisher copy the id into the message
// properties.
func (m CanonicalMessage) GetCorrelationID() string { return m.CorrelationID }

// Publisher queues a message.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg any) error
}

// DropReason says why a message was not queued.
type DropReason string

const (
	DropSelfEcho        DropReason = "self-echo"
	DropNotNotify       DropReason = "not-notify"
	DropNoSender        DropReason = "no-sender"
	DropStatusBroadcast DropReason = "status-broadcast"
	DropSystemStub      DropReason = "system-stub"
	DropBroadcastList   DropReason = "broadcast-list"
	DropUnparseable     DropReason = "unparseable"
)

// Processor is the dispatch handler for whatsapp.EventMessageArrived.
type Processor struct {
	publisher Publisher
	queue     string
	newID     func() string
}

// NewProcessor creates a processor publishing to queue.
func NewProcessor(publisher Publisher, queue string) *Processor {
	return &Processor{
		publisher: publisher,
		queue:     queue,
		newID:     uuid.NewString,
	}
}

// Event implements dispatch.Handler.
func (p *Processor) Event() string { return whatsapp.EventMessageArrived }

// Handle filters, extracts and publishes one message. A failed publish is
// logged and dropped: WhatsApp will not redeliver an event it already sent.
func (p *Processor) Handle(ctx context.Context, payload any) error {
	evt, ok := payload.(*whatsapp.MessageEvent)
	if !ok || evt == nil {
		return fmt.Errorf("inbound: unexpected payload %T", payload)
	}

	msg, reason := p.Build(evt)
	if reason != "" {
		var id string
		if evt.Message != nil {
			id = evt.Message.Info.ID
		}
		L_debug("inbound: message dropped", "reason", string(reason), "messageId", id)
		metrics.MetricOutcome("inbound", "message", string(reason))
		return nil
	}

	if err := p.publisher.Publish(ctx, p.queue, msg); err != nil {
		L_error("inbound: publish failed, message lost", "messageId", msg.ExternalMessageID, "correlationId", msg.CorrelationID, "error", err)
		metrics.MetricOutcome("inbound", "message", "publish-failed")
		return nil
	}

	metrics.MetricOutcome("inbound", "message", "queued")
	L_info("inbound: message queued", "from", msg.From, "messageId", msg.ExternalMessageID, "correlationId", msg.CorrelationID)
	return nil
}

// Build applies the filter rules and, if the message survives, extracts a
// CanonicalMessage. A non-empty reason means the message is dropped.
func (p *Processor) Build(evt *whatsapp.MessageEvent) (CanonicalMessage, DropReason) {
	if reason := Filter(evt); reason != "" {
		return CanonicalMessage{}, reason
	}

	m := evt.Message
	text := ExtractText(m.Message)
	if text == "" {
		return CanonicalMessage{}, DropUnparseable
	}

	return CanonicalMessage{
		CorrelationID:     p.newID(),
		ExternalMessageID: m.Info.ID,
		WATimestamp:       m.Info.Timestamp.Unix(),
		From:              m.Info.Chat.String(),
		PushName:          m.Info.PushName,
		Text:              text,
	}, ""
}

// Filter returns the first drop rule the event matches, or "" to keep it.
// Rules are checked in a fixed order.
func Filter(evt *whatsapp.MessageEvent) DropReason {
	m := evt.Message
	if m == nil {
		return DropSystemStub
	}
	info := m.Info

	switch {
	case info.IsFromMe:
		return DropSelfEcho
	case evt.Batch != whatsapp.BatchNotify:
		return DropNotNotify
	case info.Chat.IsEmpty():
		return DropNoSender
	case info.Chat == types.StatusBroadcastJID:
		return DropStatusBroadcast
	case m.Message == nil || m.Message.GetProtocolMessage() != nil:
		return DropSystemStub
	case info.Chat.Server == types.BroadcastServer || !info.BroadcastListOwner.IsEmpty():
		return DropBroadcastList
	}
	return ""
}
