package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// Named events a Session exposes to On.
const (
	EventMessageArrived = "message-arrived"
)

// BatchKind says how a message reached us.
type BatchKind string

const (
	// BatchNotify is a message delivered live.
	BatchNotify BatchKind = "notify"
	// BatchHistory is a message replayed from a history sync.
	BatchHistory BatchKind = "history"
)

// MessageEvent is the payload of EventMessageArrived.
type MessageEvent struct {
	Batch   BatchKind
	Message *events.Message
}

// Session is the live gateway handle owned by the connection manager.
// Each reconnect produces a new Session; listeners added with On belong to
// that Session's client only.
type Session struct {
	client      *whatsmeow.Client
	lifecycleID uint32
}

func newSession(client *whatsmeow.Client) *Session {
	return &Session{client: client}
}

// On binds fn to a named event and returns an ID for Off.
func (s *Session) On(event string, fn func(payload any)) (uint32, error) {
	switch event {
	case EventMessageArrived:
		return s.client.AddEventHandler(func(evt interface{}) {
			for _, p := range s.messagePayloads(evt) {
				fn(p)
			}
		}), nil
	}
	return 0, fmt.Errorf("whatsapp: unknown event %q", event)
}

// Off removes a binding made with On.
func (s *Session) Off(id uint32) bool {
	return s.client.RemoveEventHandler(id)
}

// SendText sends a plain conversation message.
func (s *Session) SendText(ctx context.Context, to types.JID, text string) (types.MessageID, error) {
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// JID is the paired account, empty before pairing completes.
func (s *Session) JID() string {
	if s.client.Store == nil || s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.String()
}

// IsConnected reports the client's own view of the socket.
func (s *Session) IsConnected() bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}

func (s *Session) messagePayloads(evt interface{}) []*MessageEvent {
	switch v := evt.(type) {
	case *events.Message:
		return []*MessageEvent{{Batch: BatchNotify, Message: v}}
	case *events.HistorySync:
		var out []*MessageEvent
		for _, conv := range v.Data.GetConversations() {
			chatJID, err := types.ParseJID(conv.GetID())
			if err != nil {
				L_debug("whatsapp: history sync conversation with bad jid", "id", conv.GetID(), "error", err)
				continue
			}
			for _, hm := range conv.GetMessages() {
				msg, err := s.client.ParseWebMessage(chatJID, hm.GetMessage())
				if err != nil {
					L_debug("whatsapp: failed to parse history message", "chat", chatJID.String(), "error", err)
					continue
				}
				out = append(out, &MessageEvent{Batch: BatchHistory, Message: msg})
			}
		}
		return out
	}
	return nil
}
