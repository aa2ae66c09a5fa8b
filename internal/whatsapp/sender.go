package whatsapp

import (
	"context"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
)

// groupIDMinDigits separates phone numbers (E.164 allows at most 15 digits)
// from numeric group ids, which are 18 digits or longer.
const groupIDMinDigits = 18

// FormatRecipient turns a bare identifier into a JID string.
//
// Identifiers containing "@" are used as-is. Short digit strings become
// direct chats; long digit strings and legacy "creator-timestamp" ids become
// groups. This is a length heuristic, not a directory lookup.
func FormatRecipient(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	id := strings.TrimPrefix(to, "+")
	if isDigits(id) && len(id) < groupIDMinDigits {
		return id + "@" + types.DefaultUserServer
	}
	return id + "@" + types.GroupServer
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SessionSource yields the live session; *Manager implements it.
type SessionSource interface {
	Handle() (*Session, bool)
}

// Sender pushes text messages through whichever session is live.
type Sender struct {
	sessions SessionSource
}

// NewSender creates a sender over the gateway connection manager.
func NewSender(sessions SessionSource) *Sender {
	return &Sender{sessions: sessions}
}

// Send delivers text to an already formatted JID. false always means
// "not sent": nothing is queued for later.
func (s *Sender) Send(ctx context.Context, to, text, correlationID string) bool {
	// Captured once: a reconnect may swap the manager's handle mid-send
	sess, ok := s.sessions.Handle()
	if !ok || !sess.IsConnected() {
		L_warn("whatsapp: send skipped, not connected", "correlationId", correlationID)
		metrics.MetricOutcome("whatsapp", "send", "not-connected")
		return false
	}

	jid, err := types.ParseJID(to)
	if err != nil {
		L_warn("whatsapp: invalid recipient", "to", to, "correlationId", correlationID, "error", err)
		metrics.MetricOutcome("whatsapp", "send", "invalid-recipient")
		return false
	}

	start := time.Now()
	id, err := sess.SendText(ctx, jid, text)
	if err != nil {
		L_error("whatsapp: send failed", "to", to, "correlationId", correlationID, "error", err)
		metrics.MetricOutcome("whatsapp", "send", "failed")
		return false
	}
	metrics.MetricSince("whatsapp", "send_time", start)
	metrics.MetricOutcome("whatsapp", "send", "sent")

	L_info("whatsapp: message sent", "to", to, "messageId", id, "correlationId", correlationID)
	return true
}
