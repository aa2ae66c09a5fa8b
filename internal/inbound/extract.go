package inbound

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// ExtractText returns the first non-empty text candidate, in order: plain
// conversation, extended text, button reply, list reply.
func ExtractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	candidates := []string{
		msg.GetConversation(),
		msg.GetExtendedTextMessage().GetText(),
		msg.GetButtonsResponseMessage().GetSelectedDisplayText(),
		msg.GetListResponseMessage().GetTitle(),
	}
	for _, c := range candidates {
		if t := strings.TrimSpace(c); t != "" {
			return t
		}
	}
	return ""
}
