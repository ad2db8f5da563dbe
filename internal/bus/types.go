package bus

import "strings"

// GroupSuffix marks a WhatsApp group JID ("1203630...@g.us").
const GroupSuffix = "@g.us"

// DirectSuffix is appended to a bare phone number to build a user JID.
const DirectSuffix = "@s.whatsapp.net"

// InboundMessage represents a message received from the transport.
// ChatID is the conversation key: the remote party for DMs, the group JID for groups.
type InboundMessage struct {
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	MessageID  string `json:"message_id,omitempty"`
	IsGroup    bool   `json:"is_group"`
	Content    string `json:"content"`
	Attachment []byte `json:"-"` // raw image bytes, nil for text messages
	FromSelf   bool   `json:"from_self,omitempty"`
}

// HasImage reports whether the message carries an image attachment.
func (m InboundMessage) HasImage() bool { return len(m.Attachment) > 0 }

// Event represents a server-side event to broadcast to stream subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// IsGroupChat reports whether a conversation key addresses a group.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, GroupSuffix)
}

// DirectChatID builds a user JID from a phone number, dropping every non-digit.
// Returns "" when no digits remain.
func DirectChatID(number string) string {
	digits := DigitsOnly(number)
	if digits == "" {
		return ""
	}
	return digits + DirectSuffix
}

// DigitsOnly strips everything except ASCII digits ("+91 855-108" → "91855108").
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
