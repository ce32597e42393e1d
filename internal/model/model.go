// Package model defines domain entities used by services, repositories and the sync engine.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sender is the author role of a message.
type Sender string

const (
	SenderPatient Sender = "patient"
	SenderStaff   Sender = "staff"
	SenderSystem  Sender = "system"
)

// ParseSender validates a raw sender value.
func ParseSender(s string) (Sender, error) {
	switch v := Sender(s); v {
	case SenderPatient, SenderStaff, SenderSystem:
		return v, nil
	}
	return "", fmt.Errorf("unknown sender %q", s)
}

// MessageType tags the content kind of a message.
type MessageType string

const (
	TypeText               MessageType = "text"
	TypeAttachment         MessageType = "attachment"
	TypePrescriptionUpdate MessageType = "prescriptionUpdate"
	TypeSystem             MessageType = "system"
)

// ParseMessageType validates a raw message type; empty means text.
func ParseMessageType(s string) (MessageType, error) {
	if s == "" {
		return TypeText, nil
	}
	switch v := MessageType(s); v {
	case TypeText, TypeAttachment, TypePrescriptionUpdate, TypeSystem:
		return v, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// Status values with special meaning. Any other string is an ordinary status.
const (
	StatusNew       = "new"
	StatusBroadcast = "broadcast"

	broadcastPrefix = StatusBroadcast + ":"
)

// BroadcastStatus builds the status tag for a titled broadcast thread.
func BroadcastStatus(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return StatusBroadcast
	}
	return broadcastPrefix + title
}

// Contact is a patient (or phone placeholder) known to the pharmacy.
type Contact struct {
	ID         string
	Slug       string // human-readable unique key; phone placeholders use PlaceholderSlug
	Name       string
	Phone      string
	AvatarURL  string
	LocationID string
}

// IsPlaceholder reports whether the contact stands for an unsaved inbound phone number.
func (c Contact) IsPlaceholder() bool {
	_, _, ok := ParsePlaceholderSlug(c.Slug)
	return ok
}

// Conversation is a thread tied to one (direct) or many (broadcast) contacts.
type Conversation struct {
	ID            string
	ContactID     string   // primary contact; empty once migrated away
	Contact       *Contact // embedded primary contact display data, may be nil
	Participants  []Contact
	Status        string
	UnreadCount   int
	CreatedAt     time.Time
	LastMessageAt time.Time // zero when the thread has no messages
	LastMessage   string    // preview text
	LocationID    string

	// Derived display data, see reconcile.ResolveDisplay.
	DisplayName string
	AvatarURL   string
}

// IsBroadcast reports whether the thread fans out to its participants.
func (c Conversation) IsBroadcast() bool {
	return c.Status == StatusBroadcast || strings.HasPrefix(c.Status, broadcastPrefix)
}

// BroadcastTitle returns the title encoded in a "broadcast:<title>" status.
func (c Conversation) BroadcastTitle() string {
	if !strings.HasPrefix(c.Status, broadcastPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(c.Status, broadcastPrefix))
}

// Recency is the sort key of the conversation list.
func (c Conversation) Recency() time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

// NewConversation is a create intent for a conversation row.
type NewConversation struct {
	ContactID      string
	LocationID     string
	Status         string
	ParticipantIDs []string
}

// MaxTextLen is the longest message text in characters: ten concatenated SMS
// segments.
const MaxTextLen = 1600

// LocalIDPrefix marks messages synthesized locally and not yet confirmed by the server.
const LocalIDPrefix = "local-"

// LocalID returns a placeholder id for an optimistic message created at t.
func LocalID(t time.Time) string {
	return LocalIDPrefix + strconv.FormatInt(t.UnixMilli(), 10)
}

// Message is a single transcript entry.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Sender         Sender      `json:"sender"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	MediaURLs      []string    `json:"media_urls,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// IsLocal reports whether the message is an unconfirmed optimistic copy.
func (m Message) IsLocal() bool { return strings.HasPrefix(m.ID, LocalIDPrefix) }

// Preview is the cached last-message metadata of a conversation.
type Preview struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Location is the pharmacy branch the staff session operates in.
type Location struct {
	ID             string
	OutboundNumber string // E.164 number SMS is sent from
}

// Suffix returns the last four digits of the outbound number, used in placeholder slugs.
func (l Location) Suffix() string {
	d := NormalizePhone(l.OutboundNumber)
	if len(d) < 4 {
		return d
	}
	return d[len(d)-4:]
}
