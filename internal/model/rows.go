package model

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Row is a loosely-typed record as delivered by the change feed.
type Row = map[string]any

// ParseMessageRow converts a feed row of the messages table into a Message.
func ParseMessageRow(r Row) (Message, error) {
	id := str(r, "id")
	conv := str(r, "conversation_id")
	if id == "" || conv == "" {
		return Message{}, errors.New("message row: missing id/conversation_id")
	}
	sender, err := ParseSender(str(r, "sender"))
	if err != nil {
		return Message{}, fmt.Errorf("message row %s: %w", id, err)
	}
	typ, err := ParseMessageType(str(r, "type"))
	if err != nil {
		return Message{}, fmt.Errorf("message row %s: %w", id, err)
	}
	at, err := timeOf(r, "created_at")
	if err != nil {
		return Message{}, fmt.Errorf("message row %s: %w", id, err)
	}
	return Message{
		ID:             id,
		ConversationID: conv,
		Sender:         sender,
		Type:           typ,
		Text:           str(r, "text"),
		MediaURLs:      strs(r, "media_urls"),
		CreatedAt:      at,
	}, nil
}

// ParseConversationRow converts a feed row of the conversations table into a Conversation.
// Embedded display data is not part of feed rows and stays empty.
func ParseConversationRow(r Row) (Conversation, error) {
	id := str(r, "id")
	if id == "" {
		return Conversation{}, errors.New("conversation row: missing id")
	}
	created, err := timeOf(r, "created_at")
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation row %s: %w", id, err)
	}
	last, err := timeOf(r, "last_message_at")
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation row %s: %w", id, err)
	}
	unread, err := intOf(r, "unread_count")
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation row %s: %w", id, err)
	}
	return Conversation{
		ID:            id,
		ContactID:     str(r, "contact_id"),
		Status:        str(r, "status"),
		UnreadCount:   unread,
		CreatedAt:     created,
		LastMessageAt: last,
		LastMessage:   str(r, "last_message"),
		LocationID:    str(r, "location_id"),
	}, nil
}

func str(r Row, k string) string {
	switch v := r[k].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func strs(r Row, k string) []string {
	switch v := r[k].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intOf(r Row, k string) (int, error) {
	switch v := r[k].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", k, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s: unexpected type %T", k, r[k])
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
}

func timeOf(r Row, k string) (time.Time, error) {
	switch v := r[k].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		for _, l := range timeLayouts {
			if t, err := time.Parse(l, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%s: bad timestamp %q", k, v)
	}
	return time.Time{}, fmt.Errorf("%s: unexpected type %T", k, r[k])
}
