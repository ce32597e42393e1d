// Package convert turns engine and tracker state into protobuf well-known types
// for the diagnostics API. Message bodies and previews are never included.
package convert

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
	"github.com/and161185/rxportal/internal/unread"
)

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ConversationMap converts a conversation without its preview text.
func ConversationMap(c model.Conversation) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"contact_id":      c.ContactID,
		"display_name":    c.DisplayName,
		"status":          c.Status,
		"broadcast":       c.IsBroadcast(),
		"unread":          c.UnreadCount,
		"participants":    len(c.Participants),
		"created_at":      ts(c.CreatedAt),
		"last_message_at": ts(c.LastMessageAt),
	}
}

// MessageMap converts a message without its text or media.
func MessageMap(m model.Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"sender":     string(m.Sender),
		"type":       string(m.Type),
		"local":      m.IsLocal(),
		"media":      len(m.MediaURLs),
		"created_at": ts(m.CreatedAt),
	}
}

// UnreadMap converts tracker diagnostics.
func UnreadMap(s unread.State) map[string]any {
	out := map[string]any{
		"total":          s.Total,
		"subscribers":    s.Subscribers,
		"started":        s.Started,
		"feed_connected": s.FeedConnected,
		"refreshes":      s.Refreshes,
		"last_refresh":   ts(s.LastRefresh),
	}
	if s.LastError != "" {
		out["last_error"] = s.LastError
	}
	return out
}

// EngineMap converts an engine snapshot.
func EngineMap(s portal.Snapshot) map[string]any {
	convs := make([]any, 0, len(s.Conversations))
	for _, c := range s.Conversations {
		convs = append(convs, ConversationMap(c))
	}
	msgs := make([]any, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, MessageMap(m))
	}
	deleted := make([]any, 0, len(s.Deleted))
	for _, id := range s.Deleted {
		deleted = append(deleted, id)
	}
	return map[string]any{
		"phase":         s.Phase.String(),
		"selected":      s.Selected,
		"conversations": convs,
		"messages":      msgs,
		"deleted":       deleted,
	}
}

// State builds the DumpState payload.
func State(s portal.Snapshot, u unread.State) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"engine": EngineMap(s),
		"unread": UnreadMap(u),
	})
}
