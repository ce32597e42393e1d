package repository

import (
	"context"

	"github.com/and161185/rxportal/internal/model"
)

// MessageRepository provides append-only access to transcript rows.
type MessageRepository interface {
	// ListByConversation returns the full history of a conversation ordered by creation time.
	ListByConversation(ctx context.Context, conversationID string) ([]model.Message, error)
	// Insert stores a message; the server assigns id and creation time.
	Insert(ctx context.Context, m model.Message) (model.Message, error)
}
