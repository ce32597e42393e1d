package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/rxportal/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// ListByConversation returns the transcript in creation order.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]model.Message, error) {
	const q = `
SELECT id::text, conversation_id::text, sender, type, COALESCE(text,''), COALESCE(media_urls,'{}'), created_at
FROM messages
WHERE conversation_id=$1
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var (
			m           model.Message
			sender, typ string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &typ, &m.Text, &m.MediaURLs, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Sender, err = model.ParseSender(sender); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		if m.Type, err = model.ParseMessageType(typ); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Insert stores a message with a fresh server id; created_at comes from the database.
func (r *MessageRepo) Insert(ctx context.Context, m model.Message) (model.Message, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return model.Message{}, err
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	const q = `
INSERT INTO messages (id, conversation_id, sender, type, text, media_urls)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6)
RETURNING created_at`
	out := m
	out.ID = id.String()
	if err := r.db.Pool.QueryRow(ctx, q, out.ID, m.ConversationID, string(m.Sender), string(m.Type), m.Text, m.MediaURLs).
		Scan(&out.CreatedAt); err != nil {
		return model.Message{}, err
	}
	return out, nil
}
