package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

const selectConversation = `
SELECT c.id::text, COALESCE(c.contact_id::text,''), COALESCE(c.location_id,''), c.status, c.unread_count,
       c.created_at, c.last_message_at, COALESCE(c.last_message,''),
       COALESCE(k.id::text,''), COALESCE(k.slug,''), COALESCE(k.name,''), COALESCE(k.phone,''), COALESCE(k.avatar_url,'')
FROM conversations c
LEFT JOIN contacts k ON k.id = c.contact_id`

const selectParticipants = `
SELECT p.conversation_id::text, k.id::text, k.slug, COALESCE(k.name,''), COALESCE(k.phone,''), COALESCE(k.avatar_url,'')
FROM conversation_participants p
JOIN contacts k ON k.id = p.contact_id`

func scanConversation(s scanner) (model.Conversation, error) {
	var (
		c    model.Conversation
		last *time.Time
		k    model.Contact
	)
	if err := s.Scan(&c.ID, &c.ContactID, &c.LocationID, &c.Status, &c.UnreadCount,
		&c.CreatedAt, &last, &c.LastMessage,
		&k.ID, &k.Slug, &k.Name, &k.Phone, &k.AvatarURL); err != nil {
		return model.Conversation{}, err
	}
	if last != nil {
		c.LastMessageAt = *last
	}
	if k.ID != "" {
		k.LocationID = c.LocationID
		c.Contact = &k
	}
	return c, nil
}

// List returns all conversations with embedded display data, most recent first.
func (r *ConversationRepo) List(ctx context.Context) ([]model.Conversation, error) {
	rows, err := r.db.Pool.Query(ctx, selectConversation+`
ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`)
	if err != nil {
		return nil, err
	}
	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	parts, err := r.participants(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Participants = parts[out[i].ID]
	}
	return out, nil
}

// participants loads participant contacts grouped by conversation id; convID=="" loads all.
func (r *ConversationRepo) participants(ctx context.Context, convID string) (map[string][]model.Contact, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if convID == "" {
		rows, err = r.db.Pool.Query(ctx, selectParticipants+`
ORDER BY p.conversation_id, p.position`)
	} else {
		rows, err = r.db.Pool.Query(ctx, selectParticipants+`
WHERE p.conversation_id=$1
ORDER BY p.position`, convID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]model.Contact)
	for rows.Next() {
		var (
			cid string
			k   model.Contact
		)
		if err := rows.Scan(&cid, &k.ID, &k.Slug, &k.Name, &k.Phone, &k.AvatarURL); err != nil {
			return nil, err
		}
		out[cid] = append(out[cid], k)
	}
	return out, rows.Err()
}

func (r *ConversationRepo) one(ctx context.Context, where string, arg string) (*model.Conversation, error) {
	c, err := scanConversation(r.db.Pool.QueryRow(ctx, selectConversation+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	parts, err := r.participants(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Participants = parts[c.ID]
	return &c, nil
}

// Get loads one conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return r.one(ctx, `
WHERE c.id=$1`, id)
}

// FindDirect returns the most recent non-broadcast conversation of a contact.
func (r *ConversationRepo) FindDirect(ctx context.Context, contactID string) (*model.Conversation, error) {
	return r.one(ctx, `
WHERE c.contact_id=$1 AND c.status <> 'broadcast' AND c.status NOT LIKE 'broadcast:%'
ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
LIMIT 1`, contactID)
}

// Create inserts a conversation row and its participant rows in one transaction.
func (r *ConversationRepo) Create(ctx context.Context, nc model.NewConversation) (*model.Conversation, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	status := nc.Status
	if status == "" {
		status = model.StatusNew
	}
	c := model.Conversation{ID: id.String(), ContactID: nc.ContactID, LocationID: nc.LocationID, Status: status}

	const ins = `INSERT INTO conversations (id, contact_id, location_id, status) VALUES ($1,NULLIF($2,'')::uuid,$3,$4) RETURNING created_at`
	const insPart = `INSERT INTO conversation_participants (conversation_id, contact_id, position) VALUES ($1,$2,$3)`

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, ins, c.ID, nc.ContactID, nc.LocationID, status).Scan(&c.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return err
		}
		for i, pid := range nc.ParticipantIDs {
			if _, err := tx.Exec(ctx, insPart, c.ID, pid, i); err != nil {
				if isUniqueViolation(err) {
					return errs.ErrAlreadyExists
				}
				return fmt.Errorf("participant[%d]: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UnreadTotal returns the authoritative unread aggregate.
func (r *ConversationRepo) UnreadTotal(ctx context.Context) (int, error) {
	const q = `SELECT COALESCE(SUM(unread_count),0)::bigint FROM conversations`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ResetUnread zeroes the unread count of one conversation.
func (r *ConversationRepo) ResetUnread(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE conversations SET unread_count=0 WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Touch records the latest preview; the timestamp never moves backwards.
func (r *ConversationRepo) Touch(ctx context.Context, id, preview string, at time.Time) error {
	const q = `
UPDATE conversations
SET last_message=$2, last_message_at=GREATEST(COALESCE(last_message_at,$3),$3)
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, preview, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ReassignContact moves a placeholder conversation onto a saved contact.
func (r *ConversationRepo) ReassignContact(ctx context.Context, id, fromContactID, toContactID string) error {
	const updConv = `UPDATE conversations SET contact_id=$2 WHERE id=$1 AND contact_id=$3`
	const updPart = `UPDATE conversation_participants SET contact_id=$2 WHERE conversation_id=$1 AND contact_id=$3`
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updConv, id, toContactID, fromContactID)
		if err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		_, err = tx.Exec(ctx, updPart, id, toContactID, fromContactID)
		return err
	})
}

// Delete removes dependent rows before the conversation row; cascades are not relied upon.
func (r *ConversationRepo) Delete(ctx context.Context, id string) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id=$1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_participants WHERE conversation_id=$1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}
