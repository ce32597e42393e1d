// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/rxportal/internal/model"
)

// ConversationRepository provides access to conversation rows and their unread aggregate.
type ConversationRepository interface {
	// List returns all conversations with embedded primary contact and participants.
	List(ctx context.Context) ([]model.Conversation, error)
	// Get loads one conversation with embedded display data.
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// FindDirect returns the non-broadcast conversation of a contact.
	FindDirect(ctx context.Context, contactID string) (*model.Conversation, error)
	// Create inserts a conversation and its participant rows.
	Create(ctx context.Context, nc model.NewConversation) (*model.Conversation, error)
	// UnreadTotal returns the sum of unread counts over all conversations.
	UnreadTotal(ctx context.Context) (int, error)
	// ResetUnread sets the unread count of a conversation to zero.
	ResetUnread(ctx context.Context, id string) error
	// Touch records the latest message preview on the conversation row.
	Touch(ctx context.Context, id, preview string, at time.Time) error
	// ReassignContact moves a conversation (and its participant row) to another contact.
	ReassignContact(ctx context.Context, id, fromContactID, toContactID string) error
	// Delete removes messages, participants and the conversation, in that order.
	Delete(ctx context.Context, id string) error
}
