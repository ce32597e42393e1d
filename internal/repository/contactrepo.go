package repository

import (
	"context"

	"github.com/and161185/rxportal/internal/model"
)

// ContactRepository provides read access to contacts.
type ContactRepository interface {
	// GetByID loads a contact by its opaque id.
	GetByID(ctx context.Context, id string) (*model.Contact, error)
	// GetBySlug loads a contact by its human-readable slug (placeholder slugs included).
	GetBySlug(ctx context.Context, slug string) (*model.Contact, error)
	// EnsureBySlug returns the contact with c.Slug, inserting c when absent.
	EnsureBySlug(ctx context.Context, c model.Contact) (*model.Contact, error)
}
