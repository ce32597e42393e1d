package postgres

import (
	"context"
	"errors"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ContactRepo implements ContactRepository using PostgreSQL.
type ContactRepo struct{ db *DB }

// NewContactRepo constructs a contact repository.
func NewContactRepo(db *DB) *ContactRepo { return &ContactRepo{db: db} }

const selectContact = `
SELECT id::text, slug, COALESCE(name,''), COALESCE(phone,''), COALESCE(avatar_url,''), COALESCE(location_id,'')
FROM contacts`

// GetByID loads a contact by id.
func (r *ContactRepo) GetByID(ctx context.Context, id string) (*model.Contact, error) {
	return r.one(ctx, selectContact+` WHERE id=$1`, id)
}

// GetBySlug loads a contact by slug.
func (r *ContactRepo) GetBySlug(ctx context.Context, slug string) (*model.Contact, error) {
	return r.one(ctx, selectContact+` WHERE slug=$1`, slug)
}

// EnsureBySlug inserts c unless a contact with the same slug exists, and returns the stored row.
func (r *ContactRepo) EnsureBySlug(ctx context.Context, c model.Contact) (*model.Contact, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO contacts (id, slug, name, phone, avatar_url, location_id)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),NULLIF($6,''))
ON CONFLICT (slug) DO UPDATE SET slug=EXCLUDED.slug
RETURNING id::text, slug, COALESCE(name,''), COALESCE(phone,''), COALESCE(avatar_url,''), COALESCE(location_id,'')`
	var k model.Contact
	if err := r.db.Pool.QueryRow(ctx, q, id.String(), c.Slug, c.Name, c.Phone, c.AvatarURL, c.LocationID).
		Scan(&k.ID, &k.Slug, &k.Name, &k.Phone, &k.AvatarURL, &k.LocationID); err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *ContactRepo) one(ctx context.Context, q, arg string) (*model.Contact, error) {
	var k model.Contact
	err := r.db.Pool.QueryRow(ctx, q, arg).Scan(&k.ID, &k.Slug, &k.Name, &k.Phone, &k.AvatarURL, &k.LocationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}
