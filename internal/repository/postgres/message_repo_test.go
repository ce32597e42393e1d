package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var msgCols = []string{"id", "conversation_id", "sender", "type", "text", "media_urls", "created_at"}

func TestMessageRepo_ListByConversation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM messages\s+WHERE conversation_id=\$1\s+ORDER BY created_at ASC, id ASC`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(msgCols).
			AddRow("m1", "c1", "patient", "text", "need refill", []string{}, t0).
			AddRow("m2", "c1", "staff", "prescriptionUpdate", "ready", []string{}, t0.Add(time.Minute)))

	out, err := r.ListByConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.SenderPatient, out[0].Sender)
	require.Equal(t, model.TypePrescriptionUpdate, out[1].Type)
}

func TestMessageRepo_ListByConversation_BadSender(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`FROM messages`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(msgCols).
			AddRow("m1", "c1", "bot", "text", "x", []string{}, time.Now()))

	_, err := r.ListByConversation(context.Background(), "c1")
	require.Error(t, err)
}

func TestMessageRepo_ListByConversation_QueryError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	mock.ExpectQuery(`FROM messages`).WithArgs("c1").WillReturnError(errors.New("conn reset"))

	out, err := r.ListByConversation(context.Background(), "c1")
	require.Error(t, err)
	require.Nil(t, out)
}

func TestMessageRepo_Insert_AssignsServerIdentity(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)

	at := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO messages \(id, conversation_id, sender, type, text, media_urls\)`).
		WithArgs(pgxmock.AnyArg(), "c1", "staff", "text", "Hello", []string(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(at))

	out, err := r.Insert(context.Background(), model.Message{
		ID: "local-1", ConversationID: "c1", Sender: model.SenderStaff, Text: "Hello",
	})
	require.NoError(t, err)
	require.NotEqual(t, "local-1", out.ID)
	require.False(t, out.IsLocal())
	require.Equal(t, at, out.CreatedAt)
	require.Equal(t, model.TypeText, out.Type)
}

func TestContactRepo_Lookups(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContactRepo(db)

	cols := []string{"id", "slug", "name", "phone", "avatar_url", "location_id"}
	mock.ExpectQuery(`FROM contacts WHERE id=\$1`).WithArgs("k1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("k1", "jane-doe", "Jane Doe", "5551234567", "", "loc1"))
	mock.ExpectQuery(`FROM contacts WHERE slug=\$1`).WithArgs("phone-5551234567-4567").
		WillReturnError(pgx.ErrNoRows)

	k, err := r.GetByID(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, "Jane Doe", k.Name)

	_, err = r.GetBySlug(context.Background(), "phone-5551234567-4567")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestContactRepo_EnsureBySlug(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContactRepo(db)

	cols := []string{"id", "slug", "name", "phone", "avatar_url", "location_id"}
	mock.ExpectQuery(`INSERT INTO contacts .* ON CONFLICT \(slug\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "phone-5551234567-4567", "", "5551234567", "", "loc1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("k-old", "phone-5551234567-4567", "", "5551234567", "", "loc1"))

	k, err := r.EnsureBySlug(context.Background(), model.Contact{Slug: "phone-5551234567-4567", Phone: "5551234567", LocationID: "loc1"})
	require.NoError(t, err)
	require.Equal(t, "k-old", k.ID)
	require.True(t, k.IsPlaceholder())
}
