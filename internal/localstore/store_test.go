package localstore

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/and161185/rxportal/internal/model"
)

var secret = []byte("device-secret")

func TestStore_Records(t *testing.T) {
	s, err := OpenInMemory(secret, "staff-1")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.LastSelected()
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, s.SetLastSelected("c1"))
	id, err = s.LastSelected()
	require.NoError(t, err)
	require.Equal(t, "c1", id)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []model.Message{
		{ID: "m1", ConversationID: "c1", Sender: model.SenderPatient, Type: model.TypeText, Text: "hi", CreatedAt: at},
		{ID: "local-1", ConversationID: "c1", Sender: model.SenderStaff, Type: model.TypeText, Text: "hello", CreatedAt: at.Add(time.Second)},
	}
	require.NoError(t, s.SetMessages("c1", msgs))
	got, err := s.Messages("c1")
	require.NoError(t, err)
	require.Equal(t, msgs, got)

	none, err := s.Messages("c2")
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, s.SetPreview("c1", model.Preview{Text: "hello", At: at}))
	require.NoError(t, s.SetPreview("c2", model.Preview{Text: "refill", At: at}))
	prev, err := s.Previews()
	require.NoError(t, err)
	require.Len(t, prev, 2)
	require.Equal(t, "hello", prev["c1"].Text)
	require.True(t, prev["c2"].At.Equal(at))

	require.NoError(t, s.SetLastSelected(""))
	id, err = s.LastSelected()
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestStore_MarkDeletedClearsCachedState(t *testing.T) {
	s, err := OpenInMemory(secret, "staff-1")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetLastSelected("y"))
	require.NoError(t, s.SetMessages("y", []model.Message{{ID: "m1", ConversationID: "y"}}))
	require.NoError(t, s.SetPreview("y", model.Preview{Text: "x"}))
	require.NoError(t, s.MarkDeleted("y"))

	del, err := s.Deleted()
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"y": true}, del)

	id, _ := s.LastSelected()
	require.Empty(t, id)
	msgs, _ := s.Messages("y")
	require.Empty(t, msgs)
	prev, _ := s.Previews()
	require.NotContains(t, prev, "y")
}

func TestStore_ReopenAndSecret(t *testing.T) {
	fs := vfs.NewMem()
	s, err := OpenFS(fs, "cache", secret, "staff-1")
	require.NoError(t, err)
	require.NoError(t, s.SetLastSelected("c9"))
	require.NoError(t, s.MarkDeleted("c3"))
	require.NoError(t, s.Close())

	_, err = OpenFS(fs, "cache", []byte("wrong"), "staff-1")
	require.ErrorIs(t, err, ErrBadSecret)

	s, err = OpenFS(fs, "cache", secret, "staff-1")
	require.NoError(t, err)
	id, err := s.LastSelected()
	require.NoError(t, err)
	require.Equal(t, "c9", id)
	del, err := s.Deleted()
	require.NoError(t, err)
	require.True(t, del["c3"])
	require.NoError(t, s.Close())

	other, err := OpenFS(fs, "cache", secret, "staff-2")
	require.NoError(t, err)
	defer other.Close()
	id, err = other.LastSelected()
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestOpen_EmptyScope(t *testing.T) {
	_, err := OpenInMemory(secret, "")
	require.Error(t, err)
}
