package reconcile

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/rxportal/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, s model.Sender, text string, at time.Time) model.Message {
	return model.Message{ID: id, ConversationID: "X", Sender: s, Type: model.TypeText, Text: text, CreatedAt: at}
}

func TestUpsert_OptimisticReplacedByEcho(t *testing.T) {
	o := DefaultOptions()
	T := t0.Add(900 * time.Millisecond)
	local := msg(model.LocalID(T), model.SenderStaff, "Hello", T)

	list, changed := o.Upsert(nil, local)
	require.True(t, changed)

	echo := msg("srv-1", model.SenderStaff, "Hello", T.Add(400*time.Millisecond))
	list, changed = o.Upsert(list, echo)
	require.True(t, changed)
	require.Len(t, list, 1)
	require.Equal(t, "srv-1", list[0].ID)

	list, changed = o.Upsert(list, echo)
	require.False(t, changed)
	require.Len(t, list, 1)

	late := msg(model.LocalID(T), model.SenderStaff, "Hello", T)
	list, _ = o.Upsert(list, late)
	require.Len(t, list, 1)
	require.Equal(t, "srv-1", list[0].ID)
}

func TestUpsert_OptimisticSendsInSameMillisecond(t *testing.T) {
	o := DefaultOptions()
	T := t0.Add(250 * time.Millisecond)
	first := msg(model.LocalID(T), model.SenderStaff, "Take 2 tablets", T)
	second := msg(model.LocalID(T), model.SenderStaff, "with food", T)

	list, _ := o.Upsert(nil, first)
	list, changed := o.Upsert(list, second)
	require.True(t, changed)
	require.Len(t, list, 2)
	require.Equal(t, "Take 2 tablets", list[0].Text)
	require.Equal(t, "with food", list[1].Text)

	list, changed = o.Upsert(list, second)
	require.False(t, changed)
	require.Len(t, list, 2)

	echo := msg("srv-7", model.SenderStaff, "with food", T.Add(300*time.Millisecond))
	list, _ = o.Upsert(list, echo)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, "srv-7", list[1].ID)
}

func TestUpsert_DistinctMessagesKept(t *testing.T) {
	o := DefaultOptions()
	list, _ := o.Upsert(nil, msg("a", model.SenderStaff, "Hello", t0))
	list, _ = o.Upsert(list, msg("b", model.SenderStaff, "Hello", t0.Add(5*time.Second)))
	list, _ = o.Upsert(list, msg("c", model.SenderPatient, "Hello", t0))
	list, _ = o.Upsert(list, msg("d", model.SenderStaff, "Bye", t0))
	require.Len(t, list, 4)
}

func TestUpsert_PatientDuplicateCollapse(t *testing.T) {
	o := DefaultOptions()
	list, _ := o.Upsert(nil, msg("p1", model.SenderPatient, "refill?", t0))
	list, changed := o.Upsert(list, msg("p2", model.SenderPatient, "refill?", t0.Add(2500*time.Millisecond)))
	require.False(t, changed)
	require.Len(t, list, 1)

	o.PatientCollapse = 0
	list, _ = o.Upsert(list, msg("p3", model.SenderPatient, "refill?", t0.Add(2500*time.Millisecond)))
	require.Len(t, list, 2)
}

// Any two entries of a merged transcript with equal fields and the same rounded
// second must be one entry, whatever the arrival order.
func TestMergeTranscript_NoDuplicateSignatures(t *testing.T) {
	o := DefaultOptions()
	rng := rand.New(rand.NewSource(7))
	texts := []string{"Hello", "ok", "thanks"}
	senders := []model.Sender{model.SenderStaff, model.SenderPatient}

	var server, cached []model.Message
	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(rng.Intn(20_000)) * time.Millisecond)
		m := msg("", senders[rng.Intn(2)], texts[rng.Intn(3)], at)
		if rng.Intn(3) == 0 {
			m.ID = model.LocalID(at)
			cached = append(cached, m)
			continue
		}
		m.ID = fmt.Sprintf("srv-%d", i)
		server = append(server, m)
	}

	out := o.MergeTranscript(server, cached)
	seen := map[Key]string{}
	for _, m := range out {
		k := o.Key(m)
		prev, dup := seen[k]
		require.False(t, dup, "duplicate signature %v (%s, %s)", k, prev, m.ID)
		seen[k] = m.ID
	}

	for i := 1; i < len(out); i++ {
		require.False(t, out[i].CreatedAt.Before(out[i-1].CreatedAt), "transcript out of order at %d", i)
	}
}

func TestUpsert_CollapsesEveryMatch(t *testing.T) {
	o := DefaultOptions()
	local := msg(model.LocalID(t0), model.SenderStaff, "ok", t0)
	s1 := msg("s1", model.SenderStaff, "ok", t0.Add(1500*time.Millisecond))
	list, _ := o.Upsert(nil, local)
	list, _ = o.Upsert(list, s1)
	require.Len(t, list, 2)

	s2 := msg("s2", model.SenderStaff, "ok", t0.Add(time.Second))
	list, changed := o.Upsert(list, s2)
	require.True(t, changed)
	require.Len(t, list, 1)
	require.Equal(t, "s1", list[0].ID)
}

func TestMergeTranscript_ServerWinsAndPendingSurvives(t *testing.T) {
	o := DefaultOptions()
	server := []model.Message{
		msg("s2", model.SenderPatient, "thanks", t0.Add(2*time.Minute)),
		msg("s1", model.SenderStaff, "Hello", t0.Add(100*time.Millisecond)),
	}
	cached := []model.Message{
		msg(model.LocalID(t0), model.SenderStaff, "Hello", t0),
		msg(model.LocalID(t0.Add(3*time.Minute)), model.SenderStaff, "see you", t0.Add(3*time.Minute)),
	}
	out := o.MergeTranscript(server, cached)
	require.Len(t, out, 3)
	require.Equal(t, "s1", out[0].ID)
	require.Equal(t, "s2", out[1].ID)
	require.True(t, out[2].IsLocal())
}

func TestSortMessages_ArrivalOrderIrrelevant(t *testing.T) {
	a := msg("a", model.SenderStaff, "1", t0)
	b := msg("b", model.SenderStaff, "2", t0.Add(time.Second))
	c := msg("c", model.SenderStaff, "3", t0.Add(2*time.Second))
	for _, in := range [][]model.Message{{c, b, a}, {b, a, c}, {a, c, b}} {
		SortMessages(in)
		require.Equal(t, []string{"a", "b", "c"}, []string{in[0].ID, in[1].ID, in[2].ID})
	}
}

func TestFold_KeepsMostRecentPerContact(t *testing.T) {
	now := t0
	older := model.Conversation{ID: "old", ContactID: "k1", CreatedAt: now.Add(-10 * time.Second)}
	recent := model.Conversation{ID: "recent", ContactID: "k1", CreatedAt: now.Add(-time.Hour), LastMessageAt: now.Add(-2 * time.Second)}
	other := model.Conversation{ID: "other", ContactID: "k2", CreatedAt: now.Add(-time.Minute)}

	out := Fold([]model.Conversation{older, other, recent})
	require.Len(t, out, 2)
	require.Equal(t, "recent", out[0].ID)
	require.Equal(t, "other", out[1].ID)
}

func TestFold_BroadcastsExemptAndIdempotent(t *testing.T) {
	in := []model.Conversation{
		{ID: "b1", ContactID: "k1", Status: "broadcast", CreatedAt: t0},
		{ID: "b2", ContactID: "k1", Status: "broadcast:Flu", CreatedAt: t0.Add(time.Second)},
		{ID: "d1", ContactID: "k1", CreatedAt: t0.Add(-time.Hour), LastMessageAt: t0.Add(time.Minute)},
		{ID: "d2", ContactID: "k1", CreatedAt: t0.Add(-time.Minute)},
		{ID: "n1", CreatedAt: t0.Add(-time.Minute)},
		{ID: "n2", CreatedAt: t0.Add(-time.Minute)},
	}
	once := Fold(in)
	ids := make([]string, len(once))
	for i, c := range once {
		ids[i] = c.ID
	}
	require.Equal(t, []string{"d1", "b2", "b1", "n1", "n2"}, ids)

	twice := Fold(once)
	require.Equal(t, once, twice)
}

func TestSortConversations_RecencyFallsBackToCreated(t *testing.T) {
	cs := []model.Conversation{
		{ID: "a", CreatedAt: t0},
		{ID: "b", CreatedAt: t0.Add(-time.Hour), LastMessageAt: t0.Add(time.Minute)},
		{ID: "c", CreatedAt: t0.Add(time.Second)},
	}
	SortConversations(cs)
	require.Equal(t, "b", cs[0].ID)
	require.Equal(t, "c", cs[1].ID)
	require.Equal(t, "a", cs[2].ID)
}

func TestResolveDisplay(t *testing.T) {
	multi := model.Conversation{Status: "broadcast:Flu", Participants: []model.Contact{
		{Name: "Ann", AvatarURL: ""}, {Name: ""}, {Name: "Bob", AvatarURL: "b.png"},
	}}
	ResolveDisplay(&multi)
	require.Equal(t, "Ann, Bob", multi.DisplayName)
	require.Equal(t, "b.png", multi.AvatarURL)

	one := model.Conversation{Participants: []model.Contact{{Name: "Ann", AvatarURL: "a.png"}}}
	ResolveDisplay(&one)
	require.Equal(t, "Ann", one.DisplayName)
	require.Equal(t, "a.png", one.AvatarURL)

	titled := model.Conversation{Status: "broadcast:Flu shots"}
	ResolveDisplay(&titled)
	require.Equal(t, "Flu shots", titled.DisplayName)

	ph := model.Conversation{Contact: &model.Contact{Slug: "phone-5551234567-4567"}}
	ResolveDisplay(&ph)
	require.Equal(t, "(555) 123-4567", ph.DisplayName)

	named := model.Conversation{Contact: &model.Contact{Slug: "jane-doe", Name: "Jane Doe", AvatarURL: "j.png"}}
	ResolveDisplay(&named)
	require.Equal(t, "Jane Doe", named.DisplayName)
	require.Equal(t, "j.png", named.AvatarURL)

	var empty model.Conversation
	ResolveDisplay(&empty)
	require.Equal(t, "Unknown", empty.DisplayName)
}
