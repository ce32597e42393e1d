// Package reconcile holds the pure merge rules of the sync engine: message
// signatures, transcript merging, conversation list folding and ordering, and
// display name resolution.
package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/and161185/rxportal/internal/model"
)

// Options are the signature tuning parameters.
type Options struct {
	// Granularity is the timestamp rounding of the signature key.
	Granularity time.Duration
	// EchoWindow is how far an optimistic copy and its authoritative echo may drift apart.
	EchoWindow time.Duration
	// PatientCollapse collapses repeated deliveries of the same patient message.
	PatientCollapse time.Duration
}

// DefaultOptions returns 1s granularity, 1s echo window and a 3s patient collapse window.
func DefaultOptions() Options {
	return Options{Granularity: time.Second, EchoWindow: time.Second, PatientCollapse: 3 * time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Granularity <= 0 {
		o.Granularity = d.Granularity
	}
	if o.EchoWindow < 0 {
		o.EchoWindow = 0
	}
	if o.PatientCollapse < 0 {
		o.PatientCollapse = 0
	}
	return o
}

// Key is the dedup signature of a message.
type Key struct {
	ConversationID string
	Sender         model.Sender
	Type           model.MessageType
	Text           string
	Slot           int64
}

// Key computes the signature of m.
func (o Options) Key(m model.Message) Key {
	o = o.withDefaults()
	typ := m.Type
	if typ == "" {
		typ = model.TypeText
	}
	return Key{
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Type:           typ,
		Text:           strings.TrimSpace(m.Text),
		Slot:           m.CreatedAt.Truncate(o.Granularity).UnixNano(),
	}
}

// Same reports whether a and b are the same logical message. Placeholder ids
// are millisecond stamps and may repeat, so only server ids match by id alone.
func (o Options) Same(a, b model.Message) bool {
	if a.ID != "" && a.ID == b.ID && !a.IsLocal() {
		return true
	}
	ka, kb := o.Key(a), o.Key(b)
	if ka == kb {
		return true
	}
	ka.Slot, kb.Slot = 0, 0
	if ka != kb {
		return false
	}
	o = o.withDefaults()
	d := a.CreatedAt.Sub(b.CreatedAt).Abs()
	if a.IsLocal() != b.IsLocal() && d <= o.EchoWindow {
		return true
	}
	return a.Sender == model.SenderPatient && d <= o.PatientCollapse
}

// Upsert merges m into msgs and returns the sorted result. Every entry that is the
// same logical message as m is collapsed into one keeper: a refreshed copy of the
// same id, else an authoritative entry already present, else m when it is
// authoritative, else the existing optimistic entry. changed is false when m was
// already represented.
func (o Options) Upsert(msgs []model.Message, m model.Message) (out []model.Message, changed bool) {
	var match []int
	for i := range msgs {
		if o.Same(msgs[i], m) {
			match = append(match, i)
		}
	}
	if len(match) == 0 {
		out = append(slices.Clone(msgs), m)
		SortMessages(out)
		return out, true
	}

	keeper := msgs[match[0]]
	switch {
	case !m.IsLocal() && slices.ContainsFunc(match, func(i int) bool { return msgs[i].ID == m.ID }):
		keeper = m
	case slices.ContainsFunc(match, func(i int) bool { return !msgs[i].IsLocal() }):
		for _, i := range match {
			if !msgs[i].IsLocal() {
				keeper = msgs[i]
				break
			}
		}
	case !m.IsLocal():
		keeper = m
	}
	if len(match) == 1 && equalMessage(keeper, msgs[match[0]]) {
		return slices.Clone(msgs), false
	}

	out = make([]model.Message, 0, len(msgs))
	for i, x := range msgs {
		switch {
		case i == match[0]:
			out = append(out, keeper)
		case slices.Contains(match, i):
		default:
			out = append(out, x)
		}
	}
	SortMessages(out)
	return out, true
}

func equalMessage(a, b model.Message) bool {
	return a.ID == b.ID && a.ConversationID == b.ConversationID && a.Sender == b.Sender &&
		a.Type == b.Type && a.Text == b.Text && a.CreatedAt.Equal(b.CreatedAt) &&
		slices.Equal(a.MediaURLs, b.MediaURLs)
}

// MergeTranscript combines a fetched history with locally cached messages. Server
// rows take precedence; cached entries survive only when nothing in the history
// represents them.
func (o Options) MergeTranscript(server, cached []model.Message) []model.Message {
	out := make([]model.Message, 0, len(server)+len(cached))
	for _, m := range server {
		out, _ = o.Upsert(out, m)
	}
	for _, m := range cached {
		out, _ = o.Upsert(out, m)
	}
	return out
}

// SortMessages orders a transcript by creation time; equal timestamps keep their order.
func SortMessages(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// Fold keeps one non-broadcast conversation per contact: the one with the most
// recent last message, then the most recently created. Broadcasts and
// conversations without a contact pass through. The result is sorted.
func Fold(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, 0, len(convs))
	idx := make(map[string]int, len(convs))
	for _, c := range convs {
		if c.IsBroadcast() || c.ContactID == "" {
			out = append(out, c)
			continue
		}
		i, seen := idx[c.ContactID]
		if !seen {
			idx[c.ContactID] = len(out)
			out = append(out, c)
			continue
		}
		if preferred(c, out[i]) {
			out[i] = c
		}
	}
	SortConversations(out)
	return out
}

func preferred(a, b model.Conversation) bool {
	if c := a.LastMessageAt.Compare(b.LastMessageAt); c != 0 {
		return c > 0
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// SortConversations orders by recency, newest first; ties by id.
func SortConversations(convs []model.Conversation) {
	slices.SortStableFunc(convs, func(a, b model.Conversation) int {
		if c := b.Recency().Compare(a.Recency()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// ResolveDisplay fills DisplayName and AvatarURL from participants and the
// primary contact.
func ResolveDisplay(c *model.Conversation) {
	var named []model.Contact
	for _, p := range c.Participants {
		if strings.TrimSpace(p.Name) != "" {
			named = append(named, p)
		}
	}
	switch {
	case len(named) > 1:
		names := make([]string, len(named))
		for i, p := range named {
			names[i] = strings.TrimSpace(p.Name)
		}
		c.DisplayName = strings.Join(names, ", ")
		c.AvatarURL = firstAvatar(named)
	case len(named) == 1:
		c.DisplayName = strings.TrimSpace(named[0].Name)
		c.AvatarURL = named[0].AvatarURL
	case c.BroadcastTitle() != "":
		c.DisplayName = c.BroadcastTitle()
	case c.Contact != nil:
		c.DisplayName = contactLabel(*c.Contact)
		c.AvatarURL = c.Contact.AvatarURL
	default:
		c.DisplayName = "Unknown"
	}
	if c.AvatarURL == "" && c.Contact != nil {
		c.AvatarURL = c.Contact.AvatarURL
	}
}

func contactLabel(k model.Contact) string {
	if name := strings.TrimSpace(k.Name); name != "" {
		return name
	}
	if digits, _, ok := model.ParsePlaceholderSlug(k.Slug); ok {
		return model.FormatPhone(digits)
	}
	if k.Phone != "" {
		return model.FormatPhone(k.Phone)
	}
	if k.Slug != "" {
		return k.Slug
	}
	return "Unknown"
}

func firstAvatar(cs []model.Contact) string {
	for _, c := range cs {
		if c.AvatarURL != "" {
			return c.AvatarURL
		}
	}
	return ""
}
