package portal

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/feed"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/reconcile"
)

var listSpec = feed.Spec{
	Table: feed.TableConversations,
	Types: []feed.EventType{feed.Insert, feed.Update, feed.Delete},
}

// LoadConversationList fetches the list, resolves display data, drops deleted
// ids, overlays newer cached previews, folds duplicates and sorts by recency. On
// error the previous list is kept.
func (e *Engine) LoadConversationList(ctx context.Context) ([]model.Conversation, error) {
	list, err := e.backend.List(ctx)
	if err != nil {
		e.log.Warn("conversation list fetch failed", zap.Error(err))
		return e.Snapshot().Conversations, err
	}

	e.mu.Lock()
	out := make([]model.Conversation, 0, len(list))
	for _, c := range list {
		if e.deleted[c.ID] {
			continue
		}
		reconcile.ResolveDisplay(&c)
		overlayPreview(&c, e.previews)
		out = append(out, c)
	}
	e.convs = reconcile.Fold(out)
	e.sortLocked()
	res := slices.Clone(e.convs)
	e.mu.Unlock()

	e.emit(EventList, "")
	return res, nil
}

// overlayPreview applies a cached preview that is newer than the row's.
func overlayPreview(c *model.Conversation, previews map[string]model.Preview) {
	p, ok := previews[c.ID]
	if !ok || !p.At.After(c.LastMessageAt) {
		return
	}
	c.LastMessage = p.Text
	c.LastMessageAt = p.At
}

// watchList consumes conversation events for the engine's lifetime. A nil sub
// means the first subscribe attempt failed. Every resubscription reloads the list
// to cover events missed while disconnected.
func (e *Engine) watchList(ctx context.Context, sub feed.Subscription) {
	b := e.backoff()
	for {
		if sub != nil {
			for ev := range sub.Events() {
				e.handleConversationEvent(ctx, ev)
			}
			sub.Close()
		}
		if ctx.Err() != nil {
			return
		}
		var err error
		for {
			sub, err = e.feed.Subscribe(ctx, listSpec)
			if err == nil {
				break
			}
			d, stop := b.Next()
			if stop {
				e.log.Error("list feed resubscription abandoned", zap.Error(err))
				return
			}
			if !sleep(ctx, d) {
				return
			}
		}
		b = e.backoff()
		if _, err := e.LoadConversationList(ctx); err != nil {
			e.log.Warn("list reload after resubscribe failed", zap.Error(err))
		}
	}
}

func (e *Engine) handleConversationEvent(ctx context.Context, ev feed.Event) {
	if e.m != nil {
		e.m.FeedEvents.WithLabelValues(ev.Table, string(ev.Type)).Inc()
	}
	if ev.Type == feed.Delete {
		id, _ := ev.Row()["id"].(string)
		if id != "" {
			e.removeConversation(id)
		}
		return
	}
	c, err := model.ParseConversationRow(ev.Row())
	if err != nil {
		e.log.Warn("bad conversation row", zap.Error(err))
		return
	}
	switch ev.Type {
	case feed.Update:
		trimmed := ev.Trimmed
		e.updates.Trigger(c.ID, e.tracked(func() {
			if trimmed {
				c = e.fullRow(ctx, c)
			}
			e.patchConversation(ctx, c)
		}))
	case feed.Insert:
		e.insertConversation(ctx, c)
	}
}

// patchConversation applies backend values of an updated row in place.
func (e *Engine) patchConversation(ctx context.Context, row model.Conversation) {
	e.mu.Lock()
	if e.deleted[row.ID] {
		e.mu.Unlock()
		return
	}
	i := e.indexLocked(row.ID)
	if i < 0 {
		e.mu.Unlock()
		e.insertConversation(ctx, row)
		return
	}
	c := &e.convs[i]
	refetch := row.ContactID != c.ContactID
	c.UnreadCount = row.UnreadCount
	c.Status = row.Status
	if !row.LastMessageAt.IsZero() {
		c.LastMessage = row.LastMessage
		c.LastMessageAt = row.LastMessageAt
	}
	overlayPreview(c, e.previews)
	e.sortLocked()
	e.mu.Unlock()
	e.emit(EventList, row.ID)

	if refetch {
		// participants changed; display data is only available from a full read
		e.refreshDisplay(ctx, row.ID)
	}
}

// fullRow re-reads a row whose preview was trimmed from the feed. On failure the
// preview fields are cleared so the patch keeps the current preview.
func (e *Engine) fullRow(ctx context.Context, row model.Conversation) model.Conversation {
	full, err := e.backend.Get(ctx, row.ID)
	if err != nil {
		e.log.Warn("trimmed conversation re-read failed", zap.String("conversation", row.ID), zap.Error(err))
		row.LastMessage, row.LastMessageAt = "", time.Time{}
		return row
	}
	return *full
}

func (e *Engine) refreshDisplay(ctx context.Context, id string) {
	full, err := e.backend.Get(ctx, id)
	if err != nil {
		e.log.Warn("conversation display refresh failed", zap.String("conversation", id), zap.Error(err))
		return
	}
	reconcile.ResolveDisplay(full)
	e.mu.Lock()
	if i := e.indexLocked(id); i >= 0 {
		c := &e.convs[i]
		c.ContactID = full.ContactID
		c.Contact = full.Contact
		c.Participants = full.Participants
		c.DisplayName = full.DisplayName
		c.AvatarURL = full.AvatarURL
	}
	e.mu.Unlock()
	e.emit(EventList, id)
}

// insertConversation adds a new row with its display data and schedules the
// auto-selection when nothing is selected or the row is brand new.
func (e *Engine) insertConversation(ctx context.Context, row model.Conversation) {
	c := row
	full, err := e.backend.Get(ctx, row.ID)
	switch {
	case err == nil:
		c = *full
	case errors.Is(err, errs.ErrNotFound):
		return
	default:
		e.log.Warn("new conversation display fetch failed", zap.String("conversation", row.ID), zap.Error(err))
	}
	reconcile.ResolveDisplay(&c)

	e.mu.Lock()
	if e.deleted[c.ID] || e.indexLocked(c.ID) >= 0 {
		e.mu.Unlock()
		return
	}
	e.convs = append(e.convs, c)
	if !c.IsBroadcast() && c.ContactID != "" {
		e.convs = reconcile.Fold(e.convs)
	}
	e.sortLocked()
	auto := e.selected == "" || e.now().Sub(c.CreatedAt) <= e.timing.AutoSelectWindow
	gen := e.gen
	e.mu.Unlock()
	e.emit(EventList, c.ID)

	if auto {
		e.inserts.Trigger(c.ID, e.tracked(func() { e.autoSelect(c.ID, gen) }))
	}
}

// autoSelect opens a newly inserted conversation unless the selection changed
// since it was scheduled, then reloads once if its transcript came back empty.
func (e *Engine) autoSelect(id string, gen uint64) {
	ctx := e.runCtx
	e.mu.Lock()
	superseded := e.gen != gen || e.indexLocked(id) < 0
	e.mu.Unlock()
	if superseded || ctx.Err() != nil {
		return
	}
	if err := e.SelectConversation(ctx, id, SelectAuto); err != nil {
		e.log.Warn("auto-select failed", zap.String("conversation", id), zap.Error(err))
	}

	e.mu.Lock()
	empty := e.selected == id && len(e.transcript) == 0
	selGen := e.gen
	e.mu.Unlock()
	if !empty {
		return
	}
	e.spawn(func() {
		if !sleep(ctx, e.timing.RetryDelay) {
			return
		}
		if err := e.reloadMessages(ctx, selGen, id); err != nil {
			e.log.Warn("transcript retry failed", zap.String("conversation", id), zap.Error(err))
		}
	})
}

// removeConversation drops a conversation deleted elsewhere.
func (e *Engine) removeConversation(id string) {
	e.updates.Cancel(id)
	e.inserts.Cancel(id)
	e.mu.Lock()
	i := e.indexLocked(id)
	if i >= 0 {
		e.convs = slices.Delete(e.convs, i, i+1)
		e.sortLocked()
	}
	wasSelected := e.selected == id
	if wasSelected {
		e.clearSelectionLocked()
	}
	e.mu.Unlock()
	if i >= 0 {
		e.emit(EventList, id)
	}
	if wasSelected {
		e.emit(EventSelection, "")
	}
}
