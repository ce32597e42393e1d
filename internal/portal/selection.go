package portal

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/feed"
	"github.com/and161185/rxportal/internal/model"
)

func messageSpec(conversationID string) feed.Spec {
	return feed.Spec{
		Table:  feed.TableMessages,
		Types:  []feed.EventType{feed.Insert},
		Filter: feed.Eq("conversation_id", conversationID),
	}
}

// SelectConversation opens a conversation: the previous transcript subscription
// is torn down, the new one is established before the history fetch, and the
// history is merged with cached local messages by signature. Only SelectByUser on
// a conversation with unread messages resets its unread count, locally and in the
// backend; the local value is restored when the backend reset fails.
func (e *Engine) SelectConversation(ctx context.Context, id string, mode SelectMode) error {
	if id == "" {
		return errors.New("validation: empty conversation id")
	}
	cached, err := e.cache.Messages(id)
	if err != nil {
		e.log.Warn("cached transcript unreadable", zap.String("conversation", id), zap.Error(err))
	}

	selCtx, stopSel := context.WithCancel(e.runCtx)
	e.mu.Lock()
	if e.deleted[id] {
		e.mu.Unlock()
		stopSel()
		return errs.ErrDeleted
	}
	if e.stopSel != nil {
		e.stopSel()
	}
	e.stopSel = stopSel
	e.gen++
	gen := e.gen
	e.selected = id
	e.phase = PhaseLoading
	e.transcript = slices.Clone(cached)
	unread := 0
	if i := e.indexLocked(id); i >= 0 {
		unread = e.convs[i].UnreadCount
	}
	e.mu.Unlock()
	e.emit(EventSelection, id)

	if err := e.cache.SetLastSelected(id); err != nil {
		e.log.Warn("persisting selection failed", zap.Error(err))
	}

	sub, err := e.feed.Subscribe(selCtx, messageSpec(id))
	if err != nil {
		e.log.Warn("transcript feed unavailable, retrying", zap.String("conversation", id), zap.Error(err))
		sub = nil
	}
	if !e.spawn(func() { e.watchMessages(selCtx, gen, id, sub) }) {
		if sub != nil {
			sub.Close()
		}
		return errClosed
	}

	fetchErr := e.reloadMessages(ctx, gen, id)
	e.mu.Lock()
	if e.gen == gen {
		e.phase = PhaseReady
	}
	e.mu.Unlock()
	e.emit(EventSelection, id)

	var resetErr error
	if mode == SelectByUser && unread > 0 {
		resetErr = e.resetUnread(ctx, id, unread)
	}
	return errors.Join(fetchErr, resetErr)
}

// reloadMessages fetches the history of id and merges it into the transcript if
// the selection generation is still gen. On error the transcript is untouched.
func (e *Engine) reloadMessages(ctx context.Context, gen uint64, id string) error {
	msgs, err := e.backend.Messages(ctx, id)
	if err != nil {
		e.log.Warn("transcript fetch failed", zap.String("conversation", id), zap.Error(err))
		return fmt.Errorf("load messages: %w", err)
	}
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		e.log.Debug("transcript load superseded", zap.String("conversation", id))
		return nil
	}
	e.transcript = e.rec.MergeTranscript(msgs, e.transcript)
	out := slices.Clone(e.transcript)
	e.mu.Unlock()

	e.emit(EventTranscript, id)
	if err := e.cache.SetMessages(id, out); err != nil {
		e.log.Warn("caching transcript failed", zap.Error(err))
	}
	return nil
}

func (e *Engine) resetUnread(ctx context.Context, id string, prev int) error {
	e.setUnread(id, 0)
	if err := e.backend.ResetUnread(ctx, id); err != nil {
		e.log.Warn("unread reset failed", zap.String("conversation", id), zap.Error(err))
		e.restoreUnread(id, prev)
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

// restoreUnread puts prev back unless a feed patch replaced the local zero in
// the meantime.
func (e *Engine) restoreUnread(id string, prev int) {
	e.mu.Lock()
	i := e.indexLocked(id)
	restored := i >= 0 && e.convs[i].UnreadCount == 0
	if restored {
		e.convs[i].UnreadCount = prev
	}
	e.mu.Unlock()
	if restored {
		e.emit(EventList, id)
	}
}

func (e *Engine) setUnread(id string, n int) {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i >= 0 {
		e.convs[i].UnreadCount = n
	}
	e.mu.Unlock()
	if i >= 0 {
		e.emit(EventList, id)
	}
}

// Deselect closes the open conversation.
func (e *Engine) Deselect() {
	e.mu.Lock()
	was := e.selected
	e.clearSelectionLocked()
	e.mu.Unlock()
	if was == "" {
		return
	}
	if err := e.cache.SetLastSelected(""); err != nil {
		e.log.Warn("clearing selection failed", zap.Error(err))
	}
	e.emit(EventSelection, "")
}

func (e *Engine) clearSelectionLocked() {
	if e.stopSel != nil {
		e.stopSel()
		e.stopSel = nil
	}
	e.gen++
	e.selected = ""
	e.phase = PhaseUnselected
	e.transcript = nil
}

// watchMessages consumes message inserts of the open conversation until the
// selection ends. A resubscription reloads the history.
func (e *Engine) watchMessages(ctx context.Context, gen uint64, id string, sub feed.Subscription) {
	b := e.backoff()
	for {
		if sub != nil {
			for ev := range sub.Events() {
				if e.m != nil {
					e.m.FeedEvents.WithLabelValues(ev.Table, string(ev.Type)).Inc()
				}
				if ev.Trimmed {
					if err := e.reloadMessages(ctx, gen, id); err != nil {
						e.log.Warn("transcript reload for trimmed row failed", zap.Error(err))
					}
					continue
				}
				m, err := model.ParseMessageRow(ev.Row())
				if err != nil {
					e.log.Warn("bad message row", zap.Error(err))
					continue
				}
				e.applyMessage(m)
			}
			sub.Close()
		}
		if ctx.Err() != nil {
			return
		}
		var err error
		for {
			sub, err = e.feed.Subscribe(ctx, messageSpec(id))
			if err == nil {
				break
			}
			d, stop := b.Next()
			if stop {
				e.log.Error("transcript feed resubscription abandoned", zap.String("conversation", id), zap.Error(err))
				return
			}
			if !sleep(ctx, d) {
				return
			}
		}
		b = e.backoff()
		if err := e.reloadMessages(ctx, gen, id); err != nil {
			e.log.Warn("transcript reload after resubscribe failed", zap.Error(err))
		}
	}
}

// applyMessage upserts m by signature into the open transcript and updates the
// list preview of its conversation.
func (e *Engine) applyMessage(m model.Message) {
	e.mu.Lock()
	var transcript []model.Message
	changed := false
	if e.selected == m.ConversationID {
		e.transcript, changed = e.rec.Upsert(e.transcript, m)
		if changed {
			transcript = slices.Clone(e.transcript)
		}
	}
	p, listChanged := e.previewLocked(m)
	e.mu.Unlock()

	if changed {
		e.emit(EventTranscript, m.ConversationID)
		if err := e.cache.SetMessages(m.ConversationID, transcript); err != nil {
			e.log.Warn("caching transcript failed", zap.Error(err))
		}
	}
	if listChanged {
		e.emit(EventList, m.ConversationID)
		if err := e.cache.SetPreview(m.ConversationID, p); err != nil {
			e.log.Warn("caching preview failed", zap.Error(err))
		}
	}
}

// previewLocked moves m into the list preview when it is not older than the
// current one, then re-sorts the list.
func (e *Engine) previewLocked(m model.Message) (model.Preview, bool) {
	i := e.indexLocked(m.ConversationID)
	if i < 0 {
		return model.Preview{}, false
	}
	c := &e.convs[i]
	if m.CreatedAt.Before(c.LastMessageAt) {
		return model.Preview{}, false
	}
	p := model.Preview{Text: previewText(m), At: m.CreatedAt}
	if c.LastMessage == p.Text && c.LastMessageAt.Equal(p.At) {
		return p, false
	}
	c.LastMessage = p.Text
	c.LastMessageAt = p.At
	e.previews[m.ConversationID] = p
	e.sortLocked()
	return p, true
}

func previewText(m model.Message) string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.MediaURLs) > 0 {
		return "[attachment]"
	}
	return ""
}
