package portal

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/reconcile"
)

// broadcastFanout bounds concurrent per-recipient sends.
const broadcastFanout = 4

// BroadcastResult counts the per-recipient outcome of a broadcast.
type BroadcastResult struct {
	Total  int
	Sent   int
	Failed int
}

// SendMessage appends an optimistic local message, moves the conversation to the
// top, then writes to the backend. The stored message replaces the optimistic one
// by signature. On failure the optimistic message stays and the error is returned
// with it.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string, typ model.MessageType) (model.Message, error) {
	if conversationID == "" {
		return model.Message{}, errors.New("validation: empty conversation id")
	}
	if strings.TrimSpace(text) == "" {
		return model.Message{}, errors.New("validation: empty message")
	}
	typ, err := model.ParseMessageType(string(typ))
	if err != nil {
		return model.Message{}, errors.Join(errors.New("validation: bad message type"), err)
	}

	now := e.now()
	local := model.Message{
		ID:             model.LocalID(now),
		ConversationID: conversationID,
		Sender:         model.SenderStaff,
		Type:           typ,
		Text:           text,
		CreatedAt:      now,
	}
	e.applyLocal(local)

	out := local
	out.ID = ""
	stored, err := e.backend.Send(ctx, out)
	e.countSend("message", err)
	if stored.ID == "" {
		e.log.Warn("send failed, optimistic copy kept", zap.String("conversation", conversationID), zap.Error(err))
		return local, err
	}
	e.applyMessage(stored)
	return stored, err
}

// applyLocal records an optimistic message. When its conversation is not open
// the cached transcript is updated instead so the message survives until the
// conversation is opened.
func (e *Engine) applyLocal(m model.Message) {
	e.mu.Lock()
	open := e.selected == m.ConversationID
	e.mu.Unlock()
	if open {
		e.applyMessage(m)
		return
	}
	cached, err := e.cache.Messages(m.ConversationID)
	if err != nil {
		e.log.Warn("cached transcript unreadable", zap.Error(err))
	}
	cached, _ = e.rec.Upsert(cached, m)
	if err := e.cache.SetMessages(m.ConversationID, cached); err != nil {
		e.log.Warn("caching transcript failed", zap.Error(err))
	}
	e.applyMessage(m)
}

// SendBroadcast fans text out to the direct conversation of every participant of
// a broadcast thread, creating missing ones, and records a marker in the thread.
// Per-recipient failures are counted, never returned.
func (e *Engine) SendBroadcast(ctx context.Context, conversationID, text string, mediaURLs []string) (BroadcastResult, error) {
	if strings.TrimSpace(text) == "" && len(mediaURLs) == 0 {
		return BroadcastResult{}, errors.New("validation: empty message")
	}
	conv, err := e.backend.Get(ctx, conversationID)
	if err != nil {
		return BroadcastResult{}, err
	}
	if !conv.IsBroadcast() {
		return BroadcastResult{}, errs.ErrNotBroadcast
	}
	typ := model.TypeText
	if len(mediaURLs) > 0 {
		typ = model.TypeAttachment
	}

	res := BroadcastResult{Total: len(conv.Participants)}
	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastFanout)
	for _, p := range conv.Participants {
		g.Go(func() error {
			log := e.log.With(zap.String("broadcast", conversationID), zap.String("contact", p.ID))
			direct, err := e.backend.EnsureDirect(gctx, p.ID)
			if err != nil {
				log.Warn("broadcast recipient skipped", zap.Error(err))
				return nil
			}
			stored, err := e.backend.Send(gctx, model.Message{
				ConversationID: direct.ID,
				Type:           typ,
				Text:           text,
				MediaURLs:      mediaURLs,
			})
			if stored.ID != "" {
				e.applyMessage(stored)
			}
			if err != nil {
				log.Warn("broadcast recipient failed", zap.Error(err))
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	res.Sent = int(sent.Load())
	res.Failed = res.Total - res.Sent
	e.countSend("broadcast", nil)

	marker, err := e.backend.Record(ctx, model.Message{
		ConversationID: conversationID,
		Sender:         model.SenderStaff,
		Type:           typ,
		Text:           text,
		MediaURLs:      mediaURLs,
	})
	if err != nil {
		e.log.Warn("broadcast marker not recorded", zap.String("broadcast", conversationID), zap.Error(err))
	} else {
		e.applyMessage(marker)
	}
	e.log.Info("broadcast sent", zap.String("broadcast", conversationID),
		zap.Int("total", res.Total), zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	return res, nil
}

// DeleteConversation deletes id in the backend and, on success only, removes it
// locally and persists it in the deleted set so no cached state restores it.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("validation: empty conversation id")
	}
	if err := e.backend.Delete(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	e.mu.Lock()
	e.deleted[id] = true
	delete(e.previews, id)
	e.mu.Unlock()
	if err := e.cache.MarkDeleted(id); err != nil {
		e.log.Warn("persisting deletion failed", zap.String("conversation", id), zap.Error(err))
	}
	e.removeConversation(id)
	return nil
}

// OpenContact resolves a deep link to a contact's direct conversation, creating
// it or migrating a phone placeholder thread as needed, and opens it.
func (e *Engine) OpenContact(ctx context.Context, ref string) (*model.Conversation, error) {
	conv, err := e.backend.OpenDirect(ctx, ref)
	if err != nil {
		return nil, err
	}
	reconcile.ResolveDisplay(conv)

	e.mu.Lock()
	overlayPreview(conv, e.previews)
	if i := e.indexLocked(conv.ID); i >= 0 {
		e.convs[i] = *conv
	} else {
		e.convs = append(e.convs, *conv)
	}
	e.sortLocked()
	e.mu.Unlock()
	e.emit(EventList, conv.ID)

	if err := e.SelectConversation(ctx, conv.ID, SelectAuto); err != nil {
		return conv, err
	}
	return conv, nil
}
