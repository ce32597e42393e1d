package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const defaultBuffer = 256

// Hub fans one upstream Source out to many subscriptions. It is the Feed
// implementation used by the tracker and the engine.
type Hub struct {
	src     Source
	log     *zap.Logger
	buf     int
	backoff func() retry.Backoff
	onState func(connected bool)

	mu        sync.Mutex
	connected bool
	next      uint64
	subs      map[uint64]*subscription
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) HubOption { return func(h *Hub) { h.buf = n } }

// WithBackoff sets the reconnect backoff factory; a fresh backoff is built after every
// successful connection.
func WithBackoff(f func() retry.Backoff) HubOption { return func(h *Hub) { h.backoff = f } }

// WithStateHook registers a callback for connection state changes.
func WithStateHook(f func(connected bool)) HubOption { return func(h *Hub) { h.onState = f } }

// DefaultBackoff is capped exponential backoff with jitter: 500ms doubling up to 30s.
func DefaultBackoff() retry.Backoff {
	b := retry.NewExponential(500 * time.Millisecond)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(30*time.Second, b)
}

// NewHub creates a hub over src. Call Run to connect.
func NewHub(src Source, log *zap.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		src:     src,
		log:     log,
		buf:     defaultBuffer,
		backoff: DefaultBackoff,
		subs:    make(map[uint64]*subscription),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run keeps the upstream connected until ctx is done, reconnecting with backoff.
// Every disconnect closes all open subscriptions so that consumers resubscribe and
// re-read state they may have missed.
func (h *Hub) Run(ctx context.Context) error {
	b := h.backoff()
	for {
		up := false
		err := h.src.Listen(ctx, func() {
			up = true
			h.setConnected(true)
		}, h.dispatch)
		h.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if up {
			b = h.backoff()
		}
		d, stop := b.Next()
		if stop {
			return fmt.Errorf("feed: reconnect attempts exhausted: %w", err)
		}
		h.log.Warn("feed disconnected", zap.Error(err), zap.Duration("retry_in", d))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Connected reports whether the upstream stream is established.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Subscribe registers a subscription covering specs. It fails with
// errs.ErrFeedUnavailable while the upstream is down.
func (h *Hub) Subscribe(ctx context.Context, specs ...Spec) (Subscription, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("validation: at least one spec required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, errs.ErrFeedUnavailable
	}
	h.next++
	s := &subscription{
		hub:   h,
		id:    h.next,
		specs: append([]Spec(nil), specs...),
		ch:    make(chan Event, h.buf),
	}
	h.subs[s.id] = s
	s.stop = context.AfterFunc(ctx, s.Close)
	return s, nil
}

func (h *Hub) setConnected(v bool) {
	h.mu.Lock()
	changed := h.connected != v
	h.connected = v
	var dropped []*subscription
	if !v {
		for id, s := range h.subs {
			delete(h.subs, id)
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		s.closeLocked()
	}
	h.mu.Unlock()

	if changed {
		if v {
			h.log.Info("feed connected")
		}
		if h.onState != nil {
			h.onState(v)
		}
	}
}

func (h *Hub) dispatch(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if !s.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.log.Warn("feed subscriber lagging, event dropped",
				zap.Uint64("sub", s.id), zap.String("table", e.Table), zap.String("type", string(e.Type)))
		}
	}
}

type subscription struct {
	hub    *Hub
	id     uint64
	specs  []Spec
	ch     chan Event
	closed bool
	stop   func() bool
}

func (s *subscription) Events() <-chan Event { return s.ch }

func (s *subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.subs, s.id)
	s.closeLocked()
}

// closeLocked requires hub.mu.
func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if s.stop != nil {
		s.stop()
	}
}

func (s *subscription) match(e Event) bool {
	for _, sp := range s.specs {
		if sp.Match(e) {
			return true
		}
	}
	return false
}
