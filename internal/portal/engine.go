// Package portal is the conversation and message synchronization engine. It owns
// the recency-sorted conversation list and the transcript of the open
// conversation, and reconciles full fetches, change feed events and optimistic
// local writes into them.
package portal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/debounce"
	"github.com/and161185/rxportal/internal/feed"
	"github.com/and161185/rxportal/internal/metrics"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/reconcile"
	"github.com/and161185/rxportal/internal/service"
)

// Phase is the state of the open conversation.
type Phase int

const (
	PhaseUnselected Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUnselected:
		return "unselected"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SelectMode tells a genuine user click from a programmatic selection. Only
// SelectByUser resets the unread count.
type SelectMode int

const (
	SelectByUser SelectMode = iota
	SelectAuto
)

func (m SelectMode) String() string {
	if m == SelectByUser {
		return "user"
	}
	return "auto"
}

// EventKind classifies engine notifications.
type EventKind string

const (
	EventList       EventKind = "list"
	EventTranscript EventKind = "transcript"
	EventSelection  EventKind = "selection"
)

// Event tells UI surfaces which part of the state changed; they read it back with
// Snapshot.
type Event struct {
	Kind           EventKind
	ConversationID string
}

// Snapshot is a copy of the engine state.
type Snapshot struct {
	Phase         Phase
	Selected      string
	Conversations []model.Conversation
	Messages      []model.Message
	Deleted       []string
}

// Timing holds the engine's delays.
type Timing struct {
	// UpdateDebounce coalesces conversation updates per conversation.
	UpdateDebounce time.Duration
	// AutoSelectWindow is how recent an inserted conversation must be to be
	// opened while another one is selected.
	AutoSelectWindow time.Duration
	// InsertLoadDelay is waited before loading an inserted conversation.
	InsertLoadDelay time.Duration
	// RetryDelay is waited before the one reload of an empty new transcript.
	RetryDelay time.Duration
}

// DefaultTiming returns 100ms debounce, 5s auto-select window, 500ms insert load
// delay and 1s retry delay.
func DefaultTiming() Timing {
	return Timing{
		UpdateDebounce:   100 * time.Millisecond,
		AutoSelectWindow: 5 * time.Second,
		InsertLoadDelay:  500 * time.Millisecond,
		RetryDelay:       time.Second,
	}
}

// Engine implements the synchronization engine for one staff session.
type Engine struct {
	backend service.ConversationService
	feed    feed.Feed
	cache   Cache
	log     *zap.Logger
	m       *metrics.Metrics
	rec     reconcile.Options
	timing  Timing
	now     func() time.Time
	backoff func() retry.Backoff

	updates *debounce.Debouncer
	inserts *debounce.Debouncer

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	convs      []model.Conversation
	deleted    map[string]bool
	previews   map[string]model.Preview
	selected   string
	phase      Phase
	gen        uint64
	transcript []model.Message
	stopSel    context.CancelFunc
	closed     bool

	wmu      sync.Mutex
	watchers map[uint64]chan Event
	nextW    uint64
}

// Option customizes an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.m = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithBackoff(f func() retry.Backoff) Option { return func(e *Engine) { e.backoff = f } }

// WithReconcile overrides the message signature parameters.
func WithReconcile(o reconcile.Options) Option { return func(e *Engine) { e.rec = o } }

func WithTiming(t Timing) Option { return func(e *Engine) { e.timing = t } }

// New creates an engine. cache may be nil.
func New(backend service.ConversationService, f feed.Feed, cache Cache, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cache == nil {
		cache = nopCache{}
	}
	e := &Engine{
		backend:  backend,
		feed:     f,
		cache:    cache,
		log:      log.Named("portal"),
		rec:      reconcile.DefaultOptions(),
		timing:   DefaultTiming(),
		now:      time.Now,
		backoff:  feed.DefaultBackoff,
		deleted:  make(map[string]bool),
		previews: make(map[string]model.Preview),
		watchers: make(map[uint64]chan Event),
	}
	for _, o := range opts {
		o(e)
	}
	e.updates = debounce.New("conversation-update", e.timing.UpdateDebounce)
	e.inserts = debounce.New("conversation-insert", e.timing.InsertLoadDelay)
	e.runCtx, e.stopRun = context.WithCancel(context.Background())
	return e
}

// Start restores cached state, loads the list, subscribes the list feed and
// restores the last selection. The returned error is the list load error, if any;
// the engine is usable either way.
func (e *Engine) Start(ctx context.Context) error {
	deleted, err := e.cache.Deleted()
	if err != nil {
		e.log.Warn("cached deleted set unreadable", zap.Error(err))
	}
	previews, err := e.cache.Previews()
	if err != nil {
		e.log.Warn("cached previews unreadable", zap.Error(err))
	}
	e.mu.Lock()
	for id := range deleted {
		e.deleted[id] = true
	}
	for id, p := range previews {
		e.previews[id] = p
	}
	e.mu.Unlock()

	_, listErr := e.LoadConversationList(ctx)
	if listErr != nil {
		e.log.Warn("initial list load failed", zap.Error(listErr))
	}

	sub, err := e.feed.Subscribe(e.runCtx, listSpec)
	if err != nil {
		e.log.Warn("list feed unavailable, retrying", zap.Error(err))
		sub = nil
	}
	if !e.spawn(func() { e.watchList(e.runCtx, sub) }) {
		if sub != nil {
			sub.Close()
		}
		return errClosed
	}

	last, err := e.cache.LastSelected()
	if err != nil {
		e.log.Warn("cached selection unreadable", zap.Error(err))
	}
	if last != "" {
		e.mu.Lock()
		ok := !e.deleted[last] && e.indexLocked(last) >= 0
		e.mu.Unlock()
		if !ok {
			_ = e.cache.SetLastSelected("")
		} else if err := e.SelectConversation(ctx, last, SelectAuto); err != nil {
			e.log.Warn("restoring selection failed", zap.String("conversation", last), zap.Error(err))
		}
	}
	return listErr
}

// Close stops feed consumers and timers and closes every event stream.
func (e *Engine) Close() {
	e.stopRun()
	e.updates.Stop()
	e.inserts.Stop()
	e.mu.Lock()
	e.closed = true
	if e.stopSel != nil {
		e.stopSel()
		e.stopSel = nil
	}
	e.mu.Unlock()
	e.wg.Wait()

	e.wmu.Lock()
	for id, c := range e.watchers {
		delete(e.watchers, id)
		close(c)
	}
	e.wmu.Unlock()
}

var errClosed = errors.New("engine closed")

// spawn runs fn on a goroutine Close waits for. It reports false once the engine
// is closed.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// tracked wraps a timer callback so that Close waits for it and a callback
// firing after Close does nothing.
func (e *Engine) tracked(fn func()) func() {
	return func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.wg.Add(1)
		e.mu.Unlock()
		defer e.wg.Done()
		fn()
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Phase:         e.phase,
		Selected:      e.selected,
		Conversations: slices.Clone(e.convs),
		Messages:      slices.Clone(e.transcript),
	}
	for id := range e.deleted {
		s.Deleted = append(s.Deleted, id)
	}
	slices.Sort(s.Deleted)
	return s
}

// Subscribe returns a stream of change notifications. Slow readers miss
// notifications; a snapshot is always current.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	e.wmu.Lock()
	e.nextW++
	id := e.nextW
	e.watchers[id] = ch
	e.wmu.Unlock()

	remove := func() {
		e.wmu.Lock()
		defer e.wmu.Unlock()
		if c, ok := e.watchers[id]; ok {
			delete(e.watchers, id)
			close(c)
		}
	}
	stop := context.AfterFunc(ctx, remove)
	return ch, func() {
		stop()
		remove()
	}
}

func (e *Engine) emit(kind EventKind, id string) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	for _, c := range e.watchers {
		select {
		case c <- Event{Kind: kind, ConversationID: id}:
		default:
		}
	}
}

func (e *Engine) indexLocked(id string) int {
	return slices.IndexFunc(e.convs, func(c model.Conversation) bool { return c.ID == id })
}

// sortLocked fully re-sorts the list and exports its size.
func (e *Engine) sortLocked() {
	reconcile.SortConversations(e.convs)
	if e.m != nil {
		e.m.Conversations.Set(float64(len(e.convs)))
	}
}

func (e *Engine) countSend(kind string, err error) {
	if e.m != nil {
		e.m.Sends.WithLabelValues(kind, metrics.Result(err)).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
