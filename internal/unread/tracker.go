// Package unread tracks the process-wide unread message aggregate. The value is
// always re-derived from the backend: feed events only trigger a re-fetch.
package unread

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/feed"
	"github.com/and161185/rxportal/internal/metrics"
)

// Source returns the authoritative aggregate.
type Source interface {
	UnreadTotal(ctx context.Context) (int, error)
}

// Counter is the observable aggregate shared by every UI surface.
type Counter interface {
	// Subscribe returns the current total and a channel of later totals. Only the
	// latest value is buffered. cancel unregisters and closes the channel.
	Subscribe(ctx context.Context) (total int, updates <-chan int, cancel func())
	// ForceRefresh fetches the authoritative total and publishes it if changed.
	ForceRefresh(ctx context.Context) (int, error)
	// Snapshot returns diagnostic state.
	Snapshot() State
}

// State is a diagnostic view of a tracker.
type State struct {
	Total         int
	Subscribers   int
	Started       bool
	FeedConnected bool
	Refreshes     int
	LastRefresh   time.Time
	LastError     string
}

// Specs are the feed events that may change the aggregate.
var Specs = []feed.Spec{
	{Table: feed.TableConversations, Types: []feed.EventType{feed.Insert, feed.Update, feed.Delete}},
	{Table: feed.TableMessages, Types: []feed.EventType{feed.Insert}},
}

// Tracker implements Counter over a Source and a Feed.
type Tracker struct {
	src     Source
	feed    feed.Feed
	log     *zap.Logger
	m       *metrics.Metrics
	backoff func() retry.Backoff
	now     func() time.Time

	startOnce sync.Once
	loopCtx   context.Context
	stop      context.CancelFunc
	done      chan struct{}
	fetchMu   sync.Mutex

	mu          sync.Mutex
	total       int
	subs        map[uint64]chan int
	next        uint64
	started     bool
	feedUp      bool
	refreshes   int
	lastRefresh time.Time
	lastErr     error
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithMetrics exports the aggregate and refresh results.
func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.m = m } }

// WithBackoff sets the feed resubscription backoff factory.
func WithBackoff(f func() retry.Backoff) Option { return func(t *Tracker) { t.backoff = f } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New creates an idle tracker; nothing is fetched until the first Subscribe.
func New(src Source, f feed.Feed, log *zap.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		src:     src,
		feed:    f,
		log:     log.Named("unread"),
		backoff: feed.DefaultBackoff,
		now:     time.Now,
		subs:    make(map[uint64]chan int),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.loopCtx, t.stop = context.WithCancel(context.Background())
	return t
}

func (t *Tracker) Subscribe(ctx context.Context) (int, <-chan int, func()) {
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.started = true
		t.mu.Unlock()
		if _, err := t.refresh(ctx); err != nil {
			t.log.Warn("initial fetch failed", zap.Error(err))
		}
		go t.run(t.loopCtx)
	})

	ch := make(chan int, 1)
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs[id] = ch
	total := t.total
	t.mu.Unlock()

	remove := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
	stopAfter := context.AfterFunc(ctx, remove)
	cancel := func() {
		stopAfter()
		remove()
	}
	return total, ch, cancel
}

func (t *Tracker) ForceRefresh(ctx context.Context) (int, error) {
	return t.refresh(ctx)
}

func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := State{
		Total:         t.total,
		Subscribers:   len(t.subs),
		Started:       t.started,
		FeedConnected: t.feedUp,
		Refreshes:     t.refreshes,
		LastRefresh:   t.lastRefresh,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}

// Close stops the feed loop and closes every subscriber channel.
func (t *Tracker) Close() {
	t.stop()
	t.mu.Lock()
	started := t.started
	for id, c := range t.subs {
		delete(t.subs, id)
		close(c)
	}
	t.mu.Unlock()
	if started {
		<-t.done
	}
}

// refresh fetches the authoritative total. On failure the cached total is kept
// and republished.
func (t *Tracker) refresh(ctx context.Context) (int, error) {
	t.fetchMu.Lock()
	defer t.fetchMu.Unlock()

	n, err := t.src.UnreadTotal(ctx)
	if t.m != nil {
		t.m.UnreadRefreshes.WithLabelValues(metrics.Result(err)).Inc()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshes++
	if err != nil {
		t.lastErr = err
		t.publishLocked(t.total)
		return t.total, err
	}
	t.lastErr = nil
	t.lastRefresh = t.now()
	if n < 0 {
		n = 0
	}
	if n != t.total {
		t.total = n
		t.publishLocked(n)
	}
	if t.m != nil {
		t.m.UnreadTotal.Set(float64(n))
	}
	return n, nil
}

func (t *Tracker) publishLocked(v int) {
	for _, c := range t.subs {
		select {
		case <-c:
		default:
		}
		c <- v
	}
}

func (t *Tracker) setFeed(up bool) {
	t.mu.Lock()
	t.feedUp = up
	t.mu.Unlock()
}

// run keeps one feed subscription open for the tracker's lifetime. Every
// subscription except one made right after the initial fetch is followed by a
// refresh, since events may have been missed while no subscription was open.
func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	b := t.backoff()
	catchUp := false
	for {
		sub, err := t.feed.Subscribe(ctx, Specs...)
		if err != nil {
			t.setFeed(false)
			catchUp = true
			d, stop := b.Next()
			if stop {
				t.log.Error("feed resubscription abandoned", zap.Error(err))
				return
			}
			t.log.Debug("feed subscribe failed", zap.Error(err), zap.Duration("retry_in", d))
			if !sleep(ctx, d) {
				return
			}
			continue
		}
		t.setFeed(true)
		b = t.backoff()
		if catchUp {
			if _, err := t.refresh(ctx); err != nil {
				t.log.Warn("refresh after resubscribe failed", zap.Error(err))
			}
		}
		catchUp = true

		t.consume(ctx, sub)
		sub.Close()
		t.setFeed(false)
		if ctx.Err() != nil {
			return
		}
	}
}

// consume refreshes once per burst of events until the subscription ends.
func (t *Tracker) consume(ctx context.Context, sub feed.Subscription) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			open := drain(events)
			if _, err := t.refresh(ctx); err != nil {
				t.log.Warn("refresh after feed event failed", zap.Error(err))
			}
			if !open {
				return
			}
		}
	}
}

func drain(events <-chan feed.Event) bool {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
