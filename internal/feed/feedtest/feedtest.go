// Package feedtest provides an in-process feed source for tests.
package feedtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/and161185/rxportal/internal/feed"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrDropped is returned by Listen when the test drops the connection.
var ErrDropped = errors.New("feedtest: connection dropped")

// Source is a feed.Source driven by the test: Emit pushes events, Drop severs the
// current connection.
type Source struct {
	mu     sync.Mutex
	events chan feed.Event
	drop   chan struct{}
	ready  chan struct{}
	fail   error
}

// NewSource returns an idle source.
func NewSource() *Source {
	return &Source{
		events: make(chan feed.Event, 1024),
		drop:   make(chan struct{}, 1),
		ready:  make(chan struct{}, 16),
	}
}

// FailNext makes subsequent Listen calls fail with err until cleared with nil.
func (s *Source) FailNext(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Source) Listen(ctx context.Context, ready func(), emit func(feed.Event)) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	ready()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.drop:
			return ErrDropped
		case e := <-s.events:
			emit(e)
		}
	}
}

// Emit queues an event for delivery.
func (s *Source) Emit(e feed.Event) { s.events <- e }

// Drop severs the current connection.
func (s *Source) Drop() { s.drop <- struct{}{} }

// Ready is signalled each time a connection is established.
func (s *Source) Ready() <-chan struct{} { return s.ready }

// StartHub runs a hub over src with a fast backoff and waits until it is connected.
// The hub stops when ctx is done.
func StartHub(ctx context.Context, src *Source, log *zap.Logger) *feed.Hub {
	h := feed.NewHub(src, log, feed.WithBackoff(func() retry.Backoff {
		return retry.NewConstant(5 * time.Millisecond)
	}))
	go func() { _ = h.Run(ctx) }()
	select {
	case <-src.Ready():
	case <-ctx.Done():
	}
	return h
}
