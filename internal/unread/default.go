package unread

import (
	"context"
	"sync"
)

var (
	defMu sync.RWMutex
	def   Counter = zeroCounter{}
)

// Default returns the process-wide counter. Until SetDefault is called it is a
// counter that always reports zero.
func Default() Counter {
	defMu.RLock()
	defer defMu.RUnlock()
	return def
}

// SetDefault installs the process-wide counter and returns a func restoring the
// previous one.
func SetDefault(c Counter) (restore func()) {
	defMu.Lock()
	prev := def
	def = c
	defMu.Unlock()
	return func() {
		defMu.Lock()
		def = prev
		defMu.Unlock()
	}
}

type zeroCounter struct{}

func (zeroCounter) Subscribe(ctx context.Context) (int, <-chan int, func()) {
	ch := make(chan int)
	var once sync.Once
	return 0, ch, func() { once.Do(func() { close(ch) }) }
}

func (zeroCounter) ForceRefresh(context.Context) (int, error) { return 0, nil }

func (zeroCounter) Snapshot() State { return State{} }
