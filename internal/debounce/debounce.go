// Package debounce provides named, keyed debouncers. Each Debouncer belongs to one
// logical event source; its keys are independent timers.
package debounce

import (
	"sync"
	"time"
)

// Debouncer delays a function until no new trigger for the same key arrived
// within the delay.
type Debouncer struct {
	name  string
	delay time.Duration

	mu      sync.Mutex
	timers  map[string]*entry
	stopped bool
}

type entry struct {
	t   *time.Timer
	gen uint64
}

// New creates a debouncer.
func New(name string, delay time.Duration) *Debouncer {
	return &Debouncer{name: name, delay: delay, timers: make(map[string]*entry)}
}

// Name returns the debouncer's name.
func (d *Debouncer) Name() string { return d.name }

// Trigger (re)arms the timer for key; fn runs once, delay after the last trigger.
// A later trigger replaces fn.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	e, ok := d.timers[key]
	if ok {
		e.t.Stop()
	} else {
		e = &entry{}
		d.timers[key] = e
	}
	e.gen++
	gen := e.gen
	e.t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cur, ok := d.timers[key]
		if !ok || cur.gen != gen || d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending call for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.timers[key]; ok {
		e.t.Stop()
		delete(d.timers, key)
	}
}

// Pending returns the number of armed keys.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels everything; later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, e := range d.timers {
		e.t.Stop()
		delete(d.timers, k)
	}
}
