// Package limiter throttles outbound sends per key (a recipient number) and overall.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter gates outbound operations.
type Limiter interface {
	// Wait blocks until an operation for key may proceed or ctx is done.
	Wait(ctx context.Context, key string) error
	// Allow reports whether an operation for key may proceed now, consuming a token if so.
	Allow(key string) bool
}

// Config holds token-bucket parameters. Zero values fall back to defaults.
type Config struct {
	RPS         float64 // overall rate
	Burst       int
	PerKeyRPS   float64 // rate per key
	PerKeyBurst int
}

// Pool is a Limiter with one global bucket plus a lazily created bucket per key.
type Pool struct {
	mu     sync.Mutex
	global *rate.Limiter
	keys   map[string]*rate.Limiter
	rps    rate.Limit
	burst  int
}

// New constructs a Pool.
func New(cfg Config) *Pool {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.PerKeyRPS <= 0 {
		cfg.PerKeyRPS = 1
	}
	if cfg.PerKeyBurst <= 0 {
		cfg.PerKeyBurst = 3
	}
	return &Pool{
		global: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		keys:   make(map[string]*rate.Limiter),
		rps:    rate.Limit(cfg.PerKeyRPS),
		burst:  cfg.PerKeyBurst,
	}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.keys[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.keys[key] = l
	return l
}

func (p *Pool) Wait(ctx context.Context, key string) error {
	if err := p.get(key).Wait(ctx); err != nil {
		return err
	}
	return p.global.Wait(ctx)
}

func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow() && p.global.Allow()
}

// Size returns the number of tracked keys.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
