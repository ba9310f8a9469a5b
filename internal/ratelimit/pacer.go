// Package ratelimit paces session starts and feed advances.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between successive permits. It backs the
// stagger delay between session starts: the first permit is immediate, every
// later one waits out the interval.
type Pacer struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewPacer creates a pacer with the given interval. A zero or negative
// interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{}
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Wait blocks until the next permit or context cancellation.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.RLock()
	limiter := p.limiter
	p.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// SetInterval adjusts the pacing interval for subsequent permits.
func (p *Pacer) SetInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval <= 0 {
		p.limiter = nil
		return
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
		return
	}
	p.limiter.SetLimit(rate.Every(interval))
}
