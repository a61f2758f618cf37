package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Breaker is a circuit breaker per resource.
//   - When failures reach Threshold within Window, the breaker opens for OpenFor.
//   - On success, the failure counter resets.
//
// Only transport failures count; a success=false envelope is a healthy answer.
// The gateway keys it by resource, so one failing endpoint (say files during
// an upload outage) does not stop chat polling or the presence heartbeat.
type Breaker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	threshold int
	window    time.Duration
	openFor   time.Duration

	state map[string]*breakerState
}

type breakerState struct {
	failCount int
	firstFail time.Time
	openUntil time.Time
}

type BreakerOptions struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
	Clock     clockwork.Clock
}

func NewBreaker(opt BreakerOptions) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	return &Breaker{
		clock:     opt.Clock,
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		state:     make(map[string]*breakerState),
	}
}

func (b *Breaker) Allow(key string) bool {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		return true
	}
	return s.openUntil.IsZero() || !now.Before(s.openUntil)
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
}

// Failure records a failure and reports whether this one opened the breaker.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		s = &breakerState{firstFail: now}
		b.state[key] = s
	} else if now.Sub(s.firstFail) > b.window {
		// window expired: start counting again
		s.failCount = 0
		s.firstFail = now
		s.openUntil = time.Time{}
	}

	s.failCount++
	if s.failCount >= b.threshold {
		s.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}
