// Package poll runs cursor-driven polling subscriptions and heartbeats.
//
// A Subscription owns one goroutine: it probes once right away, then once per
// interval, and only that goroutine writes the cursor. A Registry keeps at
// most one live subscription per key.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/cursorstore"
	"github.com/lzyats/core-collab-go/pkg/metrics"
)

// Probe fetches the items that are newer than cursor.
type Probe[T any] func(ctx context.Context, cursor string) ([]T, error)

// CursorFunc computes the next cursor from a non-empty batch. startedAt is the
// clock reading taken just before the probe that produced items was issued.
type CursorFunc[T any] func(items []T, startedAt time.Time) string

// StopFunc stops whatever started it. Calling it more than once is a no-op.
type StopFunc func()

const defaultInterval = 5 * time.Second

type Options[T any] struct {
	Key      string
	Name     string // metric label, defaults to Key
	Interval time.Duration
	Cursor   string
	Advance  CursorFunc[T] // nil keeps the cursor as is

	Clock  clockwork.Clock
	Logger *zap.Logger
	Store  cursorstore.Store // optional
}

func (o Options[T]) withDefaults() Options[T] {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.Name == "" {
		o.Name = o.Key
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Subscription[T any] struct {
	opts    Options[T]
	probe   Probe[T]
	onItems func([]T)
	log     *zap.Logger

	mu      sync.Mutex
	cursor  string
	stopped bool

	stopOnce sync.Once
	stopC    chan struct{}
	done     chan struct{}
}

// Subscribe starts polling probe. onItems is called on the subscription's
// goroutine, once per non-empty batch. Cancelling ctx stops the subscription.
func Subscribe[T any](ctx context.Context, probe Probe[T], onItems func([]T), opts Options[T]) *Subscription[T] {
	opts = opts.withDefaults()
	s := &Subscription[T]{
		opts:    opts,
		probe:   probe,
		onItems: onItems,
		log:     opts.Logger.With(zap.String("key", opts.Key)),
		cursor:  opts.Cursor,
		stopC:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	metrics.ActiveSubscriptions.Inc()
	go s.run(ctx)
	return s
}

func (s *Subscription[T]) Key() string { return s.opts.Key }

func (s *Subscription[T]) Interval() time.Duration { return s.opts.Interval }

func (s *Subscription[T]) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Stop prevents further ticks. A probe already in flight is not interrupted,
// but its result is dropped. Once Stop returns, onItems is not called again;
// a call already running is not waited for, so onItems may call Stop itself.
func (s *Subscription[T]) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stopC)
	})
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

func (s *Subscription[T]) run(ctx context.Context) {
	defer close(s.done)
	defer metrics.ActiveSubscriptions.Dec()

	t := s.opts.Clock.NewTicker(s.opts.Interval)
	defer t.Stop()

	s.restore(ctx)
	s.tick(ctx)
	for {
		select {
		case <-s.stopC:
			return
		case <-ctx.Done():
			s.Stop()
			return
		case <-t.Chan():
			// stop and tick may be ready together
			if !s.live() {
				return
			}
			s.tick(ctx)
		}
	}
}

func (s *Subscription[T]) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *Subscription[T]) tick(ctx context.Context) {
	name := s.opts.Name
	cursor := s.Cursor()
	startedAt := s.opts.Clock.Now()
	metrics.PollTicks.WithLabelValues(name).Inc()

	items, err := s.probe(ctx, cursor)
	next := cursor
	if err == nil && len(items) > 0 {
		next, err = s.advance(cursor, items, startedAt)
	}

	// nothing may block between this check and onItems
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		metrics.PollDiscarded.WithLabelValues(name).Inc()
		return
	}
	if err != nil {
		s.mu.Unlock()
		metrics.PollFailures.WithLabelValues(name).Inc()
		s.log.Warn("poll: probe failed", zap.String("cursor", cursor), zap.Error(err))
		return
	}
	if len(items) == 0 {
		s.mu.Unlock()
		return
	}
	s.cursor = next
	s.mu.Unlock()

	s.deliver(items)
	if next != cursor {
		s.persist(ctx, next)
	}
}

// advance runs the cursor function outside the lock; a panic in it fails the
// tick instead of the process.
func (s *Subscription[T]) advance(cursor string, items []T, startedAt time.Time) (next string, err error) {
	if s.opts.Advance == nil {
		return cursor, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("poll: cursor function panic: %v", r)
		}
	}()
	return s.opts.Advance(items, startedAt), nil
}

func (s *Subscription[T]) deliver(items []T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("poll: callback panic", zap.Any("panic", r))
		}
	}()
	metrics.PollItems.WithLabelValues(s.opts.Name).Add(float64(len(items)))
	if s.onItems != nil {
		s.onItems(items)
	}
}

func (s *Subscription[T]) restore(ctx context.Context) {
	if s.opts.Store == nil {
		return
	}
	c, ok, err := s.opts.Store.Load(ctx, s.opts.Key)
	if err != nil {
		s.log.Warn("poll: cursor load failed", zap.Error(err))
		return
	}
	if ok && c != "" {
		s.mu.Lock()
		s.cursor = c
		s.mu.Unlock()
	}
}

func (s *Subscription[T]) persist(ctx context.Context, cursor string) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Save(ctx, s.opts.Key, cursor); err != nil {
		s.log.Warn("poll: cursor save failed", zap.String("cursor", cursor), zap.Error(err))
	}
}
