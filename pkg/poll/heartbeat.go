package poll

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/metrics"
)

type HeartbeatOptions struct {
	Name     string
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Heartbeat invokes an action right away and then once per interval.
// Failures are logged and never stop it.
type Heartbeat struct {
	name     string
	interval time.Duration
	clock    clockwork.Clock
	log      *zap.Logger
	action   func(context.Context) error

	stopOnce sync.Once
	stopC    chan struct{}
	done     chan struct{}
}

func StartHeartbeat(ctx context.Context, action func(context.Context) error, opts HeartbeatOptions) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "heartbeat"
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Heartbeat{
		name:     opts.Name,
		interval: opts.Interval,
		clock:    opts.Clock,
		log:      opts.Logger.With(zap.String("key", opts.Name)),
		action:   action,
		stopC:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopC) })
}

func (h *Heartbeat) Done() <-chan struct{} { return h.done }

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	t := h.clock.NewTicker(h.interval)
	defer t.Stop()

	h.beat(ctx)
	for {
		select {
		case <-h.stopC:
			return
		case <-ctx.Done():
			h.Stop()
			return
		case <-t.Chan():
			select {
			case <-h.stopC:
				return
			default:
			}
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	metrics.HeartbeatBeats.WithLabelValues(h.name).Inc()
	defer func() {
		if r := recover(); r != nil {
			metrics.HeartbeatFailures.WithLabelValues(h.name).Inc()
			h.log.Error("poll: heartbeat panic", zap.Any("panic", r))
		}
	}()
	if err := h.action(ctx); err != nil {
		metrics.HeartbeatFailures.WithLabelValues(h.name).Inc()
		h.log.Warn("poll: heartbeat failed", zap.Error(err))
	}
}
