package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/metrics"
)

// WireEvent is the MQ shape of a bridge event.
// Treat this as a contract (version it when breaking changes are required).
type WireEvent struct {
	Event   string            `json:"event"`
	Domain  string            `json:"domain"`
	TraceID string            `json:"trace_id"`
	TS      int64             `json:"ts"` // unix seconds
	Payload json.RawMessage   `json:"payload,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Publisher ships wire events out of the process. It does NOT consume.
type Publisher interface {
	Publish(ctx context.Context, evt *WireEvent) error
	Close() error
}

type ForwarderOptions struct {
	QueueSize int
	Workers   int
	OpTimeout time.Duration
	Meta      map[string]string
	// Filter selects the events to forward; nil forwards everything.
	Filter func(Event) bool
	Logger *zap.Logger
}

func (o ForwarderOptions) withDefaults() ForwarderOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Forwarder copies bridge events to a Publisher on worker goroutines.
// Emit never waits for it: when the queue is full the event is dropped.
type Forwarder struct {
	pub  Publisher
	opts ForwarderOptions
	log  *zap.Logger
	off  func()

	q      chan *WireEvent
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewForwarder(b *Bridge, pub Publisher, opts ForwarderOptions) *Forwarder {
	opts = opts.withDefaults()
	f := &Forwarder{
		pub:    pub,
		opts:   opts,
		log:    opts.Logger,
		q:      make(chan *WireEvent, opts.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	f.off = b.OnAny(f.enqueue)
	return f
}

func (f *Forwarder) enqueue(evt Event) {
	if f.opts.Filter != nil && !f.opts.Filter(evt) {
		return
	}
	w, err := Wire(evt)
	if err != nil {
		metrics.ForwardFailures.Inc()
		f.log.Warn("bridge: encode event", zap.String("event", evt.Name), zap.Error(err))
		return
	}
	w.Meta = f.opts.Meta

	select {
	case <-f.stopCh:
		return
	default:
	}
	select {
	case f.q <- w:
	default:
		metrics.ForwardDropped.Inc()
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		case w := <-f.q:
			ctx, cancel := context.WithTimeout(context.Background(), f.opts.OpTimeout)
			err := f.pub.Publish(ctx, w)
			cancel()
			if err != nil {
				metrics.ForwardFailures.Inc()
				f.log.Warn("bridge: publish failed", zap.String("event", w.Event), zap.String("trace_id", w.TraceID), zap.Error(err))
			}
		}
	}
}

// Close detaches from the bridge, stops the workers and closes the publisher.
// Events still queued are dropped.
func (f *Forwarder) Close() error {
	var err error
	f.once.Do(func() {
		f.off()
		close(f.stopCh)
		f.wg.Wait()
		err = f.pub.Close()
	})
	return err
}

// Wire converts evt to its MQ shape.
func Wire(evt Event) (*WireEvent, error) {
	var payload json.RawMessage
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	domain, _, _ := strings.Cut(evt.Name, ":")
	return &WireEvent{
		Event:   evt.Name,
		Domain:  domain,
		TraceID: evt.ID,
		TS:      evt.At.Unix(),
		Payload: payload,
	}, nil
}
