// Package bridge is the in-process event surface facades emit to after a
// successful mutation. Delivery is synchronous, in registration order, and a
// panicking listener does not keep later listeners from running.
package bridge

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/metrics"
)

var ErrInvalidName = errors.New("bridge: event name must be domain:entity:verb")

var segment = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Event is one emission. Payload is whatever the emitter decoded, usually
// the data of a success envelope.
type Event struct {
	ID      string
	Name    string
	Payload any
	At      time.Time
}

type Listener func(Event)

type listener struct {
	id   uint64
	name string // empty for OnAny
	fn   Listener
}

type Bridge struct {
	mu        sync.RWMutex
	seq       uint64
	listeners []listener

	clock clockwork.Clock
	log   *zap.Logger
}

func New(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{clock: clockwork.NewRealClock(), log: log}
}

// WithClock sets the clock used to stamp events.
func (b *Bridge) WithClock(clk clockwork.Clock) *Bridge {
	b.clock = clk
	return b
}

// On registers fn for events named name and returns its remover.
func (b *Bridge) On(name string, fn Listener) (off func()) {
	if _, _, _, err := ParseName(name); err != nil {
		b.log.Warn("bridge: listener for invalid event name", zap.String("event", name))
	}
	return b.add(name, fn)
}

// OnAny registers fn for every event.
func (b *Bridge) OnAny(fn Listener) (off func()) {
	return b.add("", fn)
}

func (b *Bridge) add(name string, fn Listener) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.listeners = append(b.listeners, listener{id: id, name: name, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bridge) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers to the listeners registered at the time of the call and
// returns how many were invoked.
func (b *Bridge) Emit(name string, payload any) int {
	if _, _, _, err := ParseName(name); err != nil {
		metrics.BridgeRejected.Inc()
		b.log.Warn("bridge: emit rejected", zap.String("event", name), zap.Error(err))
		return 0
	}
	metrics.BridgeEmits.Inc()

	b.mu.RLock()
	targets := make([]listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		if l.name == "" || l.name == name {
			targets = append(targets, l)
		}
	}
	b.mu.RUnlock()

	evt := Event{ID: uuid.NewString(), Name: name, Payload: payload, At: b.clock.Now()}
	for _, l := range targets {
		b.call(l, evt)
	}
	return len(targets)
}

func (b *Bridge) call(l listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BridgeListenerPanics.Inc()
			b.log.Error("bridge: listener panic", zap.String("event", evt.Name), zap.Any("panic", r))
		}
	}()
	l.fn(evt)
}

// Len reports how many listeners are registered.
func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Name joins the three parts of an event name.
func Name(domain, entity, verb string) string {
	return domain + ":" + entity + ":" + verb
}

func ParseName(name string) (domain, entity, verb string, err error) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 {
		return "", "", "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	for _, p := range parts {
		if !segment.MatchString(p) {
			return "", "", "", errors.Wrapf(ErrInvalidName, "%q", name)
		}
	}
	return parts[0], parts[1], parts[2], nil
}
