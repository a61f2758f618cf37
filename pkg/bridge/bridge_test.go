package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-collab-go/pkg/metrics"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var got []string
	b.On("chat:message:sent", func(Event) { got = append(got, "a") })
	b.OnAny(func(Event) { got = append(got, "any") })
	b.On("chat:message:sent", func(Event) { got = append(got, "b") })
	b.On("chat:message:deleted", func(Event) { got = append(got, "other") })

	n := b.Emit("chat:message:sent", map[string]int{"id": 1})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "any", "b"}, got)
}

func TestListenerPanicIsIsolated(t *testing.T) {
	b := New(nil)
	before := testutil.ToFloat64(metrics.BridgeListenerPanics)

	var second bool
	b.On("tasks:task:created", func(Event) { panic("ui bug") })
	b.On("tasks:task:created", func(Event) { second = true })

	assert.NotPanics(t, func() { b.Emit("tasks:task:created", nil) })
	assert.True(t, second)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BridgeListenerPanics))
}

func TestLateListenerMissesPastEmit(t *testing.T) {
	b := New(nil)
	b.Emit("calendar:event:created", 1)

	var calls int
	b.On("calendar:event:created", func(Event) { calls++ })
	assert.Zero(t, calls)

	b.Emit("calendar:event:created", 2)
	assert.Equal(t, 1, calls)
}

func TestListenerAddedDuringEmitWaitsForNext(t *testing.T) {
	b := New(nil)
	var late int
	b.On("chat:room:created", func(Event) {
		b.On("chat:room:created", func(Event) { late++ })
	})
	b.Emit("chat:room:created", nil)
	assert.Zero(t, late)
}

func TestOff(t *testing.T) {
	b := New(nil)
	var calls int
	off := b.On("sharing:file:uploaded", func(Event) { calls++ })
	b.Emit("sharing:file:uploaded", nil)
	off()
	off()
	b.Emit("sharing:file:uploaded", nil)
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Len())
}

func TestEventFields(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	b := New(nil).WithClock(clockwork.NewFakeClockAt(at))
	var evt Event
	b.OnAny(func(e Event) { evt = e })

	b.Emit("dashboard:widget:added", map[string]any{"id": 3})
	assert.Equal(t, "dashboard:widget:added", evt.Name)
	assert.Equal(t, at, evt.At)
	assert.Equal(t, map[string]any{"id": 3}, evt.Payload)
	_, err := uuid.Parse(evt.ID)
	assert.NoError(t, err)
}

func TestEmitRejectsInvalidNames(t *testing.T) {
	b := New(nil)
	var calls int
	b.OnAny(func(Event) { calls++ })

	for _, name := range []string{"", "chat", "chat:message", "chat:message:sent:x", "Chat:message:sent", "chat::sent"} {
		assert.Zero(t, b.Emit(name, nil), name)
	}
	assert.Zero(t, calls)
}

func TestParseName(t *testing.T) {
	d, e, v, err := ParseName("tasks:status:changed")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks", "status", "changed"}, []string{d, e, v})
	assert.Equal(t, "tasks:status:changed", Name(d, e, v))

	_, _, _, err = ParseName("tasks-status-changed")
	assert.ErrorIs(t, err, ErrInvalidName)
}

type fakePublisher struct {
	mu      sync.Mutex
	got     []*WireEvent
	release chan struct{}
	fail    error
	closed  bool
	seen    chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, evt *WireEvent) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.got = append(p.got, evt)
	p.mu.Unlock()
	if p.seen != nil {
		p.seen <- struct{}{}
	}
	return p.fail
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestForwarderPublishesWireEvents(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	b := New(nil).WithClock(clockwork.NewFakeClockAt(at))
	pub := &fakePublisher{seen: make(chan struct{}, 4)}
	f := NewForwarder(b, pub, ForwarderOptions{
		Workers: 1,
		Meta:    map[string]string{"source": "test"},
		Filter:  func(e Event) bool { return e.Name != "chat:typing:sent" },
	})

	b.Emit("chat:typing:sent", nil)
	b.Emit("chat:message:sent", map[string]any{"id": 101})
	select {
	case <-pub.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
	require.NoError(t, f.Close())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.got, 1)
	w := pub.got[0]
	assert.Equal(t, "chat:message:sent", w.Event)
	assert.Equal(t, "chat", w.Domain)
	assert.Equal(t, at.Unix(), w.TS)
	assert.JSONEq(t, `{"id":101}`, string(w.Payload))
	assert.Equal(t, "test", w.Meta["source"])
	assert.True(t, pub.closed)
	assert.Zero(t, b.Len())
}

func TestForwarderDropsWhenQueueIsFull(t *testing.T) {
	b := New(nil)
	pub := &fakePublisher{release: make(chan struct{})}
	f := NewForwarder(b, pub, ForwarderOptions{QueueSize: 1, Workers: 1})
	before := testutil.ToFloat64(metrics.ForwardDropped)

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Emit("tasks:task:updated", i)
	}
	assert.Less(t, time.Since(start), time.Second, "emit must not wait for the publisher")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ForwardDropped)-before, float64(3))

	close(pub.release)
	require.NoError(t, f.Close())
}

func TestForwarderCountsPublishFailures(t *testing.T) {
	b := New(nil)
	pub := &fakePublisher{fail: errors.New("broker down"), seen: make(chan struct{}, 1)}
	f := NewForwarder(b, pub, ForwarderOptions{Workers: 1})
	before := testutil.ToFloat64(metrics.ForwardFailures)

	b.Emit("sharing:file:deleted", 1)
	<-pub.seen
	require.NoError(t, f.Close())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ForwardFailures))
}

func TestWireEncodesPayload(t *testing.T) {
	w, err := Wire(Event{ID: "x", Name: "calendar:event:deleted", Payload: map[string]int{"id": 4}, At: time.Unix(100, 0)})
	require.NoError(t, err)
	b, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"calendar:event:deleted","domain":"calendar","trace_id":"x","ts":100,"payload":{"id":4}}`, string(b))

	_, err = Wire(Event{Name: "a:b:c", Payload: make(chan int)})
	assert.Error(t, err)
}
