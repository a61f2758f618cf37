package poll

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-collab-go/pkg/cursorstore"
)

const waitFor = 2 * time.Second

type msg struct{ ID int64 }

func msgs(ids ...int64) []msg {
	out := make([]msg, len(ids))
	for i, id := range ids {
		out[i] = msg{ID: id}
	}
	return out
}

type reply struct {
	items []msg
	err   error
}

// script is a probe whose answers are fed by the test, one per call.
type script struct {
	calls   chan string
	replies chan reply
}

func newScript() *script {
	return &script{calls: make(chan string, 16), replies: make(chan reply)}
}

func (p *script) probe(ctx context.Context, cursor string) ([]msg, error) {
	p.calls <- cursor
	select {
	case r := <-p.replies:
		return r.items, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *script) next(t *testing.T) string {
	t.Helper()
	select {
	case c := <-p.calls:
		return c
	case <-time.After(waitFor):
		t.Fatal("probe was not called")
		return ""
	}
}

func (p *script) reply(t *testing.T, items []msg, err error) {
	t.Helper()
	select {
	case p.replies <- reply{items: items, err: err}:
	case <-time.After(waitFor):
		t.Fatal("probe is not waiting for a reply")
	}
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("subscription did not exit")
	}
}

func lastID(m msg) string { return strconv.FormatInt(m.ID, 10) }

func byID() CursorFunc[msg] { return ByLastID(lastID) }

func TestSubscribeDeliversOnlyNonEmptyBatches(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newScript()
	got := make(chan []msg, 8)

	s := Subscribe(context.Background(), p.probe, func(b []msg) { got <- b }, Options[msg]{
		Key: "chat.messages:5", Interval: 3 * time.Second, Cursor: "0", Advance: byID(), Clock: clk,
	})
	defer s.Stop()

	// immediate probe, no tick needed
	assert.Equal(t, "0", p.next(t))
	p.reply(t, msgs(101), nil)
	assert.Equal(t, msgs(101), recv(t, got))
	assert.Equal(t, "101", s.Cursor())

	clk.BlockUntil(1)
	clk.Advance(3 * time.Second)
	assert.Equal(t, "101", p.next(t))
	p.reply(t, nil, nil)

	clk.Advance(3 * time.Second)
	assert.Equal(t, "101", p.next(t))
	p.reply(t, msgs(102, 103), nil)

	assert.Equal(t, msgs(102, 103), recv(t, got))
	assert.Equal(t, "103", s.Cursor())
	assert.Empty(t, got)
}

func TestProbeFailureKeepsCursorAndSubscription(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newScript()
	got := make(chan []msg, 8)

	s := Subscribe(context.Background(), p.probe, func(b []msg) { got <- b }, Options[msg]{
		Key: "tasks.updates", Interval: time.Second, Cursor: "7", Advance: byID(), Clock: clk,
	})
	defer s.Stop()

	assert.Equal(t, "7", p.next(t))
	p.reply(t, nil, errors.New("connection reset"))

	clk.BlockUntil(1)
	clk.Advance(time.Second)
	assert.Equal(t, "7", p.next(t), "failed tick must not move the cursor")
	p.reply(t, msgs(8), nil)

	assert.Equal(t, msgs(8), recv(t, got))
	assert.Equal(t, "8", s.Cursor())
	assert.Empty(t, got)
}

func TestStopDiscardsInFlightProbe(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newScript()
	var calls atomic.Int32

	s := Subscribe(context.Background(), p.probe, func([]msg) { calls.Add(1) }, Options[msg]{
		Key: "chat.messages:9", Interval: time.Second, Cursor: "50", Advance: byID(), Clock: clk,
	})

	p.next(t)
	s.Stop()
	p.reply(t, msgs(51, 52), nil)
	waitDone(t, s.Done())

	assert.Zero(t, calls.Load())
	assert.Equal(t, "50", s.Cursor())
}

func TestStopIsIdempotent(t *testing.T) {
	p := newScript()
	s := Subscribe(context.Background(), p.probe, nil, Options[msg]{Key: "k", Clock: clockwork.NewFakeClock()})
	p.next(t)
	p.reply(t, nil, nil)

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
	waitDone(t, s.Done())
	assert.NotPanics(t, s.Stop)
}

func TestContextCancelStopsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newScript()
	s := Subscribe(ctx, p.probe, nil, Options[msg]{Key: "k", Clock: clockwork.NewFakeClock()})

	p.next(t)
	cancel()
	waitDone(t, s.Done())
}

func TestCallbackPanicDoesNotStopSubscription(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newScript()
	got := make(chan []msg, 8)
	first := true

	s := Subscribe(context.Background(), p.probe, func(b []msg) {
		if first {
			first = false
			panic("listener bug")
		}
		got <- b
	}, Options[msg]{Key: "k", Interval: time.Second, Advance: byID(), Clock: clk})
	defer s.Stop()

	p.next(t)
	p.reply(t, msgs(1), nil)

	clk.BlockUntil(1)
	clk.Advance(time.Second)
	assert.Equal(t, "1", p.next(t))
	p.reply(t, msgs(2), nil)
	assert.Equal(t, msgs(2), recv(t, got))
}

func TestByTimestampUsesProbeStartTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clockwork.NewFakeClockAt(start)
	p := newScript()
	got := make(chan []msg, 8)

	s := Subscribe(context.Background(), p.probe, func(b []msg) { got <- b }, Options[msg]{
		Key: "chat.notifications", Interval: 10 * time.Second, Cursor: Timestamp(start),
		Advance: ByTimestamp[msg](), Clock: clk,
	})
	defer s.Stop()

	assert.Equal(t, "2026-03-01T09:00:00Z", p.next(t))
	p.reply(t, nil, nil)

	clk.BlockUntil(1)
	clk.Advance(10 * time.Second)
	assert.Equal(t, "2026-03-01T09:00:00Z", p.next(t), "empty batch keeps the cursor")
	p.reply(t, msgs(1), nil)
	recv(t, got)
	assert.Equal(t, "2026-03-01T09:00:10Z", s.Cursor())
}

func TestStoreRestoresAndPersistsCursor(t *testing.T) {
	ctx := context.Background()
	store := cursorstore.NewMemory()
	require.NoError(t, store.Save(ctx, "chat.messages:5", "200"))

	p := newScript()
	got := make(chan []msg, 1)
	s := Subscribe(ctx, p.probe, func(b []msg) { got <- b }, Options[msg]{
		Key: "chat.messages:5", Cursor: "0", Advance: byID(), Clock: clockwork.NewFakeClock(), Store: store,
	})
	defer s.Stop()

	assert.Equal(t, "200", p.next(t))
	p.reply(t, msgs(201), nil)
	recv(t, got)

	require.Eventually(t, func() bool {
		c, ok, err := store.Load(ctx, "chat.messages:5")
		return err == nil && ok && c == "201"
	}, waitFor, 5*time.Millisecond)
}

// slowStore holds every Save until the test releases it.
type slowStore struct {
	*cursorstore.Memory
	saving  chan string
	release chan struct{}
}

func (s *slowStore) Save(ctx context.Context, key, cursor string) error {
	s.saving <- cursor
	<-s.release
	return s.Memory.Save(ctx, key, cursor)
}

func TestStopDuringCursorSaveDeliversNothingMore(t *testing.T) {
	clk := clockwork.NewFakeClock()
	store := &slowStore{Memory: cursorstore.NewMemory(), saving: make(chan string, 1), release: make(chan struct{})}
	p := newScript()
	var calls atomic.Int32

	s := Subscribe(context.Background(), p.probe, func([]msg) { calls.Add(1) }, Options[msg]{
		Key: "chat.messages:3", Interval: time.Second, Cursor: "0", Advance: byID(), Clock: clk, Store: store,
	})

	p.next(t)
	p.reply(t, msgs(1), nil)
	assert.Equal(t, "1", recv(t, store.saving))
	delivered := calls.Load()

	s.Stop()
	stoppedAt := calls.Load()
	close(store.release)
	waitDone(t, s.Done())
	clk.Advance(5 * time.Second)

	assert.Equal(t, int32(1), delivered, "the batch is delivered before its cursor is saved")
	assert.Equal(t, stoppedAt, calls.Load(), "no callback after Stop returned")
	assert.Equal(t, "1", s.Cursor())
	c, _, err := store.Memory.Load(context.Background(), "chat.messages:3")
	require.NoError(t, err)
	assert.Equal(t, "1", c)
}

func TestSlowProbeIsNotReentered(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newScript()
	got := make(chan []msg, 8)
	const interval = time.Second

	s := Subscribe(context.Background(), p.probe, func(b []msg) { got <- b }, Options[msg]{
		Key: "tasks.updates", Interval: interval, Cursor: "0", Advance: byID(), Clock: clk,
	})
	defer s.Stop()

	assert.Equal(t, "0", p.next(t))
	clk.BlockUntil(1)
	clk.Advance(3 * interval)
	assert.Never(t, func() bool { return len(p.calls) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"a tick fired while the probe was pending")

	p.reply(t, msgs(4), nil)
	assert.Equal(t, msgs(4), recv(t, got))

	// the ticks that piled up coalesce into one follow-up probe
	assert.Equal(t, "4", p.next(t))
	p.reply(t, nil, nil)
	assert.Never(t, func() bool { return len(p.calls) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "4", s.Cursor())
}

func TestCursorFunctionPanicFailsTick(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := newScript()
	got := make(chan []msg, 8)
	bad := true

	s := Subscribe(context.Background(), p.probe, func(b []msg) { got <- b }, Options[msg]{
		Key: "k", Interval: time.Second, Cursor: "0", Clock: clk,
		Advance: func(items []msg, _ time.Time) string {
			if bad {
				bad = false
				panic("bad id")
			}
			return lastID(items[len(items)-1])
		},
	})
	defer s.Stop()

	p.next(t)
	p.reply(t, msgs(1), nil)

	clk.BlockUntil(1)
	clk.Advance(time.Second)
	assert.Equal(t, "0", p.next(t), "a failed tick keeps the cursor")
	p.reply(t, msgs(1, 2), nil)
	assert.Equal(t, msgs(1, 2), recv(t, got))
	assert.Equal(t, "2", s.Cursor())
	assert.Empty(t, got)
}

func TestByLastID(t *testing.T) {
	f := byID()
	assert.Equal(t, "3", f(msgs(1, 2, 3), time.Time{}))
}
