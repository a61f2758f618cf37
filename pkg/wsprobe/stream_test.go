package wsprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// pushServer accepts websocket clients and lets the test write to the latest one.
type pushServer struct {
	*httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []string
	auth    []string
}

func newPushServer(t *testing.T) *pushServer {
	ps := &pushServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, c)
		ps.queries = append(ps.queries, r.URL.RawQuery)
		ps.auth = append(ps.auth, r.Header.Get("Authorization"))
		ps.mu.Unlock()
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) wsURL() string { return "ws" + strings.TrimPrefix(ps.URL, "http") + "/ws" }

func (ps *pushServer) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	var c *websocket.Conn
	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if len(ps.conns) == 0 {
			return false
		}
		c = ps.conns[len(ps.conns)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (ps *pushServer) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

func drain(t *testing.T, probe func(context.Context, string) ([]notification, error), want int) []notification {
	t.Helper()
	var got []notification
	require.Eventually(t, func() bool {
		items, err := probe(context.Background(), "")
		if err != nil {
			return false
		}
		got = append(got, items...)
		return len(got) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestProbeReturnsPushedFrames(t *testing.T) {
	ps := newPushServer(t)
	s, err := Dial[notification](context.Background(), ps.wsURL(), http.Header{"Authorization": {"Bearer tok"}}, Options{Name: "notifications"})
	require.NoError(t, err)
	defer s.Close()

	c := ps.latest(t)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"title":"hello"}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"title":"again"}`)))

	got := drain(t, s.Probe(), 2)
	assert.Equal(t, []notification{{1, "hello"}, {2, "again"}}, got)
	assert.Equal(t, "Bearer tok", ps.auth[0])

	items, err := s.Probe()(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBufferDropsOldest(t *testing.T) {
	ps := newPushServer(t)
	s, err := Dial[notification](context.Background(), ps.wsURL(), nil, Options{Buffer: 2})
	require.NoError(t, err)
	defer s.Close()

	c := ps.latest(t)
	for _, f := range []string{`{"id":1}`, `{"id":2}`, `{"id":3}`, `{"id":4}`} {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(f)))
	}
	// marker frame: once it is buffered, everything before it was read
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"id":5}`)))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.buf) > 0 && s.buf[len(s.buf)-1].ID == 5
	}, 2*time.Second, 5*time.Millisecond)

	items, err := s.Probe()(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []notification{{ID: 4}, {ID: 5}}, items)
}

func TestReconnectAfterDrop(t *testing.T) {
	ps := newPushServer(t)
	s, err := Dial[notification](context.Background(), ps.wsURL(), nil, Options{CursorParam: "since"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, ps.latest(t).Close())
	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 5*time.Millisecond)

	probe := s.Probe()
	_, err = probe(context.Background(), "41")
	assert.ErrorIs(t, err, ErrConnectionLost)

	items, err := probe(context.Background(), "41")
	require.NoError(t, err)
	assert.Empty(t, items)
	require.Eventually(t, func() bool { return ps.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	ps.mu.Lock()
	assert.Equal(t, "since=41", ps.queries[1])
	ps.mu.Unlock()

	require.NoError(t, ps.latest(t).WriteMessage(websocket.TextMessage, []byte(`{"id":42}`)))
	assert.Equal(t, []notification{{ID: 42}}, drain(t, probe, 1))
}

func TestClosedStream(t *testing.T) {
	ps := newPushServer(t)
	s, err := Dial[notification](context.Background(), ps.wsURL(), nil, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Probe()(context.Background(), "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial[notification](context.Background(), "ws://127.0.0.1:1/ws", nil, Options{})
	assert.Error(t, err)
}
