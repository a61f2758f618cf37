package fakeapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 5 * time.Second
	outboxSize   = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one notification stream client.
type conn struct {
	ws *websocket.Conn
	// bounded outbound queue (backpressure)
	out chan []byte
}

type hub struct {
	mu    sync.RWMutex
	seq   int64
	conns map[int64]*conn
}

func newHub() *hub {
	return &hub{conns: make(map[int64]*conn)}
}

func (h *hub) add(c *conn) int64 {
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.conns[id] = c
	h.mu.Unlock()
	return id
}

// del removes the connection and closes its queue. Sends happen under the
// read lock, so none can hit the closed channel.
func (h *hub) del(id int64) {
	h.mu.Lock()
	if c, ok := h.conns[id]; ok {
		delete(h.conns, id)
		close(c.out)
	}
	h.mu.Unlock()
}

// broadcast queues b on every connection, skipping the ones that are full.
func (h *hub) broadcast(b []byte) (sent, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.out <- b:
			sent++
		default:
			dropped++
		}
	}
	return sent, dropped
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections is the number of open notification streams.
func (s *Server) Connections() int { return s.hub.len() }

// serveNotifications upgrades to a websocket that carries one JSON
// notification per text frame. ?since= replays the notifications created at
// or after that time first.
func (s *Server) serveNotifications(w http.ResponseWriter, r *http.Request) {
	q, _ := parseRequest(r)
	since, err := q.since()
	if err != nil {
		writeError(w, err)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, out: make(chan []byte, outboxSize)}

	s.mu.Lock()
	var backlog []record
	if !since.IsZero() {
		backlog = s.notifications.createdSince(since, nil)
	}
	id := s.hub.add(c)
	s.mu.Unlock()

	for _, n := range backlog {
		b, _ := json.Marshal(n)
		select {
		case c.out <- b:
		default:
		}
	}
	go writeLoop(c, s.log)
	go readLoop(c, func() { s.hub.del(id) })
}

func writeLoop(c *conn, log *zap.Logger) {
	defer func() { _ = c.ws.Close() }()
	for b := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug("fakeapi: notification write failed", zap.Error(err))
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

// readLoop discards client frames and reports when the client goes away.
func readLoop(c *conn, onClose func()) {
	defer onClose()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// CloseStreams disconnects every notification stream client.
func (s *Server) CloseStreams() {
	s.hub.mu.RLock()
	ids := make([]int64, 0, len(s.hub.conns))
	for id := range s.hub.conns {
		ids = append(ids, id)
	}
	s.hub.mu.RUnlock()
	for _, id := range ids {
		s.hub.del(id)
	}
}
