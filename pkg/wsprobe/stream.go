// Package wsprobe feeds a polling subscription from a websocket push stream
// instead of an HTTP delta query. Frames are buffered as they arrive and
// handed out by the probe on the next tick.
package wsprobe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/metrics"
	"github.com/lzyats/core-collab-go/pkg/poll"
)

var (
	ErrClosed         = errors.New("wsprobe: stream closed")
	ErrConnectionLost = errors.New("wsprobe: connection lost")
)

type Options struct {
	Name   string // metric label
	Buffer int    // frames kept between probes, default 256
	// CursorParam, when set, is added to the URL on reconnect with the
	// subscription cursor so the server can replay what was missed.
	CursorParam string
	ReadLimit   int64
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "stream"
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Stream keeps one websocket open and decodes every text frame as T.
type Stream[T any] struct {
	url    string
	header http.Header
	opts   Options
	log    *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	buf    []T
	lost   error
	closed bool
}

// Dial connects to rawURL. The connection is re-established lazily by the
// probe after it drops.
func Dial[T any](ctx context.Context, rawURL string, header http.Header, opts Options) (*Stream[T], error) {
	opts = opts.withDefaults()
	s := &Stream[T]{
		url:    rawURL,
		header: header,
		opts:   opts,
		log:    opts.Logger.With(zap.String("stream", opts.Name)),
	}
	conn, err := s.dial(ctx, "")
	if err != nil {
		return nil, err
	}
	s.attach(conn)
	return s, nil
}

func (s *Stream[T]) dial(ctx context.Context, cursor string) (*websocket.Conn, error) {
	target := s.url
	if cursor != "" && s.opts.CursorParam != "" {
		u, err := url.Parse(s.url)
		if err != nil {
			return nil, errors.Wrap(err, "wsprobe: parse url")
		}
		q := u.Query()
		q.Set(s.opts.CursorParam, cursor)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	conn, resp, err := s.opts.Dialer.DialContext(ctx, target, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "wsprobe: dial %s", s.opts.Name)
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	return conn, nil
}

func (s *Stream[T]) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
}

func (s *Stream[T]) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		typ, b, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				if !s.closed {
					s.lost = err
				}
			}
			s.mu.Unlock()
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			metrics.StreamDropped.WithLabelValues(s.opts.Name).Inc()
			s.log.Warn("wsprobe: undecodable frame", zap.Error(err))
			continue
		}
		metrics.StreamFrames.WithLabelValues(s.opts.Name).Inc()

		s.mu.Lock()
		s.buf = append(s.buf, v)
		if over := len(s.buf) - s.opts.Buffer; over > 0 {
			s.buf = append(s.buf[:0:0], s.buf[over:]...)
			metrics.StreamDropped.WithLabelValues(s.opts.Name).Add(float64(over))
		}
		s.mu.Unlock()
	}
}

// Probe drains the frames received since the previous call. A dropped
// connection is reported once as an error; the call after that reconnects.
func (s *Stream[T]) Probe() poll.Probe[T] {
	return func(ctx context.Context, cursor string) ([]T, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if s.lost != nil {
			err := s.lost
			s.lost = nil
			s.mu.Unlock()
			return nil, errors.Wrap(ErrConnectionLost, err.Error())
		}
		needDial := s.conn == nil
		s.mu.Unlock()

		if needDial {
			metrics.StreamReconnects.WithLabelValues(s.opts.Name).Inc()
			conn, err := s.dial(ctx, cursor)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = conn.Close()
				return nil, ErrClosed
			}
			s.mu.Unlock()
			s.attach(conn)
		}

		s.mu.Lock()
		items := s.buf
		s.buf = nil
		s.mu.Unlock()
		return items, nil
	}
}

// Connected reports whether a connection is currently open.
func (s *Stream[T]) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Stream[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.buf = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	return nil
}
