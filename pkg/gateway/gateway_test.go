package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-collab-go/pkg/envelope"
)

func newTestGateway(t *testing.T, h http.HandlerFunc, mod ...func(*Options)) *HTTP {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts := Options{BaseURL: srv.URL + "/api/", Token: "tok"}
	for _, m := range mod {
		m(&opts)
	}
	g, err := New(opts)
	require.NoError(t, err)
	return g
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestParamsValues(t *testing.T) {
	q := Params{
		"action":  "list",
		"room_id": int64(5),
		"unread":  true,
		"tags":    []string{"a", "b"},
		"ids":     []int64{1, 2},
		"skip":    nil,
		"since":   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}.Values()

	assert.Equal(t, "list", q.Get("action"))
	assert.Equal(t, "5", q.Get("room_id"))
	assert.Equal(t, "1", q.Get("unread"))
	assert.Equal(t, []string{"a", "b"}, q["tags[]"])
	assert.Equal(t, []string{"1", "2"}, q["ids[]"])
	assert.Equal(t, "2026-01-02T03:04:05Z", q.Get("since"))
	_, ok := q["skip"]
	assert.False(t, ok)
}

func TestBuildURL(t *testing.T) {
	g, err := New(Options{BaseURL: "https://app.example.com/api/", ResourceSuffix: ".php"})
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com/api/tasks.php", g.BuildURL("tasks"))
	assert.Equal(t, "https://app.example.com/api/tasks.php?action=delete&id=7", g.BuildURL("/tasks?action=delete&id=7"))
	assert.Equal(t, "https://app.example.com/api/files.php?x=1", g.BuildURL("files.php?x=1"))
}

func TestGetSendsQueryAndHeaders(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "messages", r.URL.Query().Get("action"))
		assert.Equal(t, "5", r.URL.Query().Get("room_id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		_, _ = io.WriteString(w, `{"success":true,"data":{"messages":[]},"has_more":false}`)
	})

	env, err := g.Get(context.Background(), "chat", Params{"action": "messages", "room_id": 5})
	require.NoError(t, err)
	assert.True(t, env.Success)
	require.NotNil(t, env.HasMore)
	assert.False(t, *env.HasMore)
}

func TestPostAndPutEncodeJSON(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut} {
		t.Run(method, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, method, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "create", body["action"])
				_, _ = io.WriteString(w, `{"success":true,"data":{"id":1}}`)
			})
			var (
				env *envelope.Raw
				err error
			)
			if method == http.MethodPost {
				env, err = g.Post(context.Background(), "calendar", Params{"action": "create"})
			} else {
				env, err = g.Put(context.Background(), "calendar", Params{"action": "create"})
			}
			require.NoError(t, err)
			assert.JSONEq(t, `{"id":1}`, string(env.Data))
		})
	}
}

func TestDeleteKeepsQuery(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "7", r.URL.Query().Get("id"))
		_, _ = io.WriteString(w, `{"success":false,"message":"Task not found"}`)
	})

	env, err := g.Delete(context.Background(), "tasks?action=delete&id=7")
	require.NoError(t, err)
	assert.False(t, env.Success)
	assert.Equal(t, "Task not found", env.Message)
}

func TestNon2xxEnvelopeIsReturned(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"success":false,"message":"Access denied"}`)
	})

	env, err := g.Get(context.Background(), "dashboard", nil)
	require.NoError(t, err)
	assert.Equal(t, "Access denied", env.Message)
}

func TestUnparseableBodyIsTransportError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `<html>bad gateway</html>`)
	})

	_, err := g.Get(context.Background(), "dashboard", nil)
	require.Error(t, err)
	var te *envelope.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Equal(t, "dashboard", te.Resource)
}

func TestNetworkErrorIsTransportError(t *testing.T) {
	g, err := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)

	_, err = g.Get(context.Background(), "chat", nil)
	assert.True(t, envelope.IsTransport(err))
}

func TestUploadReportsProgress(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "upload", r.FormValue("action"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, strings.Repeat("x", 100000), string(b))
		_, _ = io.WriteString(w, `{"success":true,"data":{"id":9,"name":"notes.txt"}}`)
	})

	var (
		mu  sync.Mutex
		pct []float64
	)
	env, err := g.Upload(context.Background(), "files", &Form{
		Fields: map[string]string{"action": "upload"},
		Files:  []FormFile{{Filename: "notes.txt", Reader: strings.NewReader(strings.Repeat("x", 100000))}},
	}, func(p float64) {
		mu.Lock()
		pct = append(pct, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, env.Success)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, pct)
	assert.Equal(t, float64(100), pct[len(pct)-1])
	for i := 1; i < len(pct); i++ {
		assert.GreaterOrEqual(t, pct[i], pct[i-1])
	}
}

func TestFetchBlob(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		w.Header().Set("Content-Disposition", `attachment; filename="events.ics"`)
		_, _ = io.WriteString(w, "BEGIN:VCALENDAR")
	})

	blob, err := g.FetchBlob(context.Background(), "calendar?action=export")
	require.NoError(t, err)
	assert.Equal(t, "BEGIN:VCALENDAR", string(blob.Data))
	assert.Equal(t, "text/calendar", blob.ContentType)
	assert.Equal(t, "events.ics", blob.Filename)

	_, err = g.FetchBlob(context.Background(), "files?action=download&id=404")
	var te *envelope.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	clk := clockwork.NewFakeClock()
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"success":false,"message":"maintenance"}`)
	}, func(o *Options) {
		o.Clock = clk
		o.Breaker = NewBreaker(BreakerOptions{Threshold: 2, Window: time.Minute, OpenFor: 10 * time.Second, Clock: clk})
	})

	for i := 0; i < 2; i++ {
		env, err := g.Get(context.Background(), "tasks", nil)
		require.NoError(t, err)
		assert.Equal(t, "maintenance", env.Message)
	}
	_, err := g.Get(context.Background(), "tasks", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load())

	// other resources are unaffected
	_, err = g.Get(context.Background(), "calendar", nil)
	require.NoError(t, err)

	clk.Advance(11 * time.Second)
	_, err = g.Get(context.Background(), "tasks", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 4, calls.Load())
}
