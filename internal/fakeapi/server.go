// Package fakeapi is an in-memory implementation of the collaboration
// endpoints, used by the end to end tests and by collab-watch --demo.
//
// Every resource is served at /api/{resource} (an optional ".php" suffix is
// accepted) and dispatches on the action parameter, taken from the query
// string, the JSON body or the multipart form. Answers use the
// {success, data, message, ...} envelope.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxUpload = 32 << 20

type Options struct {
	// Token is the bearer token clients must present. Empty disables auth.
	Token  string
	UserID int64 // identity of every authenticated caller, default 1
	Clock  clockwork.Clock
	Logger *zap.Logger
}

type Server struct {
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger
	hub   *hub

	mu       sync.Mutex
	routes   map[string]map[string]route
	failures map[string]string
	changed  time.Time

	events, tasks, comments        *table
	rooms, messages, notifications *table
	files, shares                  *table
	dashboards, widgets            *table
	contents                       map[int64][]byte
	presence                       map[int64]record
	readMarks                      map[string]int64
}

type route struct {
	method string
	h      handler
}

type handler func(q *request) (*reply, error)

// reply is a successful answer: an envelope, or a raw body when blob is set.
type reply struct {
	data    any
	message string
	meta    map[string]any
	blob    *blob
}

type blob struct {
	data        []byte
	contentType string
	filename    string
}

// apiError is answered as success=false with its status.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func fail(status int, msg string) error { return &apiError{status: status, message: msg} }

func notFound(what string) error { return fail(http.StatusNotFound, what+" not found") }

func invalid(msg string) error { return fail(http.StatusUnprocessableEntity, msg) }

func New(opts Options) *Server {
	if opts.UserID == 0 {
		opts.UserID = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		opts:          opts,
		clock:         opts.Clock,
		log:           opts.Logger,
		hub:           newHub(),
		routes:        make(map[string]map[string]route),
		failures:      make(map[string]string),
		events:        newTable(),
		tasks:         newTable(),
		comments:      newTable(),
		rooms:         newTable(),
		messages:      newTable(),
		notifications: newTable(),
		files:         newTable(),
		shares:        newTable(),
		dashboards:    newTable(),
		widgets:       newTable(),
		contents:      make(map[int64][]byte),
		presence:      make(map[int64]record),
		readMarks:     make(map[string]int64),
	}
	s.calendarRoutes()
	s.chatRoutes()
	s.taskRoutes()
	s.fileRoutes()
	s.dashboardRoutes()
	return s
}

// Handler returns the router: /api/{resource} and /ws/notifications.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.HandleFunc("/{resource}", s.dispatch)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/ws/notifications", s.serveNotifications)
	})
	return r
}

// Fail makes every call of resource/action answer success=false with msg
// until Recover is called.
func (s *Server) Fail(resource, action, msg string) {
	s.mu.Lock()
	s.failures[resource+"/"+action] = msg
	s.mu.Unlock()
}

func (s *Server) Recover(resource, action string) {
	s.mu.Lock()
	delete(s.failures, resource+"/"+action)
	s.mu.Unlock()
}

func (s *Server) handle(resource, action, method string, h handler) {
	if s.routes[resource] == nil {
		s.routes[resource] = make(map[string]route)
	}
	s.routes[resource][action] = route{method: method, h: h}
}

// touch marks server state as changed; callers hold s.mu.
func (s *Server) touch() time.Time {
	now := s.clock.Now()
	s.changed = now
	return now
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSuffix(chi.URLParam(r, "resource"), ".php")
	q, err := parseRequest(r)
	if err != nil {
		writeError(w, fail(http.StatusBadRequest, "Invalid request"))
		return
	}
	q.uid = s.opts.UserID

	s.mu.Lock()
	rt, ok := s.routes[resource][q.action]
	msg, failing := s.failures[resource+"/"+q.action]
	s.mu.Unlock()

	switch {
	case !ok:
		if _, known := s.routes[resource]; !known {
			writeError(w, notFound("Resource"))
			return
		}
		writeError(w, fail(http.StatusBadRequest, "Unknown action"))
		return
	case rt.method != r.Method:
		writeError(w, fail(http.StatusMethodNotAllowed, "Method not allowed"))
		return
	case failing:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": msg})
		return
	}

	s.mu.Lock()
	rep, err := rt.h(q)
	s.mu.Unlock()
	if err != nil {
		s.log.Debug("fakeapi: request rejected",
			zap.String("resource", resource), zap.String("action", q.action), zap.Error(err))
		writeError(w, err)
		return
	}
	writeReply(w, rep)
}

func writeReply(w http.ResponseWriter, rep *reply) {
	if rep == nil {
		rep = &reply{}
	}
	if b := rep.blob; b != nil {
		w.Header().Set("Content-Type", b.contentType)
		if b.filename != "" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": b.filename}))
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b.data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b.data)
		return
	}
	body := map[string]any{"success": true, "data": rep.data}
	if rep.message != "" {
		body["message"] = rep.message
	}
	for k, v := range rep.meta {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := http.StatusInternalServerError, "Internal error"
	var ae *apiError
	if errors.As(err, &ae) {
		status, msg = ae.status, ae.message
	}
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// request is a parsed call: query, JSON body and form fields in one map.
type request struct {
	*http.Request
	uid    int64
	action string
	params map[string]any
	file   *upload
}

type upload struct {
	name string
	mime string
	data []byte
}

func parseRequest(r *http.Request) (*request, error) {
	q := &request{Request: r, params: make(map[string]any)}
	for k, vs := range r.URL.Query() {
		if strings.HasSuffix(k, "[]") {
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			q.params[strings.TrimSuffix(k, "[]")] = list
			continue
		}
		q.params[k] = vs[0]
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case ct == "application/json":
		dec := json.NewDecoder(io.LimitReader(r.Body, maxUpload))
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for k, v := range body {
			q.params[k] = v
		}
	case ct == "multipart/form-data":
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return nil, err
		}
		for k, vs := range r.MultipartForm.Value {
			q.params[k] = vs[0]
		}
		if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
			f, err := fhs[0].Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, err
			}
			q.file = &upload{name: fhs[0].Filename, mime: fhs[0].Header.Get("Content-Type"), data: data}
		}
	}
	q.action = q.str("action")
	return q, nil
}

func (q *request) str(k string) string {
	switch v := q.params[k].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (q *request) id(k string) int64 {
	n, _ := toInt(q.params[k])
	return n
}

func (q *request) has(k string) bool {
	_, ok := q.params[k]
	return ok
}

func (q *request) flag(k string) bool {
	switch v := q.params[k].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// since parses the since parameter; zero time when absent.
func (q *request) since() (time.Time, error) {
	s := q.str("since")
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, invalid("Invalid since timestamp")
	}
	return t, nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}
