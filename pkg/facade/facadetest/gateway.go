// Package facadetest provides a scripted gateway.Gateway for client tests.
package facadetest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/lzyats/core-collab-go/pkg/envelope"
	"github.com/lzyats/core-collab-go/pkg/gateway"
)

// Request is one recorded gateway call.
type Request struct {
	Method   string
	Resource string // without query
	Params   gateway.Params
	Query    url.Values // DELETE and blob calls
	Form     *gateway.Form
	Files    map[string][]byte
}

// Action returns the action discriminator of the request, wherever it was sent.
func (r Request) Action() string {
	if r.Params != nil {
		if a, ok := r.Params["action"].(string); ok {
			return a
		}
	}
	if r.Form != nil {
		if a, ok := r.Form.Fields["action"]; ok {
			return a
		}
	}
	return r.Query.Get("action")
}

// Responder answers a request with a JSON envelope body or an error.
type Responder func(req Request) (string, error)

// Gateway answers requests from a queue of responders, falling back to a
// default when the queue is empty.
type Gateway struct {
	mu       sync.Mutex
	queue    []Responder
	fallback Responder
	calls    []Request
	blobs    map[string]*gateway.Blob
	progress []float64
}

var _ gateway.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		fallback: JSON(`{"success":true,"data":null}`),
		blobs:    make(map[string]*gateway.Blob),
	}
}

// JSON always answers with body.
func JSON(body string) Responder {
	return func(Request) (string, error) { return body, nil }
}

// Fail always answers with err.
func Fail(err error) Responder {
	return func(Request) (string, error) { return "", err }
}

// Then queues responders, consumed one per call.
func (g *Gateway) Then(rs ...Responder) *Gateway {
	g.mu.Lock()
	g.queue = append(g.queue, rs...)
	g.mu.Unlock()
	return g
}

// Always sets the responder used once the queue is empty.
func (g *Gateway) Always(r Responder) *Gateway {
	g.mu.Lock()
	g.fallback = r
	g.mu.Unlock()
	return g
}

// Blob registers a binary answer for FetchBlob on resource.
func (g *Gateway) Blob(resource string, b *gateway.Blob) *Gateway {
	g.mu.Lock()
	g.blobs[resource] = b
	g.mu.Unlock()
	return g
}

func (g *Gateway) Calls() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.calls...)
}

func (g *Gateway) Last() Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return Request{}
	}
	return g.calls[len(g.calls)-1]
}

func (g *Gateway) answer(req Request) (*envelope.Raw, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	r := g.fallback
	if len(g.queue) > 0 {
		r = g.queue[0]
		g.queue = g.queue[1:]
	}
	g.mu.Unlock()

	body, err := r(req)
	if err != nil {
		return nil, err
	}
	return envelope.Parse([]byte(body))
}

func split(pathWithQuery string) (string, url.Values) {
	p, q, _ := strings.Cut(pathWithQuery, "?")
	v, _ := url.ParseQuery(q)
	return p, v
}

func toParams(body any) gateway.Params {
	switch b := body.(type) {
	case gateway.Params:
		return b
	case map[string]any:
		return b
	case nil:
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	var p gateway.Params
	_ = json.Unmarshal(raw, &p)
	return p
}

func (g *Gateway) Get(_ context.Context, resource string, params gateway.Params) (*envelope.Raw, error) {
	return g.answer(Request{Method: http.MethodGet, Resource: resource, Params: params})
}

func (g *Gateway) Post(_ context.Context, resource string, body any) (*envelope.Raw, error) {
	return g.answer(Request{Method: http.MethodPost, Resource: resource, Params: toParams(body)})
}

func (g *Gateway) Put(_ context.Context, resource string, body any) (*envelope.Raw, error) {
	return g.answer(Request{Method: http.MethodPut, Resource: resource, Params: toParams(body)})
}

func (g *Gateway) Delete(_ context.Context, resource string) (*envelope.Raw, error) {
	p, q := split(resource)
	return g.answer(Request{Method: http.MethodDelete, Resource: p, Query: q})
}

func (g *Gateway) Upload(_ context.Context, resource string, form *gateway.Form, onProgress func(pct float64)) (*envelope.Raw, error) {
	files := make(map[string][]byte)
	if form != nil {
		for _, f := range form.Files {
			b, _ := io.ReadAll(f.Reader)
			files[f.Filename] = b
		}
	}
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}
	return g.answer(Request{Method: http.MethodPost, Resource: resource, Form: form, Files: files})
}

func (g *Gateway) BuildURL(pathWithQuery string) string {
	return "http://facadetest.local/api/" + strings.TrimLeft(pathWithQuery, "/")
}

func (g *Gateway) DefaultHeaders() http.Header {
	return http.Header{"Accept": {"application/json"}}
}

func (g *Gateway) FetchBlob(_ context.Context, pathWithQuery string) (*gateway.Blob, error) {
	p, q := split(pathWithQuery)
	g.mu.Lock()
	g.calls = append(g.calls, Request{Method: http.MethodGet, Resource: p, Query: q})
	b, ok := g.blobs[p]
	g.mu.Unlock()
	if !ok {
		return nil, &envelope.TransportError{Method: http.MethodGet, Resource: p, StatusCode: http.StatusNotFound}
	}
	return b, nil
}
