// Package facade implements the request algorithm shared by every feature
// client: merge the caller fields under a fixed action, call the gateway,
// turn success=false into an *envelope.ApplicationError, decode data, emit
// the bridge event of the operation and return a Result.
package facade

import (
	"context"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/bridge"
	"github.com/lzyats/core-collab-go/pkg/cursorstore"
	"github.com/lzyats/core-collab-go/pkg/envelope"
	"github.com/lzyats/core-collab-go/pkg/gateway"
	"github.com/lzyats/core-collab-go/pkg/poll"
)

// Core is what every feature client is built from.
type Core struct {
	Gateway gateway.Gateway
	Bridge  *bridge.Bridge    // optional
	Logger  *zap.Logger       // optional
	Clock   clockwork.Clock   // optional
	Store   cursorstore.Store // optional, persists polling cursors
}

func (c Core) withDefaults() Core {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Fields are caller-supplied request fields.
type Fields map[string]any

// Clone returns a shallow copy that is safe to add keys to, even when f is nil.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f)+2)
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Op describes one facade operation.
type Op struct {
	Method   string // http.MethodGet etc, default GET
	Resource string
	Action   string
	Event    string // bridge event emitted on success, optional
	// Payload replaces the decoded data as the event payload when set.
	Payload any
	Success string // message when the server sends none
	Failure string // message when a failed envelope carries none
}

// Result is the normalized success result of an operation.
type Result[T any] struct {
	Success bool          `json:"success"`
	Data    T             `json:"data"`
	Message string        `json:"message,omitempty"`
	Meta    envelope.Meta `json:"meta"`
}

// Map converts the data of r, keeping everything else.
func Map[T, U any](r *Result[T], f func(T) U) *Result[U] {
	if r == nil {
		return nil
	}
	return &Result[U]{Success: r.Success, Data: f(r.Data), Message: r.Message, Meta: r.Meta}
}

// Merge copies fields and sets action last, so callers can never override it.
func Merge(action string, fields Fields) gateway.Params {
	p := make(gateway.Params, len(fields)+1)
	for k, v := range fields {
		p[k] = v
	}
	if action != "" {
		p["action"] = action
	}
	return p
}

// Client holds what a feature client owns besides its Core: the registry of
// its live subscriptions and heartbeat.
type Client struct {
	core Core
	reg  *poll.Registry
	log  *zap.Logger
}

func NewClient(core Core, name string) *Client {
	core = core.withDefaults()
	log := core.Logger.With(zap.String("client", name))
	return &Client{core: core, reg: poll.NewRegistry(log), log: log}
}

func (c *Client) Core() Core { return c.core }

func (c *Client) Registry() *poll.Registry { return c.reg }

func (c *Client) Logger() *zap.Logger { return c.log }

// Cleanup stops every subscription and the heartbeat of the client.
func (c *Client) Cleanup() { c.reg.StopAll() }

// Shutdown is Cleanup plus waiting for the subscription goroutines to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	c.reg.StopAll()
	return c.reg.Wait(ctx)
}

// Emit sends an event on the client's bridge, if any.
func (c *Client) Emit(name string, payload any) {
	if c.core.Bridge != nil {
		c.core.Bridge.Emit(name, payload)
	}
}

// Call runs op with fields and decodes the data member as T.
func Call[T any](ctx context.Context, c *Client, op Op, fields Fields) (*Result[T], error) {
	params := Merge(op.Action, fields)
	gw := c.core.Gateway

	var (
		env *envelope.Raw
		err error
	)
	switch strings.ToUpper(op.Method) {
	case "", http.MethodGet:
		env, err = gw.Get(ctx, op.Resource, params)
	case http.MethodPost:
		env, err = gw.Post(ctx, op.Resource, params)
	case http.MethodPut:
		env, err = gw.Put(ctx, op.Resource, params)
	case http.MethodDelete:
		env, err = gw.Delete(ctx, WithQuery(op.Resource, params))
	default:
		return nil, &envelope.TransportError{Method: op.Method, Resource: op.Resource, Err: http.ErrNotSupported}
	}
	return finish[T](c, op, env, err)
}

// Upload posts form as multipart under op and decodes the answer like Call.
func Upload[T any](ctx context.Context, c *Client, op Op, form *gateway.Form, onProgress func(pct float64)) (*Result[T], error) {
	if form == nil {
		form = &gateway.Form{}
	}
	fields := make(map[string]string, len(form.Fields)+1)
	for k, v := range form.Fields {
		fields[k] = v
	}
	if op.Action != "" {
		fields["action"] = op.Action
	}
	f := *form
	f.Fields = fields
	env, err := c.core.Gateway.Upload(ctx, op.Resource, &f, onProgress)
	return finish[T](c, op, env, err)
}

func finish[T any](c *Client, op Op, env *envelope.Raw, err error) (*Result[T], error) {
	if err != nil {
		c.log.Debug("facade: gateway rejected",
			zap.String("resource", op.Resource), zap.String("action", op.Action), zap.Error(err))
		return nil, err
	}
	if !env.Success {
		return nil, envelope.Failure(env, op.Resource, op.Action, op.Failure)
	}

	typed, err := envelope.Decode[T](env)
	if err != nil && !errors.Is(err, envelope.ErrNoData) {
		return nil, &envelope.TransportError{Method: op.Method, Resource: op.Resource, Err: err}
	}

	msg := env.Message
	if msg == "" {
		msg = op.Success
	}
	res := &Result[T]{Success: true, Data: typed.Data, Message: msg, Meta: envelope.MetaOf(typed)}

	if op.Event != "" {
		var payload any = typed.Data
		if op.Payload != nil {
			payload = op.Payload
		}
		c.Emit(op.Event, payload)
	}
	return res, nil
}

// BestEffort runs op like Call but never fails: any error is logged and
// reported as Success=false.
func BestEffort[T any](ctx context.Context, c *Client, op Op, fields Fields) *Result[T] {
	res, err := Call[T](ctx, c, op, fields)
	if err != nil {
		c.log.Warn("facade: best-effort call failed",
			zap.String("resource", op.Resource), zap.String("action", op.Action), zap.Error(err))
		return &Result[T]{Success: false, Message: envelope.Message(err)}
	}
	return res
}

// Blob fetches a binary body, bypassing envelope decoding.
func Blob(ctx context.Context, c *Client, resource string, fields Fields) (*gateway.Blob, error) {
	return c.core.Gateway.FetchBlob(ctx, WithQuery(resource, gateway.Params(fields)))
}

// WithQuery appends params to resource as a query string.
func WithQuery(resource string, params gateway.Params) string {
	q := params.Values().Encode()
	if q == "" {
		return resource
	}
	if strings.Contains(resource, "?") {
		return resource + "&" + q
	}
	return resource + "?" + q
}
