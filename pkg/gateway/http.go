package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/lzyats/core-collab-go/pkg/envelope"
	"github.com/lzyats/core-collab-go/pkg/metrics"
)

// maxBody caps how much of a response is read into memory.
const maxBody = 64 << 20

type Options struct {
	BaseURL string // e.g. "https://app.example.com/api"
	// ResourceSuffix is appended to every resource name, e.g. ".php".
	ResourceSuffix string
	HTTPClient     *http.Client
	Timeout        time.Duration

	Token        string
	TokenHeader  string // default "Authorization"
	BearerPrefix string // default "Bearer "
	UserAgent    string
	Headers      http.Header

	Breaker *Breaker // optional
	Logger  *zap.Logger
	Clock   clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.TokenHeader == "" {
		o.TokenHeader = "Authorization"
	}
	if o.BearerPrefix == "" && strings.EqualFold(o.TokenHeader, "Authorization") {
		o.BearerPrefix = "Bearer "
	}
	if o.UserAgent == "" {
		o.UserAgent = "core-collab-go"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// HTTP is the Gateway over net/http.
type HTTP struct {
	opts Options
	base string
	ids  *sonyflake.Sonyflake
	log  *zap.Logger
}

var _ Gateway = (*HTTP)(nil)

func New(opts Options) (*HTTP, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("gateway: missing base url")
	}
	opts = opts.withDefaults()
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return uint16(os.Getpid()), nil },
	})
	if sf == nil {
		return nil, errors.New("gateway: request id generator init failed")
	}
	return &HTTP{
		opts: opts,
		base: strings.TrimRight(opts.BaseURL, "/"),
		ids:  sf,
		log:  opts.Logger,
	}, nil
}

func (g *HTTP) Get(ctx context.Context, resource string, params Params) (*envelope.Raw, error) {
	path := resource
	if q := params.Values(); len(q) > 0 {
		path = joinQuery(resource, q.Encode())
	}
	return g.doEnvelope(ctx, http.MethodGet, path, "", nil)
}

func (g *HTTP) Post(ctx context.Context, resource string, body any) (*envelope.Raw, error) {
	return g.doJSON(ctx, http.MethodPost, resource, body)
}

func (g *HTTP) Put(ctx context.Context, resource string, body any) (*envelope.Raw, error) {
	return g.doJSON(ctx, http.MethodPut, resource, body)
}

func (g *HTTP) Delete(ctx context.Context, resource string) (*envelope.Raw, error) {
	return g.doEnvelope(ctx, http.MethodDelete, resource, "", nil)
}

// Upload posts form as multipart/form-data. onProgress receives the share of
// the body sent so far (0-100), ending with 100 once the body is written.
func (g *HTTP) Upload(ctx context.Context, resource string, form *Form, onProgress func(pct float64)) (*envelope.Raw, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if form != nil {
		for k, v := range form.Fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, errors.Wrap(err, "gateway: build form")
			}
		}
		for _, f := range form.Files {
			field := f.Field
			if field == "" {
				field = "file"
			}
			part, err := mw.CreateFormFile(field, f.Filename)
			if err != nil {
				return nil, errors.Wrap(err, "gateway: build form")
			}
			if _, err := io.Copy(part, f.Reader); err != nil {
				return nil, errors.Wrapf(err, "gateway: read %s", f.Filename)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "gateway: build form")
	}
	var body io.Reader = bytes.NewReader(buf.Bytes())
	if onProgress != nil {
		body = &progressReader{r: body, total: int64(buf.Len()), fn: onProgress}
	}
	return g.doEnvelope(ctx, http.MethodPost, resource, mw.FormDataContentType(), body)
}

// BuildURL maps "tasks?action=x" to "<base>/tasks<suffix>?action=x".
func (g *HTTP) BuildURL(pathWithQuery string) string {
	p, q, _ := strings.Cut(pathWithQuery, "?")
	p = strings.TrimLeft(p, "/")
	if g.opts.ResourceSuffix != "" && !strings.HasSuffix(p, g.opts.ResourceSuffix) {
		p += g.opts.ResourceSuffix
	}
	u := g.base + "/" + p
	if q != "" {
		u += "?" + q
	}
	return u
}

func (g *HTTP) DefaultHeaders() http.Header {
	h := http.Header{}
	for k, vs := range g.opts.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", g.opts.UserAgent)
	h.Set("X-Requested-With", "XMLHttpRequest")
	if g.opts.Token != "" {
		h.Set(g.opts.TokenHeader, g.opts.BearerPrefix+g.opts.Token)
	}
	return h
}

func (g *HTTP) FetchBlob(ctx context.Context, pathWithQuery string) (*Blob, error) {
	resp, body, err := g.send(ctx, http.MethodGet, pathWithQuery, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &envelope.TransportError{Method: http.MethodGet, Resource: resourceOf(pathWithQuery), StatusCode: resp.StatusCode}
	}
	blob := &Blob{Data: body, ContentType: resp.Header.Get("Content-Type")}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		blob.Filename = params["filename"]
	}
	return blob, nil
}

func (g *HTTP) doJSON(ctx context.Context, method, resource string, body any) (*envelope.Raw, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "gateway: encode body")
		}
		r = bytes.NewReader(b)
	}
	return g.doEnvelope(ctx, method, resource, "application/json", r)
}

// doEnvelope decodes the answer. A non-2xx answer that still parses as an
// envelope is returned as such; only unparseable bodies are transport failures.
func (g *HTTP) doEnvelope(ctx context.Context, method, path, contentType string, body io.Reader) (*envelope.Raw, error) {
	resp, raw, err := g.send(ctx, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	env, perr := envelope.Parse(raw)
	if perr != nil {
		g.log.Warn("gateway: unparseable response",
			zap.String("method", method),
			zap.String("resource", resourceOf(path)),
			zap.Int("status", resp.StatusCode),
			zap.Error(perr),
		)
		return nil, &envelope.TransportError{Method: method, Resource: resourceOf(path), StatusCode: resp.StatusCode, Err: perr}
	}
	return env, nil
}

func (g *HTTP) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, []byte, error) {
	resource := resourceOf(path)
	if resource == "" {
		return nil, nil, &envelope.TransportError{Method: method, Err: ErrEmptyResource}
	}
	brk := g.opts.Breaker
	if brk != nil && !brk.Allow(resource) {
		metrics.BreakerDrop.Inc()
		metrics.GatewayRequests.WithLabelValues(method, "breaker_open").Inc()
		return nil, nil, &envelope.TransportError{Method: method, Resource: resource, Err: ErrCircuitOpen}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BuildURL(path), body)
	if err != nil {
		return nil, nil, &envelope.TransportError{Method: method, Resource: resource, Err: errors.WithStack(err)}
	}
	if pr, ok := body.(*progressReader); ok {
		req.ContentLength = pr.total
	}
	req.Header = g.DefaultHeaders()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if id, err := g.ids.NextID(); err == nil {
		req.Header.Set("X-Request-ID", strconv.FormatUint(id, 10))
	}

	start := g.opts.Clock.Now()
	resp, err := g.opts.HTTPClient.Do(req)
	metrics.GatewayLatency.WithLabelValues(method).Observe(g.opts.Clock.Since(start).Seconds())
	if err != nil {
		g.failure(resource)
		metrics.GatewayRequests.WithLabelValues(method, "error").Inc()
		return nil, nil, &envelope.TransportError{Method: method, Resource: resource, Err: errors.WithStack(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		g.failure(resource)
		metrics.GatewayRequests.WithLabelValues(method, "error").Inc()
		return nil, nil, &envelope.TransportError{Method: method, Resource: resource, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read body")}
	}
	metrics.GatewayRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	if brk != nil {
		if resp.StatusCode >= 500 {
			g.failure(resource)
		} else {
			brk.Success(resource)
		}
	}
	return resp, raw, nil
}

func (g *HTTP) failure(resource string) {
	if g.opts.Breaker == nil {
		return
	}
	if g.opts.Breaker.Failure(resource) {
		metrics.BreakerOpen.Inc()
		g.log.Warn("gateway: breaker opened", zap.String("resource", resource))
	}
}

func resourceOf(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return strings.Trim(p, "/")
}

func joinQuery(resource, encoded string) string {
	if strings.Contains(resource, "?") {
		return resource + "&" + encoded
	}
	return resource + "?" + encoded
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(float64)
	done  bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 && p.total > 0 {
		p.fn(float64(p.read) * 100 / float64(p.total))
	}
	if err == io.EOF && !p.done {
		p.done = true
		if p.total == 0 || p.read < p.total {
			p.fn(100)
		}
	}
	return n, err
}
