// Package gateway is the request layer between the feature clients and the
// collaboration API endpoints. Every call answers with an envelope.Raw or an
// *envelope.TransportError; interpreting success=false is left to callers.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lzyats/core-collab-go/pkg/envelope"
)

var (
	ErrEmptyResource = errors.New("gateway: empty resource")
	ErrCircuitOpen   = errors.New("gateway: circuit open")
)

// Gateway executes requests against named resource endpoints.
type Gateway interface {
	Get(ctx context.Context, resource string, params Params) (*envelope.Raw, error)
	Post(ctx context.Context, resource string, body any) (*envelope.Raw, error)
	Put(ctx context.Context, resource string, body any) (*envelope.Raw, error)
	// Delete takes the resource with whatever query string the caller needs.
	Delete(ctx context.Context, resource string) (*envelope.Raw, error)
	Upload(ctx context.Context, resource string, form *Form, onProgress func(pct float64)) (*envelope.Raw, error)

	// BuildURL and DefaultHeaders serve callers that need a raw transport call.
	BuildURL(pathWithQuery string) string
	DefaultHeaders() http.Header
	// FetchBlob issues a raw GET and returns the body without envelope decoding.
	FetchBlob(ctx context.Context, pathWithQuery string) (*Blob, error)
}

// Params are query or body parameters. Values are encoded PHP-style:
// slices become repeated "key[]" entries, nil values are skipped.
type Params map[string]any

// Values renders p as a query string value set.
func (p Params) Values() url.Values {
	q := url.Values{}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := p[k].(type) {
		case nil:
		case []string:
			for _, s := range v {
				q.Add(k+"[]", s)
			}
		case []int64:
			for _, n := range v {
				q.Add(k+"[]", strconv.FormatInt(n, 10))
			}
		case []int:
			for _, n := range v {
				q.Add(k+"[]", strconv.Itoa(n))
			}
		case []any:
			for _, x := range v {
				q.Add(k+"[]", format(x))
			}
		default:
			q.Set(k, format(v))
		}
	}
	return q
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "1"
		}
		return "0"
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Form is a multipart upload body.
type Form struct {
	Fields map[string]string
	Files  []FormFile
}

// FormFile is one file part of a Form.
type FormFile struct {
	Field    string // defaults to "file"
	Filename string
	Reader   io.Reader
}

// Blob is a binary response body (exports, downloads).
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
}
