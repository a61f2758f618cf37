// Package envelope holds the normalized response shape returned by the
// collaboration API and the error taxonomy built on top of it.
package envelope

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// ErrNoData is returned by Decode when a successful envelope carries no data.
var ErrNoData = errors.New("envelope: no data")

// Envelope is the {success, data, message, ...} wrapper every endpoint answers with.
// Treat this as a contract: the optional aggregates are the ones the endpoints
// are known to send, anything else lands in Extra untouched.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`

	Total       *int  `json:"total,omitempty"`
	UnreadTotal *int  `json:"unread_total,omitempty"`
	HasMore     *bool `json:"has_more,omitempty"`
	Pending     *int  `json:"pending,omitempty"`
	Page        *int  `json:"page,omitempty"`
	PerPage     *int  `json:"per_page,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Raw is the envelope as decoded at the gateway boundary.
type Raw = Envelope[json.RawMessage]

var knownKeys = map[string]struct{}{
	"success": {}, "data": {}, "message": {},
	"total": {}, "unread_total": {}, "has_more": {}, "pending": {}, "page": {}, "per_page": {},
}

// wire drops the methods of Envelope so json does not recurse into UnmarshalJSON.
type wire[T any] Envelope[T]

func (e *Envelope[T]) UnmarshalJSON(b []byte) error {
	var w wire[T]
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		w.Extra = all
	}
	*e = Envelope[T](w)
	return nil
}

func (e Envelope[T]) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+8)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["success"] = e.Success
	out["data"] = e.Data
	if e.Message != "" {
		out["message"] = e.Message
	}
	setIf(out, "total", e.Total)
	setIf(out, "unread_total", e.UnreadTotal)
	setIf(out, "pending", e.Pending)
	setIf(out, "page", e.Page)
	setIf(out, "per_page", e.PerPage)
	if e.HasMore != nil {
		out["has_more"] = *e.HasMore
	}
	return json.Marshal(out)
}

func setIf(m map[string]any, k string, v *int) {
	if v != nil {
		m[k] = *v
	}
}

// Parse decodes a response body into a Raw envelope.
func Parse(body []byte) (*Raw, error) {
	var r Raw
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, errors.Wrap(err, "envelope: decode")
	}
	return &r, nil
}

// HasData reports whether the envelope carries a non-null data member.
func HasData(r *Raw) bool {
	d := bytes.TrimSpace(r.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// Decode converts the raw data member into T, keeping every other field.
// A missing or null data member yields the zero T and ErrNoData. So does an
// empty [] or {} when T is not a collection, since PHP encodes an empty
// array as [] whatever it stands for. A struct{} target ignores data.
func Decode[T any](r *Raw) (*Envelope[T], error) {
	out := &Envelope[T]{
		Success:     r.Success,
		Message:     r.Message,
		Total:       r.Total,
		UnreadTotal: r.UnreadTotal,
		HasMore:     r.HasMore,
		Pending:     r.Pending,
		Page:        r.Page,
		PerPage:     r.PerPage,
		Extra:       r.Extra,
	}
	if !HasData(r) {
		return out, ErrNoData
	}
	if _, ok := any(out.Data).(struct{}); ok {
		return out, nil
	}
	if emptyContainer(r.Data) && !collection[T]() {
		return out, ErrNoData
	}
	if err := json.Unmarshal(r.Data, &out.Data); err != nil {
		if emptyContainer(r.Data) {
			var zero T
			out.Data = zero
			return out, ErrNoData
		}
		return out, errors.Wrap(err, "envelope: decode data")
	}
	return out, nil
}

func emptyContainer(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) < 2 {
		return false
	}
	open, end := b[0], b[len(b)-1]
	if !(open == '[' && end == ']') && !(open == '{' && end == '}') {
		return false
	}
	return len(bytes.TrimSpace(b[1:len(b)-1])) == 0
}

func collection[T any]() bool {
	switch reflect.TypeOf((*T)(nil)).Elem().Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

// Meta is the aggregate part of an envelope, carried on facade results.
type Meta struct {
	Total       int                        `json:"total,omitempty"`
	UnreadTotal int                        `json:"unread_total,omitempty"`
	HasMore     bool                       `json:"has_more,omitempty"`
	Pending     int                        `json:"pending,omitempty"`
	Page        int                        `json:"page,omitempty"`
	PerPage     int                        `json:"per_page,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`
}

// MetaOf flattens the optional aggregates, defaulting absent ones to zero.
func MetaOf[T any](e *Envelope[T]) Meta {
	m := Meta{Extra: e.Extra}
	if e.Total != nil {
		m.Total = *e.Total
	}
	if e.UnreadTotal != nil {
		m.UnreadTotal = *e.UnreadTotal
	}
	if e.HasMore != nil {
		m.HasMore = *e.HasMore
	}
	if e.Pending != nil {
		m.Pending = *e.Pending
	}
	if e.Page != nil {
		m.Page = *e.Page
	}
	if e.PerPage != nil {
		m.PerPage = *e.PerPage
	}
	return m
}
