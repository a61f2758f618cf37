package fakeapi

import (
	"encoding/json"
	"net/http"
)

func (s *Server) dashboardRoutes() {
	const res = "dashboard"
	s.handle(res, "list", http.MethodGet, func(q *request) (*reply, error) {
		ds := s.dashboards.list(nil)
		return &reply{data: ds, meta: map[string]any{"total": len(ds)}}, nil
	})
	s.handle(res, "get", http.MethodGet, func(q *request) (*reply, error) {
		d, ok := s.dashboardWithWidgets(q.id("id"))
		if !ok {
			return nil, notFound("Dashboard")
		}
		return &reply{data: d}, nil
	})
	s.handle(res, "create", http.MethodPost, func(q *request) (*reply, error) {
		if q.str("name") == "" {
			return nil, invalid("Dashboard name is required")
		}
		rec := record{"name": q.str("name"), "is_default": q.flag("is_default"), "owner_id": q.uid}
		return &reply{data: s.dashboards.insert(s.touch(), rec), message: "Dashboard created"}, nil
	})
	s.handle(res, "add_widget", http.MethodPost, func(q *request) (*reply, error) {
		dID := q.id("dashboard_id")
		if _, ok := s.dashboards.get(dID); !ok {
			return nil, notFound("Dashboard")
		}
		if q.str("type") == "" {
			return nil, invalid("Widget type is required")
		}
		rec := pick(q.params, "type", "title", "config")
		rec["dashboard_id"] = dID
		rec["position"] = position(q.params["position"], record{"x": 0, "y": 0, "w": 2, "h": 1})
		return &reply{data: s.widgets.insert(s.touch(), rec), message: "Widget added"}, nil
	})
	s.handle(res, "update_widget", http.MethodPut, func(q *request) (*reply, error) {
		id := q.id("widget_id")
		cur, ok := s.widgets.get(id)
		if !ok {
			return nil, notFound("Widget")
		}
		fields := pick(q.params, "title", "config")
		if p, ok := q.params["position"]; ok {
			prev, _ := cur["position"].(record)
			fields["position"] = position(p, prev)
		}
		w, _ := s.widgets.update(s.touch(), id, fields)
		return &reply{data: w, message: "Widget updated"}, nil
	})
	s.handle(res, "remove_widget", http.MethodDelete, func(q *request) (*reply, error) {
		if !s.widgets.delete(q.id("widget_id")) {
			return nil, notFound("Widget")
		}
		s.touch()
		return &reply{message: "Widget removed"}, nil
	})
	s.handle(res, "save_layout", http.MethodPost, func(q *request) (*reply, error) {
		dID := q.id("dashboard_id")
		if _, ok := s.dashboards.get(dID); !ok {
			return nil, notFound("Dashboard")
		}
		items, _ := q.params["layout"].([]any)
		now := s.touch()
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, invalid("Invalid layout")
			}
			id, _ := toInt(m["widget_id"])
			w, ok := s.widgets.get(id)
			if !ok || w.num("dashboard_id") != dID {
				return nil, notFound("Widget")
			}
			prev, _ := w["position"].(record)
			s.widgets.update(now, id, record{"position": position(m, prev)})
		}
		s.dashboards.update(now, dID, record{})
		return &reply{message: "Layout saved"}, nil
	})
	s.handle(res, "metrics", http.MethodGet, func(q *request) (*reply, error) {
		since, err := q.since()
		if err != nil {
			return nil, err
		}
		if !since.IsZero() && s.changed.Before(since) {
			return &reply{data: nil}, nil
		}
		return &reply{data: s.snapshot()}, nil
	})
	s.handle(res, "export", http.MethodGet, func(q *request) (*reply, error) {
		if f := q.str("format"); f != "" && f != "json" {
			return nil, invalid("Unsupported format")
		}
		d, ok := s.dashboardWithWidgets(q.id("id"))
		if !ok {
			return nil, notFound("Dashboard")
		}
		b, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, err
		}
		return &reply{blob: &blob{data: b, contentType: "application/json", filename: "dashboard.json"}}, nil
	})
}

func (s *Server) dashboardWithWidgets(id int64) (record, bool) {
	d, ok := s.dashboards.get(id)
	if !ok {
		return nil, false
	}
	d["widgets"] = s.widgets.list(func(w record) bool { return w.num("dashboard_id") == id })
	return d, true
}

// snapshot computes the counters a dashboard renders from the current state.
func (s *Server) snapshot() record {
	online := 0
	for _, u := range s.presence {
		if u["status"] != "offline" {
			online++
		}
	}
	open := len(s.tasks.list(func(t record) bool { return t["status"] != "done" }))
	unread := len(s.notifications.list(func(n record) bool { return n["read"] != true }))
	return record{
		"values": map[string]float64{
			"events":               float64(s.events.len()),
			"tasks":                float64(s.tasks.len()),
			"open_tasks":           float64(open),
			"messages":             float64(s.messages.len()),
			"files":                float64(s.files.len()),
			"online_users":         float64(online),
			"unread_notifications": float64(unread),
		},
		"generated_at": stamp(s.clock.Now()),
	}
}

// position merges x/y/w/h from v over base.
func position(v any, base record) record {
	out := record{"x": int64(0), "y": int64(0), "w": int64(2), "h": int64(1)}
	for k, x := range base {
		out[k] = x
	}
	m, _ := v.(map[string]any)
	for _, k := range []string{"x", "y", "w", "h"} {
		if n, ok := toInt(m[k]); ok {
			out[k] = n
		}
	}
	return out
}
