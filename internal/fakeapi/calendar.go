package fakeapi

import (
	"fmt"
	"net/http"
	"strings"
)

var eventFields = []string{"title", "description", "location", "start_time", "end_time", "all_day", "attendees", "tags"}

func (s *Server) calendarRoutes() {
	const res = "calendar"
	s.handle(res, "list", http.MethodGet, s.listEvents)
	s.handle(res, "get", http.MethodGet, func(q *request) (*reply, error) {
		ev, ok := s.events.get(q.id("id"))
		if !ok {
			return nil, notFound("Event")
		}
		return &reply{data: ev}, nil
	})
	s.handle(res, "create", http.MethodPost, func(q *request) (*reply, error) {
		if q.str("title") == "" {
			return nil, invalid("Title is required")
		}
		rec := pick(q.params, eventFields...)
		rec["created_by"] = q.uid
		ev := s.events.insert(s.touch(), rec)
		return &reply{data: ev, message: "Event created successfully"}, nil
	})
	s.handle(res, "update", http.MethodPut, func(q *request) (*reply, error) {
		ev, ok := s.events.update(s.touch(), q.id("id"), pick(q.params, eventFields...))
		if !ok {
			return nil, notFound("Event")
		}
		return &reply{data: ev, message: "Event updated successfully"}, nil
	})
	s.handle(res, "delete", http.MethodDelete, func(q *request) (*reply, error) {
		if !s.events.delete(q.id("id")) {
			return nil, notFound("Event")
		}
		s.touch()
		return &reply{message: "Event deleted successfully"}, nil
	})
	s.handle(res, "search", http.MethodGet, func(q *request) (*reply, error) {
		term := strings.ToLower(q.str("q"))
		if term == "" {
			return nil, invalid("Search term is required")
		}
		evs := s.events.list(func(r record) bool {
			return inRange(q, r) && (strings.Contains(strings.ToLower(fmt.Sprint(r["title"])), term) ||
				strings.Contains(strings.ToLower(fmt.Sprint(r["description"])), term))
		})
		return &reply{data: evs, meta: map[string]any{"total": len(evs)}}, nil
	})
	s.handle(res, "respond", http.MethodPost, func(q *request) (*reply, error) {
		switch q.str("response") {
		case "accepted", "declined", "tentative":
		default:
			return nil, invalid("Invalid response")
		}
		ev, ok := s.events.update(s.touch(), q.id("id"), record{"response": q.str("response")})
		if !ok {
			return nil, notFound("Event")
		}
		return &reply{data: ev, message: "Response recorded"}, nil
	})
	s.handle(res, "updates", http.MethodGet, func(q *request) (*reply, error) {
		since, err := q.since()
		if err != nil {
			return nil, err
		}
		return &reply{data: s.events.changedSince(since, func(r record) bool { return inRange(q, r) })}, nil
	})
	s.handle(res, "export", http.MethodGet, func(q *request) (*reply, error) {
		if f := q.str("format"); f != "" && f != "ics" {
			return nil, invalid("Unsupported format")
		}
		return &reply{blob: &blob{
			data:        []byte(ics(s.events.list(func(r record) bool { return inRange(q, r) }))),
			contentType: "text/calendar; charset=utf-8",
			filename:    "calendar.ics",
		}}, nil
	})
}

func (s *Server) listEvents(q *request) (*reply, error) {
	evs := s.events.list(func(r record) bool { return inRange(q, r) })
	return &reply{data: evs, meta: map[string]any{"total": len(evs)}}, nil
}

// inRange applies the start/end filters to an event's start_time. RFC 3339
// strings in UTC compare correctly as strings.
func inRange(q *request, r record) bool {
	st, _ := r["start_time"].(string)
	if from := q.str("start"); from != "" && st < from {
		return false
	}
	if to := q.str("end"); to != "" && st > to {
		return false
	}
	return true
}

func ics(evs []record) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//core-collab-go//fakeapi//EN\r\n")
	for _, ev := range evs {
		b.WriteString("BEGIN:VEVENT\r\n")
		fmt.Fprintf(&b, "UID:%d@fakeapi\r\n", ev.id())
		fmt.Fprintf(&b, "SUMMARY:%v\r\n", ev["title"])
		if st, ok := ev["start_time"].(string); ok {
			fmt.Fprintf(&b, "DTSTART:%s\r\n", icsTime(st))
		}
		if et, ok := ev["end_time"].(string); ok {
			fmt.Fprintf(&b, "DTEND:%s\r\n", icsTime(et))
		}
		if loc, ok := ev["location"].(string); ok {
			fmt.Fprintf(&b, "LOCATION:%s\r\n", loc)
		}
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func icsTime(s string) string {
	return strings.NewReplacer("-", "", ":", "").Replace(s)
}
