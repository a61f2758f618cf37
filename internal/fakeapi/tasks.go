package fakeapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
)

var (
	taskFields   = []string{"title", "description", "priority", "due_date"}
	taskStatuses = map[string]bool{"todo": true, "in_progress": true, "review": true, "done": true}
)

func (s *Server) taskRoutes() {
	const res = "tasks"
	s.handle(res, "list", http.MethodGet, func(q *request) (*reply, error) {
		ts := s.tasks.list(taskFilter(q))
		return &reply{data: ts, meta: map[string]any{"total": len(ts)}}, nil
	})
	s.handle(res, "get", http.MethodGet, func(q *request) (*reply, error) {
		t, ok := s.tasks.get(q.id("id"))
		if !ok {
			return nil, notFound("Task")
		}
		t["comments"] = s.comments.list(func(c record) bool { return c.num("task_id") == t.id() })
		return &reply{data: t}, nil
	})
	s.handle(res, "create", http.MethodPost, func(q *request) (*reply, error) {
		if q.str("title") == "" {
			return nil, invalid("Title is required")
		}
		rec := pick(q.params, taskFields...)
		rec["status"] = "todo"
		if st := q.str("status"); st != "" {
			if !taskStatuses[st] {
				return nil, invalid("Invalid status")
			}
			rec["status"] = st
		}
		for _, k := range []string{"assignee_id", "project_id"} {
			if q.has(k) {
				rec[k] = q.id(k)
			}
		}
		rec["created_by"] = q.uid
		return &reply{data: s.tasks.insert(s.touch(), rec), message: "Task created successfully"}, nil
	})
	s.handle(res, "update", http.MethodPut, func(q *request) (*reply, error) {
		fields := pick(q.params, taskFields...)
		if q.has("project_id") {
			fields["project_id"] = q.id("project_id")
		}
		t, ok := s.tasks.update(s.touch(), q.id("id"), fields)
		if !ok {
			return nil, notFound("Task")
		}
		return &reply{data: t, message: "Task updated successfully"}, nil
	})
	s.handle(res, "delete", http.MethodDelete, func(q *request) (*reply, error) {
		if !s.tasks.delete(q.id("id")) {
			return nil, notFound("Task")
		}
		s.touch()
		return &reply{message: "Task deleted successfully"}, nil
	})
	s.handle(res, "status", http.MethodPost, func(q *request) (*reply, error) {
		st := q.str("status")
		if !taskStatuses[st] {
			return nil, invalid("Invalid status")
		}
		t, ok := s.tasks.update(s.touch(), q.id("id"), record{"status": st})
		if !ok {
			return nil, notFound("Task")
		}
		return &reply{data: t, message: "Status updated"}, nil
	})
	s.handle(res, "assign", http.MethodPost, func(q *request) (*reply, error) {
		if q.id("user_id") <= 0 {
			return nil, invalid("User is required")
		}
		t, ok := s.tasks.update(s.touch(), q.id("id"), record{"assignee_id": q.id("user_id")})
		if !ok {
			return nil, notFound("Task")
		}
		return &reply{data: t, message: "Task assigned"}, nil
	})
	s.handle(res, "comment", http.MethodPost, func(q *request) (*reply, error) {
		if q.str("comment") == "" {
			return nil, invalid("Comment cannot be empty")
		}
		id := q.id("id")
		now := s.touch()
		if _, ok := s.tasks.update(now, id, record{}); !ok {
			return nil, notFound("Task")
		}
		c := s.comments.insert(now, record{"task_id": id, "user_id": q.uid, "comment": q.str("comment")})
		return &reply{data: c, message: "Comment added"}, nil
	})
	s.handle(res, "updates", http.MethodGet, func(q *request) (*reply, error) {
		since, err := q.since()
		if err != nil {
			return nil, err
		}
		return &reply{data: s.tasks.changedSince(since, taskFilter(q))}, nil
	})
	s.handle(res, "export", http.MethodGet, func(q *request) (*reply, error) {
		if f := q.str("format"); f != "" && f != "csv" {
			return nil, invalid("Unsupported format")
		}
		data, err := tasksCSV(s.tasks.list(taskFilter(q)))
		if err != nil {
			return nil, err
		}
		return &reply{blob: &blob{data: data, contentType: "text/csv; charset=utf-8", filename: "tasks.csv"}}, nil
	})
}

func taskFilter(q *request) func(record) bool {
	return func(t record) bool {
		if st := q.str("status"); st != "" && t["status"] != st {
			return false
		}
		for _, k := range []string{"assignee_id", "project_id"} {
			if q.has(k) && t.num(k) != q.id(k) {
				return false
			}
		}
		return true
	}
}

func tasksCSV(ts []record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"id", "title", "status", "priority", "assignee_id", "due_date"})
	for _, t := range ts {
		assignee := ""
		if a := t.num("assignee_id"); a > 0 {
			assignee = strconv.FormatInt(a, 10)
		}
		_ = w.Write([]string{
			strconv.FormatInt(t.id(), 10),
			str(t["title"]),
			str(t["status"]),
			str(t["priority"]),
			assignee,
			str(t["due_date"]),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
