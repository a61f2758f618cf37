package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"
)

const defaultMessageLimit = 50

func (s *Server) chatRoutes() {
	const res = "chat"
	s.handle(res, "rooms", http.MethodGet, func(q *request) (*reply, error) {
		rooms := s.rooms.list(nil)
		for _, r := range rooms {
			last := s.readMarks[readKey(q.uid, r.id())]
			r["unread_count"] = len(s.messages.list(func(m record) bool {
				return m.num("room_id") == r.id() && m.id() > last
			}))
		}
		return &reply{data: rooms, meta: map[string]any{"total": len(rooms)}}, nil
	})
	s.handle(res, "create_room", http.MethodPost, func(q *request) (*reply, error) {
		if q.str("name") == "" {
			return nil, invalid("Room name is required")
		}
		rec := pick(q.params, "name", "type", "members")
		if _, ok := rec["type"]; !ok {
			rec["type"] = "group"
		}
		rec["created_by"] = q.uid
		return &reply{data: s.rooms.insert(s.touch(), rec), message: "Room created"}, nil
	})
	s.handle(res, "messages", http.MethodGet, s.listMessages)
	s.handle(res, "send", http.MethodPost, func(q *request) (*reply, error) {
		roomID := q.id("room_id")
		if _, ok := s.rooms.get(roomID); !ok {
			return nil, notFound("Room")
		}
		if q.str("message") == "" {
			return nil, invalid("Message cannot be empty")
		}
		rec := record{"room_id": roomID, "user_id": q.uid, "message": q.str("message"), "type": "text"}
		if t := q.str("type"); t != "" {
			rec["type"] = t
		}
		now := s.touch()
		msg := s.messages.insert(now, rec)
		s.rooms.update(now, roomID, record{"last_message_at": stamp(now)})
		return &reply{data: msg, message: "Message sent"}, nil
	})
	s.handle(res, "edit", http.MethodPut, func(q *request) (*reply, error) {
		if q.str("message") == "" {
			return nil, invalid("Message cannot be empty")
		}
		now := s.touch()
		msg, ok := s.messages.update(now, q.id("message_id"), record{"message": q.str("message"), "edited_at": stamp(now)})
		if !ok {
			return nil, notFound("Message")
		}
		return &reply{data: msg, message: "Message updated"}, nil
	})
	s.handle(res, "delete", http.MethodDelete, func(q *request) (*reply, error) {
		if !s.messages.delete(q.id("message_id")) {
			return nil, notFound("Message")
		}
		s.touch()
		return &reply{message: "Message deleted"}, nil
	})
	s.handle(res, "mark_read", http.MethodPost, func(q *request) (*reply, error) {
		roomID := q.id("room_id")
		if _, ok := s.rooms.get(roomID); !ok {
			return nil, notFound("Room")
		}
		k := readKey(q.uid, roomID)
		if last := q.id("last_message_id"); last > s.readMarks[k] {
			s.readMarks[k] = last
		}
		return &reply{message: "Messages marked as read"}, nil
	})
	s.handle(res, "typing", http.MethodPost, func(q *request) (*reply, error) {
		if _, ok := s.rooms.get(q.id("room_id")); !ok {
			return nil, notFound("Room")
		}
		return &reply{}, nil
	})
	s.handle(res, "presence", http.MethodPost, func(q *request) (*reply, error) {
		switch st := q.str("status"); st {
		case "online", "away", "busy", "offline":
			s.presence[q.uid] = record{
				"id":        q.uid,
				"name":      fmt.Sprintf("User %d", q.uid),
				"status":    st,
				"last_seen": stamp(s.clock.Now()),
			}
			return &reply{message: "Presence updated"}, nil
		default:
			return nil, invalid("Invalid status")
		}
	})
	s.handle(res, "online", http.MethodGet, func(q *request) (*reply, error) {
		users := make([]record, 0, len(s.presence))
		for _, u := range s.presence {
			if u["status"] != "offline" {
				users = append(users, u.clone())
			}
		}
		sort.Slice(users, func(i, j int) bool { return users[i].id() < users[j].id() })
		return &reply{data: users, meta: map[string]any{"total": len(users)}}, nil
	})
	s.handle(res, "notifications", http.MethodGet, func(q *request) (*reply, error) {
		since, err := q.since()
		if err != nil {
			return nil, err
		}
		ns := s.notifications.createdSince(since, nil)
		unread := len(s.notifications.list(func(r record) bool { return r["read"] != true }))
		return &reply{data: ns, meta: map[string]any{"unread_total": unread}}, nil
	})
	s.handle(res, "notification_read", http.MethodPost, func(q *request) (*reply, error) {
		if _, ok := s.notifications.update(s.clock.Now(), q.id("id"), record{"read": true}); !ok {
			return nil, notFound("Notification")
		}
		return &reply{message: "Notification marked as read"}, nil
	})
}

// listMessages answers {messages: [...]}: the messages after after_id, or
// the latest backlog when after_id is absent, at most limit of them.
func (s *Server) listMessages(q *request) (*reply, error) {
	roomID := q.id("room_id")
	if _, ok := s.rooms.get(roomID); !ok {
		return nil, notFound("Room")
	}
	limit := int(q.id("limit"))
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	after := q.id("after_id")
	msgs := s.messages.list(func(m record) bool {
		return m.num("room_id") == roomID && m.id() > after
	})
	hasMore := len(msgs) > limit
	if hasMore {
		if q.has("after_id") {
			msgs = msgs[:limit]
		} else {
			msgs = msgs[len(msgs)-limit:]
		}
	}
	return &reply{
		data: map[string]any{"messages": msgs},
		meta: map[string]any{"has_more": hasMore},
	}, nil
}

func readKey(uid, roomID int64) string {
	return fmt.Sprintf("%d:%d", uid, roomID)
}

// Notify stores a notification and pushes it to every open stream.
func (s *Server) Notify(kind, title, body string) map[string]any {
	s.mu.Lock()
	n := s.notifications.insert(s.touch(), record{"type": kind, "title": title, "body": body, "read": false})
	s.mu.Unlock()

	b, err := json.Marshal(n)
	if err != nil {
		s.log.Error("fakeapi: encode notification", zap.Error(err))
		return n
	}
	sent, dropped := s.hub.broadcast(b)
	s.log.Debug("fakeapi: notification pushed", zap.Int("sent", sent), zap.Int("dropped", dropped))
	return n
}
