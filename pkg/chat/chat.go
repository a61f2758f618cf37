// Package chat is the client of the chat endpoint: rooms, messages, presence
// and notifications, with message polling per room.
package chat

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/poll"
)

const (
	resource = "chat"

	EventRoomCreated      = "chat:room:created"
	EventMessageSent      = "chat:message:sent"
	EventMessageEdited    = "chat:message:edited"
	EventMessageDeleted   = "chat:message:deleted"
	EventMessagesRead     = "chat:messages:read"
	EventNotificationRead = "chat:notification:read"

	NotificationsKey = "chat.notifications"
	PresenceName     = "chat.presence"

	DefaultPollInterval         = 3 * time.Second
	DefaultPresenceInterval     = 30 * time.Second
	DefaultNotificationInterval = 30 * time.Second
)

type Room struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type,omitempty"` // direct, group, channel
	Members       []int64 `json:"members,omitempty"`
	UnreadCount   int     `json:"unread_count,omitempty"`
	LastMessageAt string  `json:"last_message_at,omitempty"`
}

type Message struct {
	ID        int64  `json:"id"`
	RoomID    int64  `json:"room_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Body      string `json:"message"`
	Type      string `json:"type,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	EditedAt  string `json:"edited_at,omitempty"`
}

type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

type Notification struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

type page struct {
	Messages []Message `json:"messages"`
}

// MessagesKey is the registry key of the message poller of a room.
func MessagesKey(roomID int64) string {
	return "chat.messages:" + strconv.FormatInt(roomID, 10)
}

type Client struct {
	*facade.Client
}

func New(core facade.Core) *Client {
	return &Client{Client: facade.NewClient(core, resource)}
}

func (c *Client) ListRooms(ctx context.Context) (*facade.Result[[]Room], error) {
	return facade.Call[[]Room](ctx, c.Client, facade.Op{
		Resource: resource, Action: "rooms", Failure: "Failed to load rooms",
	}, nil)
}

func (c *Client) CreateRoom(ctx context.Context, fields facade.Fields) (*facade.Result[Room], error) {
	return facade.Call[Room](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "create_room", Event: EventRoomCreated,
		Success: "Room created", Failure: "Failed to create room",
	}, fields)
}

// GetMessages returns up to limit messages of the room newer than afterID.
// afterID 0 returns the latest backlog. Meta.HasMore tells whether more wait.
func (c *Client) GetMessages(ctx context.Context, roomID, afterID int64, limit int) (*facade.Result[[]Message], error) {
	f := facade.Fields{"room_id": roomID}
	if afterID > 0 {
		f["after_id"] = afterID
	}
	if limit > 0 {
		f["limit"] = limit
	}
	res, err := facade.Call[page](ctx, c.Client, facade.Op{
		Resource: resource, Action: "messages", Failure: "Failed to load messages",
	}, f)
	if err != nil {
		return nil, err
	}
	return facade.Map(res, func(p page) []Message { return p.Messages }), nil
}

func (c *Client) SendMessage(ctx context.Context, roomID int64, text string, fields facade.Fields) (*facade.Result[Message], error) {
	f := fields.Clone()
	f["room_id"] = roomID
	f["message"] = text
	return facade.Call[Message](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "send", Event: EventMessageSent,
		Failure: "Failed to send message",
	}, f)
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, text string) (*facade.Result[Message], error) {
	return facade.Call[Message](ctx, c.Client, facade.Op{
		Method: http.MethodPut, Resource: resource, Action: "edit", Event: EventMessageEdited,
		Failure: "Failed to edit message",
	}, facade.Fields{"message_id": messageID, "message": text})
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodDelete, Resource: resource, Action: "delete", Event: EventMessageDeleted,
		Payload: map[string]any{"id": messageID},
		Success: "Message deleted", Failure: "Failed to delete message",
	}, facade.Fields{"message_id": messageID})
}

// MarkRead marks the room read up to lastMessageID.
func (c *Client) MarkRead(ctx context.Context, roomID, lastMessageID int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "mark_read", Event: EventMessagesRead,
		Payload: map[string]any{"room_id": roomID, "last_message_id": lastMessageID},
		Failure: "Failed to mark messages read",
	}, facade.Fields{"room_id": roomID, "last_message_id": lastMessageID})
}

// SendTyping tells the room the caller is typing. It never fails.
func (c *Client) SendTyping(ctx context.Context, roomID int64, typing bool) *facade.Result[struct{}] {
	return facade.BestEffort[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "typing",
	}, facade.Fields{"room_id": roomID, "typing": typing})
}

// UpdatePresence sets the caller's status (online, away, busy, offline).
func (c *Client) UpdatePresence(ctx context.Context, status string) error {
	_, err := facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "presence",
		Failure: "Failed to update presence",
	}, facade.Fields{"status": status})
	return err
}

func (c *Client) GetOnlineUsers(ctx context.Context) (*facade.Result[[]User], error) {
	return facade.Call[[]User](ctx, c.Client, facade.Op{
		Resource: resource, Action: "online", Failure: "Failed to load online users",
	}, nil)
}

// GetNotifications returns the notifications created at or after since (all
// of them when since is empty). Meta.UnreadTotal carries the unread count.
func (c *Client) GetNotifications(ctx context.Context, since string) (*facade.Result[[]Notification], error) {
	f := facade.Fields{}
	if since != "" {
		f["since"] = since
	}
	return facade.Call[[]Notification](ctx, c.Client, facade.Op{
		Resource: resource, Action: "notifications", Failure: "Failed to load notifications",
	}, f)
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "notification_read", Event: EventNotificationRead,
		Payload: map[string]any{"id": id},
		Failure: "Failed to mark notification read",
	}, facade.Fields{"id": id})
}

// StartPolling delivers the new messages of a room, tracking the last seen
// message id. A poller already running for the room is replaced.
func (c *Client) StartPolling(ctx context.Context, roomID int64, onMessages func([]Message), interval time.Duration) poll.StopFunc {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	probe := func(ctx context.Context, cursor string) ([]Message, error) {
		var after int64
		if cursor != "" {
			n, err := strconv.ParseInt(cursor, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "chat: bad message cursor %q", cursor)
			}
			after = n
		}
		res, err := c.GetMessages(ctx, roomID, after, 0)
		if err != nil {
			return nil, err
		}
		return res.Data, nil
	}
	return facade.Watch(ctx, c.Client, probe, onMessages, poll.Options[Message]{
		Key:      MessagesKey(roomID),
		Name:     "chat.messages",
		Interval: interval,
		Advance:  poll.ByLastID(func(m Message) string { return strconv.FormatInt(m.ID, 10) }),
	})
}

func (c *Client) StopPolling(roomID int64) {
	c.Registry().Stop(MessagesKey(roomID))
}

// StartPresenceHeartbeat reports the caller online every interval, whatever
// the outcome of the previous report.
func (c *Client) StartPresenceHeartbeat(ctx context.Context, interval time.Duration) poll.StopFunc {
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}
	return c.Heartbeat(ctx, PresenceName, interval, func(ctx context.Context) error {
		return c.UpdatePresence(ctx, "online")
	})
}

// StartNotificationPolling delivers the notifications created from now on.
func (c *Client) StartNotificationPolling(ctx context.Context, onNotifications func([]Notification), interval time.Duration) poll.StopFunc {
	if interval <= 0 {
		interval = DefaultNotificationInterval
	}
	return c.WatchNotifications(ctx, c.NotificationProbe(), onNotifications, interval)
}

// NotificationProbe is the HTTP probe of the notification feed.
func (c *Client) NotificationProbe() poll.Probe[Notification] {
	return func(ctx context.Context, since string) ([]Notification, error) {
		res, err := c.GetNotifications(ctx, since)
		if err != nil {
			return nil, err
		}
		return res.Data, nil
	}
}

// WatchNotifications runs the notification subscription over any probe,
// e.g. one fed by a push stream instead of the HTTP feed.
func (c *Client) WatchNotifications(ctx context.Context, probe poll.Probe[Notification], onNotifications func([]Notification), interval time.Duration) poll.StopFunc {
	return facade.Watch(ctx, c.Client, probe, onNotifications, poll.Options[Notification]{
		Key:      NotificationsKey,
		Interval: interval,
		Cursor:   c.Now(),
		Advance:  poll.ByTimestamp[Notification](),
	})
}
