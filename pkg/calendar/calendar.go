// Package calendar is the client of the calendar endpoint.
package calendar

import (
	"context"
	"net/http"
	"time"

	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/gateway"
	"github.com/lzyats/core-collab-go/pkg/poll"
)

const (
	resource = "calendar"

	EventCreated   = "calendar:event:created"
	EventUpdated   = "calendar:event:updated"
	EventDeleted   = "calendar:event:deleted"
	EventResponded = "calendar:event:responded"

	// UpdatesKey is the registry key of the change feed subscription.
	UpdatesKey = "calendar.updates"

	DefaultUpdateInterval = 30 * time.Second
)

// Event is a calendar entry as the server sends it.
type Event struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	StartTime   string   `json:"start_time,omitempty"`
	EndTime     string   `json:"end_time,omitempty"`
	AllDay      bool     `json:"all_day,omitempty"`
	Attendees   []int64  `json:"attendees,omitempty"`
	Response    string   `json:"response,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// Responses accepted by RespondToEvent.
const (
	Accepted  = "accepted"
	Declined  = "declined"
	Tentative = "tentative"
)

type Client struct {
	*facade.Client
}

func New(core facade.Core) *Client {
	return &Client{Client: facade.NewClient(core, resource)}
}

// ListEvents returns the events matching filters (start, end, calendar_id...).
func (c *Client) ListEvents(ctx context.Context, filters facade.Fields) (*facade.Result[[]Event], error) {
	return facade.Call[[]Event](ctx, c.Client, facade.Op{
		Resource: resource, Action: "list", Failure: "Failed to load events",
	}, filters)
}

func (c *Client) GetEvent(ctx context.Context, id int64) (*facade.Result[Event], error) {
	return facade.Call[Event](ctx, c.Client, facade.Op{
		Resource: resource, Action: "get", Failure: "Event not found",
	}, facade.Fields{"id": id})
}

func (c *Client) CreateEvent(ctx context.Context, fields facade.Fields) (*facade.Result[Event], error) {
	return facade.Call[Event](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "create", Event: EventCreated,
		Success: "Event created successfully", Failure: "Failed to create event",
	}, fields)
}

func (c *Client) UpdateEvent(ctx context.Context, id int64, fields facade.Fields) (*facade.Result[Event], error) {
	f := fields.Clone()
	f["id"] = id
	return facade.Call[Event](ctx, c.Client, facade.Op{
		Method: http.MethodPut, Resource: resource, Action: "update", Event: EventUpdated,
		Success: "Event updated successfully", Failure: "Failed to update event",
	}, f)
}

func (c *Client) DeleteEvent(ctx context.Context, id int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodDelete, Resource: resource, Action: "delete", Event: EventDeleted,
		Payload: map[string]any{"id": id},
		Success: "Event deleted successfully", Failure: "Failed to delete event",
	}, facade.Fields{"id": id})
}

func (c *Client) SearchEvents(ctx context.Context, query string, filters facade.Fields) (*facade.Result[[]Event], error) {
	f := filters.Clone()
	f["q"] = query
	return facade.Call[[]Event](ctx, c.Client, facade.Op{
		Resource: resource, Action: "search", Failure: "Search failed",
	}, f)
}

// RespondToEvent records the caller's answer to an invitation.
func (c *Client) RespondToEvent(ctx context.Context, id int64, response string) (*facade.Result[Event], error) {
	return facade.Call[Event](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "respond", Event: EventResponded,
		Success: "Response recorded", Failure: "Failed to respond to event",
	}, facade.Fields{"id": id, "response": response})
}

// ExportICS downloads the events matching filters as an iCalendar file.
func (c *Client) ExportICS(ctx context.Context, filters facade.Fields) (*gateway.Blob, error) {
	f := filters.Clone()
	f["action"] = "export"
	f["format"] = "ics"
	return facade.Blob(ctx, c.Client, resource, f)
}

// Updates fetches the events changed at or after since.
func (c *Client) Updates(ctx context.Context, since string, filters facade.Fields) (*facade.Result[[]Event], error) {
	f := filters.Clone()
	if since != "" {
		f["since"] = since
	}
	return facade.Call[[]Event](ctx, c.Client, facade.Op{
		Resource: resource, Action: "updates", Failure: "Failed to load updates",
	}, f)
}

// SubscribeToUpdates polls the change feed from now on and hands every
// non-empty batch to onEvents. It replaces a running feed subscription.
func (c *Client) SubscribeToUpdates(ctx context.Context, onEvents func([]Event), filters facade.Fields, interval time.Duration) poll.StopFunc {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	filters = filters.Clone()
	probe := func(ctx context.Context, since string) ([]Event, error) {
		res, err := c.Updates(ctx, since, filters)
		if err != nil {
			return nil, err
		}
		return res.Data, nil
	}
	return facade.Watch(ctx, c.Client, probe, onEvents, poll.Options[Event]{
		Key:      UpdatesKey,
		Interval: interval,
		Cursor:   c.Now(),
		Advance:  poll.ByTimestamp[Event](),
	})
}
