// Package tasks is the client of the tasks endpoint.
package tasks

import (
	"context"
	"net/http"
	"time"

	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/gateway"
	"github.com/lzyats/core-collab-go/pkg/poll"
)

const (
	resource = "tasks"

	EventCreated       = "tasks:task:created"
	EventUpdated       = "tasks:task:updated"
	EventDeleted       = "tasks:task:deleted"
	EventAssigned      = "tasks:task:assigned"
	EventStatusChanged = "tasks:status:changed"
	EventCommentAdded  = "tasks:comment:added"

	UpdatesKey = "tasks.updates"

	DefaultUpdateInterval = 30 * time.Second
)

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
)

type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority,omitempty"`
	AssigneeID  int64  `json:"assignee_id,omitempty"`
	ProjectID   int64  `json:"project_id,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type Comment struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Body      string `json:"comment"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Client struct {
	*facade.Client
}

func New(core facade.Core) *Client {
	return &Client{Client: facade.NewClient(core, resource)}
}

// ListTasks returns the tasks matching filters (status, assignee_id, project_id...).
func (c *Client) ListTasks(ctx context.Context, filters facade.Fields) (*facade.Result[[]Task], error) {
	return facade.Call[[]Task](ctx, c.Client, facade.Op{
		Resource: resource, Action: "list", Failure: "Failed to load tasks",
	}, filters)
}

func (c *Client) GetTask(ctx context.Context, id int64) (*facade.Result[Task], error) {
	return facade.Call[Task](ctx, c.Client, facade.Op{
		Resource: resource, Action: "get", Failure: "Task not found",
	}, facade.Fields{"id": id})
}

func (c *Client) CreateTask(ctx context.Context, fields facade.Fields) (*facade.Result[Task], error) {
	return facade.Call[Task](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "create", Event: EventCreated,
		Success: "Task created successfully", Failure: "Failed to create task",
	}, fields)
}

func (c *Client) UpdateTask(ctx context.Context, id int64, fields facade.Fields) (*facade.Result[Task], error) {
	f := fields.Clone()
	f["id"] = id
	return facade.Call[Task](ctx, c.Client, facade.Op{
		Method: http.MethodPut, Resource: resource, Action: "update", Event: EventUpdated,
		Success: "Task updated successfully", Failure: "Failed to update task",
	}, f)
}

func (c *Client) DeleteTask(ctx context.Context, id int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodDelete, Resource: resource, Action: "delete", Event: EventDeleted,
		Payload: map[string]any{"id": id},
		Success: "Task deleted successfully", Failure: "Failed to delete task",
	}, facade.Fields{"id": id})
}

func (c *Client) UpdateStatus(ctx context.Context, id int64, status string) (*facade.Result[Task], error) {
	return facade.Call[Task](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "status", Event: EventStatusChanged,
		Success: "Status updated", Failure: "Failed to update status",
	}, facade.Fields{"id": id, "status": status})
}

func (c *Client) AssignTask(ctx context.Context, id, userID int64) (*facade.Result[Task], error) {
	return facade.Call[Task](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "assign", Event: EventAssigned,
		Success: "Task assigned", Failure: "Failed to assign task",
	}, facade.Fields{"id": id, "user_id": userID})
}

func (c *Client) AddComment(ctx context.Context, id int64, body string) (*facade.Result[Comment], error) {
	return facade.Call[Comment](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "comment", Event: EventCommentAdded,
		Success: "Comment added", Failure: "Failed to add comment",
	}, facade.Fields{"id": id, "comment": body})
}

// ExportCSV downloads the tasks matching filters as CSV.
func (c *Client) ExportCSV(ctx context.Context, filters facade.Fields) (*gateway.Blob, error) {
	f := filters.Clone()
	f["action"] = "export"
	f["format"] = "csv"
	return facade.Blob(ctx, c.Client, resource, f)
}

// Updates fetches the tasks changed at or after since.
func (c *Client) Updates(ctx context.Context, since string, filters facade.Fields) (*facade.Result[[]Task], error) {
	f := filters.Clone()
	if since != "" {
		f["since"] = since
	}
	return facade.Call[[]Task](ctx, c.Client, facade.Op{
		Resource: resource, Action: "updates", Failure: "Failed to load updates",
	}, f)
}

// SubscribeToUpdates polls the task change feed from now on.
func (c *Client) SubscribeToUpdates(ctx context.Context, onTasks func([]Task), filters facade.Fields, interval time.Duration) poll.StopFunc {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	filters = filters.Clone()
	return facade.Watch(ctx, c.Client, func(ctx context.Context, since string) ([]Task, error) {
		res, err := c.Updates(ctx, since, filters)
		if err != nil {
			return nil, err
		}
		return res.Data, nil
	}, onTasks, poll.Options[Task]{
		Key:      UpdatesKey,
		Interval: interval,
		Cursor:   c.Now(),
		Advance:  poll.ByTimestamp[Task](),
	})
}
