// Package dashboard is the client of the dashboard endpoint: dashboards,
// widgets, layouts and live metrics.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/gateway"
	"github.com/lzyats/core-collab-go/pkg/poll"
)

const (
	resource = "dashboard"

	EventDashboardCreated = "dashboard:dashboard:created"
	EventWidgetAdded      = "dashboard:widget:added"
	EventWidgetUpdated    = "dashboard:widget:updated"
	EventWidgetRemoved    = "dashboard:widget:removed"
	EventLayoutSaved      = "dashboard:layout:saved"

	MetricsKey = "dashboard.metrics"

	DefaultMetricsInterval = time.Minute
)

type Dashboard struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	IsDefault bool     `json:"is_default,omitempty"`
	Widgets   []Widget `json:"widgets,omitempty"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

type Widget struct {
	ID          int64          `json:"id"`
	DashboardID int64          `json:"dashboard_id"`
	Type        string         `json:"type"` // chart, counter, list, ...
	Title       string         `json:"title"`
	Config      map[string]any `json:"config,omitempty"`
	Position    Position       `json:"position"`
}

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Metrics is one snapshot of the counters a dashboard renders.
type Metrics struct {
	Values      map[string]float64 `json:"values"`
	GeneratedAt string             `json:"generated_at"`
}

type Client struct {
	*facade.Client
}

func New(core facade.Core) *Client {
	return &Client{Client: facade.NewClient(core, resource)}
}

func (c *Client) ListDashboards(ctx context.Context) (*facade.Result[[]Dashboard], error) {
	return facade.Call[[]Dashboard](ctx, c.Client, facade.Op{
		Resource: resource, Action: "list", Failure: "Failed to load dashboards",
	}, nil)
}

func (c *Client) GetDashboard(ctx context.Context, id int64) (*facade.Result[Dashboard], error) {
	return facade.Call[Dashboard](ctx, c.Client, facade.Op{
		Resource: resource, Action: "get", Failure: "Dashboard not found",
	}, facade.Fields{"id": id})
}

func (c *Client) CreateDashboard(ctx context.Context, fields facade.Fields) (*facade.Result[Dashboard], error) {
	return facade.Call[Dashboard](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "create", Event: EventDashboardCreated,
		Success: "Dashboard created", Failure: "Failed to create dashboard",
	}, fields)
}

func (c *Client) AddWidget(ctx context.Context, dashboardID int64, fields facade.Fields) (*facade.Result[Widget], error) {
	f := fields.Clone()
	f["dashboard_id"] = dashboardID
	return facade.Call[Widget](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "add_widget", Event: EventWidgetAdded,
		Success: "Widget added", Failure: "Failed to add widget",
	}, f)
}

func (c *Client) UpdateWidget(ctx context.Context, widgetID int64, fields facade.Fields) (*facade.Result[Widget], error) {
	f := fields.Clone()
	f["widget_id"] = widgetID
	return facade.Call[Widget](ctx, c.Client, facade.Op{
		Method: http.MethodPut, Resource: resource, Action: "update_widget", Event: EventWidgetUpdated,
		Success: "Widget updated", Failure: "Failed to update widget",
	}, f)
}

func (c *Client) RemoveWidget(ctx context.Context, widgetID int64) (*facade.Result[struct{}], error) {
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodDelete, Resource: resource, Action: "remove_widget", Event: EventWidgetRemoved,
		Payload: map[string]any{"id": widgetID},
		Success: "Widget removed", Failure: "Failed to remove widget",
	}, facade.Fields{"widget_id": widgetID})
}

// SaveLayout stores the widget positions of a dashboard.
func (c *Client) SaveLayout(ctx context.Context, dashboardID int64, layout map[int64]Position) (*facade.Result[struct{}], error) {
	items := make([]map[string]any, 0, len(layout))
	for id, p := range layout {
		items = append(items, map[string]any{"widget_id": id, "x": p.X, "y": p.Y, "w": p.W, "h": p.H})
	}
	return facade.Call[struct{}](ctx, c.Client, facade.Op{
		Method: http.MethodPost, Resource: resource, Action: "save_layout", Event: EventLayoutSaved,
		Payload: map[string]any{"dashboard_id": dashboardID},
		Success: "Layout saved", Failure: "Failed to save layout",
	}, facade.Fields{"dashboard_id": dashboardID, "layout": items})
}

// GetMetrics returns the snapshot taken at or after since, or nil data when
// nothing changed.
func (c *Client) GetMetrics(ctx context.Context, since string, filters facade.Fields) (*facade.Result[*Metrics], error) {
	f := filters.Clone()
	if since != "" {
		f["since"] = since
	}
	return facade.Call[*Metrics](ctx, c.Client, facade.Op{
		Resource: resource, Action: "metrics", Failure: "Failed to load metrics",
	}, f)
}

// ExportDashboard downloads a dashboard definition with its widgets.
func (c *Client) ExportDashboard(ctx context.Context, id int64, format string) (*gateway.Blob, error) {
	if format == "" {
		format = "json"
	}
	return facade.Blob(ctx, c.Client, resource, facade.Fields{"action": "export", "id": id, "format": format})
}

// StartMetricsPolling delivers each new metrics snapshot.
func (c *Client) StartMetricsPolling(ctx context.Context, onMetrics func(Metrics), filters facade.Fields, interval time.Duration) poll.StopFunc {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	filters = filters.Clone()
	probe := func(ctx context.Context, since string) ([]Metrics, error) {
		res, err := c.GetMetrics(ctx, since, filters)
		if err != nil {
			return nil, err
		}
		if res.Data == nil {
			return nil, nil
		}
		return []Metrics{*res.Data}, nil
	}
	deliver := func(ms []Metrics) {
		if onMetrics != nil {
			onMetrics(ms[len(ms)-1])
		}
	}
	return facade.Watch(ctx, c.Client, probe, deliver, poll.Options[Metrics]{
		Key:      MetricsKey,
		Interval: interval,
		Cursor:   c.Now(),
		Advance:  poll.ByTimestamp[Metrics](),
	})
}
