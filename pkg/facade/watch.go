package facade

import (
	"context"
	"time"

	"github.com/lzyats/core-collab-go/pkg/poll"
)

// Watch registers a polling subscription on the client, filling clock,
// logger and cursor store from its Core.
func Watch[T any](ctx context.Context, c *Client, probe poll.Probe[T], onItems func([]T), opts poll.Options[T]) poll.StopFunc {
	if opts.Clock == nil {
		opts.Clock = c.core.Clock
	}
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	if opts.Store == nil {
		opts.Store = c.core.Store
	}
	return poll.Watch(ctx, c.reg, probe, onItems, opts)
}

// Heartbeat starts the client's heartbeat, replacing a running one.
func (c *Client) Heartbeat(ctx context.Context, name string, interval time.Duration, action func(context.Context) error) poll.StopFunc {
	return c.reg.StartHeartbeat(ctx, action, poll.HeartbeatOptions{
		Name:     name,
		Interval: interval,
		Clock:    c.core.Clock,
		Logger:   c.log,
	})
}

// Now returns the client clock reading as a timestamp cursor.
func (c *Client) Now() string {
	return poll.Timestamp(c.core.Clock.Now())
}
