package calendar

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-collab-go/pkg/bridge"
	"github.com/lzyats/core-collab-go/pkg/facade"
	"github.com/lzyats/core-collab-go/pkg/facade/facadetest"
	"github.com/lzyats/core-collab-go/pkg/gateway"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, gw *facadetest.Gateway) (*Client, *bridge.Bridge, clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	b := bridge.New(nil)
	c := New(facade.Core{Gateway: gw, Bridge: b, Clock: clk})
	t.Cleanup(c.Cleanup)
	return c, b, clk
}

func TestCreateEventEmitsCreated(t *testing.T) {
	gw := facadetest.New().Then(facadetest.JSON(
		`{"success":true,"data":{"id":42,"title":"Standup"},"message":"Event created successfully"}`))
	c, b, _ := newTestClient(t, gw)

	var events []bridge.Event
	b.On(EventCreated, func(e bridge.Event) { events = append(events, e) })

	res, err := c.CreateEvent(context.Background(), facade.Fields{"title": "Standup"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, Event{ID: 42, Title: "Standup"}, res.Data)
	assert.Equal(t, "Event created successfully", res.Message)

	require.Len(t, events, 1)
	assert.Equal(t, Event{ID: 42, Title: "Standup"}, events[0].Payload)

	call := gw.Last()
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "calendar", call.Resource)
	assert.Equal(t, "create", call.Action())
	assert.Equal(t, "Standup", call.Params["title"])
}

func TestDeleteEventSendsQuery(t *testing.T) {
	gw := facadetest.New().Then(facadetest.JSON(`{"success":true}`))
	c, b, _ := newTestClient(t, gw)
	var payload any
	b.On(EventDeleted, func(e bridge.Event) { payload = e.Payload })

	res, err := c.DeleteEvent(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "Event deleted successfully", res.Message)
	assert.Equal(t, map[string]any{"id": int64(9)}, payload)

	call := gw.Last()
	assert.Equal(t, http.MethodDelete, call.Method)
	assert.Equal(t, "delete", call.Query.Get("action"))
	assert.Equal(t, "9", call.Query.Get("id"))
}

func TestUpdateEventCannotChangeAction(t *testing.T) {
	gw := facadetest.New().Then(facadetest.JSON(`{"success":false,"message":"Event not found"}`))
	c, b, _ := newTestClient(t, gw)
	emitted := 0
	b.OnAny(func(bridge.Event) { emitted++ })

	_, err := c.UpdateEvent(context.Background(), 3, facade.Fields{"action": "delete", "title": "x"})
	assert.EqualError(t, err, "Event not found")
	assert.Zero(t, emitted)
	assert.Equal(t, "update", gw.Last().Action())
	assert.Equal(t, int64(3), gw.Last().Params["id"])
}

func TestSearchAndRespond(t *testing.T) {
	gw := facadetest.New().Then(
		facadetest.JSON(`{"success":true,"data":[{"id":1,"title":"Review"}],"total":1}`),
		facadetest.JSON(`{"success":true,"data":{"id":1,"title":"Review","response":"accepted"}}`),
	)
	c, b, _ := newTestClient(t, gw)
	var responded []bridge.Event
	b.On(EventResponded, func(e bridge.Event) { responded = append(responded, e) })

	found, err := c.SearchEvents(context.Background(), "rev", facade.Fields{"start": "2024-03-01"})
	require.NoError(t, err)
	assert.Len(t, found.Data, 1)
	assert.Equal(t, 1, found.Meta.Total)
	assert.Equal(t, "rev", gw.Last().Params["q"])
	assert.Equal(t, "search", gw.Last().Action())

	res, err := c.RespondToEvent(context.Background(), 1, Accepted)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Data.Response)
	assert.Len(t, responded, 1)
}

func TestExportICS(t *testing.T) {
	gw := facadetest.New().Blob("calendar", &gateway.Blob{Data: []byte("BEGIN:VCALENDAR"), ContentType: "text/calendar"})
	c, _, _ := newTestClient(t, gw)

	blob, err := c.ExportICS(context.Background(), facade.Fields{"start": "2024-03-01"})
	require.NoError(t, err)
	assert.Equal(t, "BEGIN:VCALENDAR", string(blob.Data))
	q := gw.Last().Query
	assert.Equal(t, "export", q.Get("action"))
	assert.Equal(t, "ics", q.Get("format"))
	assert.Equal(t, "2024-03-01", q.Get("start"))
}

func TestSubscribeToUpdatesAdvancesTimestamp(t *testing.T) {
	gw := facadetest.New().Then(
		facadetest.JSON(`{"success":true,"data":[]}`),
		facadetest.JSON(`{"success":true,"data":[{"id":5,"title":"Moved"}]}`),
		facadetest.JSON(`{"success":true,"data":[]}`),
	)
	c, _, clk := newTestClient(t, gw)

	got := make(chan []Event, 4)
	c.SubscribeToUpdates(context.Background(), func(evs []Event) { got <- evs }, facade.Fields{"calendar_id": 2}, time.Minute)
	assert.True(t, c.Registry().Active(UpdatesKey))

	waitCalls(t, gw, 1)
	assert.Equal(t, "2024-03-04T09:00:00Z", gw.Calls()[0].Params["since"])
	assert.Equal(t, 2, gw.Calls()[0].Params["calendar_id"])

	// empty batch keeps the cursor
	clk.BlockUntil(1)
	clk.Advance(time.Minute)
	select {
	case evs := <-got:
		assert.Equal(t, []Event{{ID: 5, Title: "Moved"}}, evs)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch delivered")
	}
	assert.Equal(t, "2024-03-04T09:00:00Z", gw.Calls()[1].Params["since"])

	clk.Advance(time.Minute)
	waitCalls(t, gw, 3)
	assert.Equal(t, "2024-03-04T09:01:00Z", gw.Calls()[2].Params["since"])
}

func waitCalls(t *testing.T, gw *facadetest.Gateway, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(gw.Calls()) >= n }, 2*time.Second, 5*time.Millisecond)
}
