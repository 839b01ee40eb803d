package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dqmtools/syncmon/internal/wire"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWebSocketTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, append([]byte("echo:"), data...))
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	uri := "ws" + strings.TrimPrefix(srv.URL, "http")
	events := make(chan Event, 16)

	c := NewConnection(context.Background(), uri, NewWebSocket(), func(ev Event) { events <- ev }, DefaultConnectionConfig())
	c.Connect()

	ev := nextEvent(t, events)
	require.Equal(t, EventOpened, ev.Kind)
	require.True(t, c.HandleEvent(ev))
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Send([]byte("ping")))

	ev = nextEvent(t, events)
	require.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, uri, ev.Source)
	assert.Equal(t, "echo:ping", string(ev.Data))
	require.True(t, c.HandleEvent(ev))

	ev = nextEvent(t, events)
	require.Equal(t, EventClosed, ev.Kind)
	require.True(t, c.HandleEvent(ev))
	assert.Equal(t, StateClosed, c.State())
}

func TestWebSocketDialFailure(t *testing.T) {
	events := make(chan Event, 4)
	c := NewConnection(context.Background(), "ws://127.0.0.1:1/sync", NewWebSocket(), func(ev Event) { events <- ev }, DefaultConnectionConfig())
	c.Connect()

	ev := nextEvent(t, events)
	require.Equal(t, EventClosed, ev.Kind)
	require.Error(t, ev.Err)
	require.True(t, c.HandleEvent(ev))
	assert.Equal(t, StateClosed, c.State())
}

func TestHTTPPollTransport(t *testing.T) {
	got := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		frames, err := wire.DecodeEnvelope(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, f := range frames {
			got <- f
		}

		a, _ := wire.Encode(wire.UpdateHeaders{Headers: []wire.Header{{ID: "a", Rev: 1}}})
		b, _ := wire.Encode(wire.UpdateDocuments{Documents: []json.RawMessage{json.RawMessage(`{"_id":"a"}`)}})
		out, _ := wire.EncodeEnvelope(a, b)
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	events := make(chan Event, 16)
	cfg := DefaultConnectionConfig()
	cfg.PollInterval = 0
	c := NewConnection(context.Background(), srv.URL, NewHTTPPoll(), func(ev Event) { events <- ev }, cfg)
	c.Connect()

	ev := nextEvent(t, events)
	require.Equal(t, EventOpened, ev.Kind)
	c.HandleEvent(ev)
	assert.Equal(t, "open: http mode", c.Status())

	req, _ := wire.Encode(wire.SyncRequest{})
	require.NoError(t, c.Send(req))
	assert.Equal(t, StateDownloading, c.State())

	var kinds []EventKind
	for len(kinds) < 3 {
		ev := nextEvent(t, events)
		c.HandleEvent(ev)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventMessage, EventMessage, EventNotify}, kinds)
	assert.Equal(t, "open: http mode", c.Status())

	require.Len(t, got, 1)
	assert.JSONEq(t, string(req), string(<-got))
}

func TestHTTPPollErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	events := make(chan Event, 4)
	c := NewConnection(context.Background(), srv.URL, NewHTTPPoll(), func(ev Event) { events <- ev }, DefaultConnectionConfig())
	c.Connect()
	c.HandleEvent(nextEvent(t, events))

	require.NoError(t, c.Send([]byte(`{"event":"sync_request","known_rev":null}`)))
	ev := nextEvent(t, events)
	require.Equal(t, EventError, ev.Kind)
	c.HandleEvent(ev)
	assert.Equal(t, StateError, c.State())
	assert.Contains(t, c.Detail(), "500")
}

func TestSchemeSelector(t *testing.T) {
	ws, hp := NewWebSocket(), NewHTTPPoll()
	sel := SchemeSelector(ws, hp)

	tr, err := sel("ws://host:9215/sync")
	require.NoError(t, err)
	assert.Same(t, ws, tr)

	tr, err = sel("https://host/sync_proxy")
	require.NoError(t, err)
	assert.Same(t, hp, tr)

	_, err = sel("ftp://host")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
