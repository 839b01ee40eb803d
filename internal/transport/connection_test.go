package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dqmtools/syncmon/internal/wire"
)

type fakeSession struct {
	sent    [][]byte
	closed  bool
	sendErr error
}

func (s *fakeSession) Send(msg []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeTransport struct {
	mode     Mode
	emitters []Emitter
	sessions []*fakeSession
}

func (f *fakeTransport) Mode() Mode { return f.mode }

func (f *fakeTransport) Open(ctx context.Context, uri string, emit Emitter) Session {
	s := &fakeSession{}
	f.emitters = append(f.emitters, emit)
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeTransport) last() Emitter { return f.emitters[len(f.emitters)-1] }

func newTestConnection(mode Mode, maxBackoff int) (*Connection, *fakeTransport, *[]Event) {
	ft := &fakeTransport{mode: mode}
	var events []Event
	cfg := DefaultConnectionConfig()
	cfg.MaxBackoffTicks = maxBackoff
	cfg.PollInterval = 0
	c := NewConnection(context.Background(), "ws://src", ft, func(ev Event) { events = append(events, ev) }, cfg)
	return c, ft, &events
}

// deliver routes every emitted event back into the connection.
func deliver(c *Connection, events *[]Event) []bool {
	var applied []bool
	for _, ev := range *events {
		applied = append(applied, c.HandleEvent(ev))
	}
	*events = nil
	return applied
}

func TestConnectionLifecycle(t *testing.T) {
	c, ft, events := newTestConnection(ModePush, 5)
	assert.Equal(t, StateClosed, c.State())

	c.Connect()
	require.Len(t, ft.sessions, 1)
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)

	ft.last().Emit(Event{Kind: EventOpened})
	assert.Equal(t, []bool{true}, deliver(c, events))
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 0, c.Retries())

	require.NoError(t, c.Send([]byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, ft.sessions[0].sent)

	ft.last().Emit(Event{Kind: EventClosed, Err: errors.New("reset")})
	deliver(c, events)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed: reset", c.Status())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)

	assert.True(t, c.Tick(), "reconnects on the first tick after a healthy link drops")
	assert.Len(t, ft.sessions, 2)
}

func TestConnectIsIdempotentWhileActive(t *testing.T) {
	c, ft, _ := newTestConnection(ModePush, 5)
	c.Connect()
	c.Connect()
	assert.Len(t, ft.sessions, 1)
	assert.False(t, c.Tick())
}

func TestBackoffGrowsAndIsCapped(t *testing.T) {
	c, ft, events := newTestConnection(ModePush, 3)
	c.Connect()

	waits := []int{}
	for i := 0; i < 5; i++ {
		ft.last().Emit(Event{Kind: EventClosed, Err: errors.New("refused")})
		deliver(c, events)

		ticks := 0
		for !c.Tick() {
			ticks++
			require.Less(t, ticks, 10)
		}
		waits = append(waits, ticks+1)
	}

	assert.Equal(t, []int{1, 2, 3, 3, 3}, waits)
	assert.Equal(t, 3, c.Retries())
}

func TestStaleEventsAreDropped(t *testing.T) {
	c, ft, events := newTestConnection(ModePush, 5)
	c.Connect()
	old := ft.last()

	c.Close()
	assert.True(t, ft.sessions[0].closed)
	assert.Equal(t, "closed: disconnected", c.Status())

	old.Emit(Event{Kind: EventOpened})
	assert.Equal(t, []bool{false}, deliver(c, events))
	assert.False(t, c.Opened())
	assert.False(t, c.Tick(), "closed connections do not reconnect")

	c.Connect()
	old.Emit(Event{Kind: EventOpened})
	assert.Equal(t, []bool{false}, deliver(c, events))
	ft.last().Emit(Event{Kind: EventOpened})
	assert.Equal(t, []bool{true}, deliver(c, events))
}

func TestPollingInflightState(t *testing.T) {
	c, ft, events := newTestConnection(ModePoll, 5)
	c.Connect()
	ft.last().Emit(Event{Kind: EventOpened})
	deliver(c, events)
	assert.Equal(t, "open: http mode", c.Status())
	assert.True(t, c.ShouldPoll())

	require.NoError(t, c.Send([]byte("a")))
	require.NoError(t, c.Send([]byte("b")))
	assert.Equal(t, "download: 2", c.Status())
	assert.False(t, c.ShouldPoll())

	ft.last().Emit(Event{Kind: EventNotify})
	deliver(c, events)
	assert.Equal(t, "download: 1", c.Status())

	ft.last().Emit(Event{Kind: EventError, Err: errors.New("502")})
	deliver(c, events)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 0, c.Inflight())

	require.NoError(t, c.Send([]byte("c")))
	ft.last().Emit(Event{Kind: EventNotify})
	deliver(c, events)
	assert.Equal(t, "open: http mode", c.Status())
}

func TestSendFailureIsTransportError(t *testing.T) {
	c, ft, events := newTestConnection(ModePush, 5)
	c.Connect()
	ft.last().Emit(Event{Kind: EventOpened})
	deliver(c, events)

	ft.sessions[0].sendErr = errors.New("buffer full")
	assert.ErrorIs(t, c.Send([]byte("x")), ErrTransport)
}

func TestObserveRevisionSurvivesReconnect(t *testing.T) {
	c, ft, events := newTestConnection(ModePush, 5)
	assert.Nil(t, c.LastRevision())

	c.ObserveRevision(wire.RevisionPtr(7))
	c.ObserveRevision(nil)
	c.ObserveRevision(wire.RevisionPtr(3))

	c.Connect()
	ft.last().Emit(Event{Kind: EventClosed})
	deliver(c, events)
	assert.Equal(t, wire.Revision(7), *c.LastRevision())
}

func TestStatePriorities(t *testing.T) {
	assert.Greater(t, StateError.Priority(), StateClosed.Priority())
	assert.Greater(t, StateClosed.Priority(), StateOpen.Priority())
	assert.Equal(t, StateOpen.Priority(), StateDownloading.Priority())
	assert.Greater(t, StateOpen.Priority(), StateSyncing.Priority())
	assert.Greater(t, StateSyncing.Priority(), StateLive.Priority())

	assert.Equal(t, "success", StateLive.Class())
	assert.Equal(t, "danger", StateError.Class())
	assert.Equal(t, "warning", StateSyncing.Class())
}
