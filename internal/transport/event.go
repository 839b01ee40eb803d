package transport

import (
	"context"
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventClosed
	EventError
	// EventNotify marks the completion of one polling request.
	EventNotify
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Event is reported by a transport session.
type Event struct {
	Source string
	Kind   EventKind
	Data   []byte
	Err    error

	attempt uint64
}

// Emitter stamps events with the connection attempt they belong to, so events
// from an abandoned session are recognised as stale.
type Emitter struct {
	source  string
	attempt uint64
	sink    func(Event)
}

// Emit forwards ev to the connection owner.
func (e Emitter) Emit(ev Event) {
	ev.Source = e.source
	ev.attempt = e.attempt
	e.sink(ev)
}

// Mode distinguishes persistent links from polled ones.
type Mode int

const (
	ModePush Mode = iota
	ModePoll
)

// Transport opens sessions to a source.
type Transport interface {
	// Mode reports whether sessions push frames or must be polled.
	Mode() Mode

	// Open starts a session and returns immediately. The session reports
	// EventOpened once usable and EventClosed exactly once when it ends,
	// unless it was closed by its owner.
	Open(ctx context.Context, uri string, emit Emitter) Session
}

// Session is one live attempt at a link.
type Session interface {
	Send(msg []byte) error
	Close() error
}
