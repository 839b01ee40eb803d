// Package transport manages one logical link to a monitoring source.
//
// A Connection owns reconnection, backoff and a display state; the bytes are
// moved by a Transport. Two transports exist: a persistent WebSocket (push)
// and an HTTP request/response proxy that is polled (poll). Transports run
// their own goroutines and report back only through Events, which the owner
// feeds to Connection.HandleEvent on its event loop.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when sending on a link that is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrTransport wraps failures reported by the underlying transport.
	ErrTransport = errors.New("transport error")

	// ErrUnsupportedScheme is returned for URIs no transport can serve.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// State is the display state of a connection.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateSyncing
	StateLive
	StateError
	StateDownloading
)

// String returns the short state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateSyncing:
		return "sync"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateDownloading:
		return "download"
	default:
		return "unknown"
	}
}

// Priority ranks states for aggregate display; the highest priority across
// connections is shown.
func (s State) Priority() int {
	switch s {
	case StateError:
		return 15
	case StateClosed:
		return 10
	case StateOpen, StateDownloading:
		return 6
	case StateSyncing:
		return 5
	case StateLive:
		return 1
	default:
		return 0
	}
}

// Class is the display class: danger, warning or success.
func (s State) Class() string {
	switch s {
	case StateError, StateClosed, StateDownloading:
		return "danger"
	case StateOpen, StateSyncing:
		return "warning"
	case StateLive:
		return "success"
	default:
		return ""
	}
}

// Describe formats a state with its optional detail as "state: detail".
func Describe(s State, detail string) string {
	if detail == "" {
		return s.String()
	}
	return fmt.Sprintf("%s: %s", s, detail)
}
