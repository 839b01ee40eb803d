package fetch

import (
	"errors"

	"github.com/dqmtools/syncmon/internal/transport"
)

var (
	// ErrUnknownID is returned when no header exists for the requested id.
	ErrUnknownID = errors.New("unknown document id")

	// ErrTimeout is returned when a request outlives its tick budget.
	ErrTimeout = errors.New("document request timed out")

	// ErrSourceClosed is returned when the owning connection closes before
	// the document arrives.
	ErrSourceClosed = errors.New("source closed")

	// ErrCancelled is returned to requests withdrawn by the caller.
	ErrCancelled = errors.New("document request cancelled")
)

// IsRetryable reports whether a later fetch of the same id may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSourceClosed) ||
		errors.Is(err, transport.ErrTransport) ||
		errors.Is(err, transport.ErrNotConnected)
}
