package transport

import (
	"fmt"
	"net/url"
)

// Selector picks the transport for a source URI.
type Selector func(uri string) (Transport, error)

// SchemeSelector routes ws/wss URIs to push and http/https URIs to poll.
func SchemeSelector(ws *WebSocket, hp *HTTPPoll) Selector {
	return func(uri string) (Transport, error) {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid source %q: %w", uri, err)
		}
		switch u.Scheme {
		case "ws", "wss":
			return ws, nil
		case "http", "https":
			return hp, nil
		default:
			return nil, fmt.Errorf("%w %q in %s", ErrUnsupportedScheme, u.Scheme, uri)
		}
	}
}
