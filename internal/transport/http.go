package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dqmtools/syncmon/internal/wire"
)

// HTTPPoll is the polling transport. Every Send is one POST of an envelope;
// the frames in the reply are reported as messages followed by EventNotify.
type HTTPPoll struct {
	Client *http.Client

	// MaxResponse caps the size of a reply body.
	MaxResponse int64
}

// NewHTTPPoll returns an HTTP polling transport with default limits.
func NewHTTPPoll() *HTTPPoll {
	return &HTTPPoll{
		Client:      &http.Client{Timeout: 30 * time.Second},
		MaxResponse: 64 << 20,
	}
}

func (h *HTTPPoll) Mode() Mode { return ModePoll }

// Open returns a session that is usable immediately; there is no handshake
// beyond the first request.
func (h *HTTPPoll) Open(ctx context.Context, uri string, emit Emitter) Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &httpSession{cfg: h, uri: uri, ctx: ctx, cancel: cancel, emit: emit}
	go emit.Emit(Event{Kind: EventOpened})
	return s
}

type httpSession struct {
	cfg    *HTTPPoll
	uri    string
	ctx    context.Context
	cancel context.CancelFunc
	emit   Emitter
}

func (s *httpSession) Send(msg []byte) error {
	if s.ctx.Err() != nil {
		return ErrNotConnected
	}
	body, err := wire.EncodeEnvelope(msg)
	if err != nil {
		return err
	}
	go s.post(body)
	return nil
}

func (s *httpSession) post(body []byte) {
	frames, err := s.roundTrip(body)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.emit.Emit(Event{Kind: EventError, Err: err})
		return
	}
	for _, f := range frames {
		s.emit.Emit(Event{Kind: EventMessage, Data: f})
	}
	s.emit.Emit(Event{Kind: EventNotify})
}

func (s *httpSession) roundTrip(body []byte) ([][]byte, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return wire.DecodeEnvelope(data)
}

func (s *httpSession) Close() error {
	s.cancel()
	return nil
}
