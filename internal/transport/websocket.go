package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// WebSocket is the push transport: one persistent socket per session.
type WebSocket struct {
	// DialTimeout bounds the opening handshake.
	DialTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// ReadLimit is the largest accepted frame; header backlogs can be large.
	ReadLimit int64

	// SendBuffer is the number of frames queued before Send fails.
	SendBuffer int
}

// NewWebSocket returns a WebSocket transport with default limits.
func NewWebSocket() *WebSocket {
	return &WebSocket{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    64 << 20,
		SendBuffer:   64,
	}
}

func (w *WebSocket) Mode() Mode { return ModePush }

// Open dials uri in the background.
func (w *WebSocket) Open(ctx context.Context, uri string, emit Emitter) Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &wsSession{
		cfg:    w,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, w.SendBuffer),
	}
	go s.run(uri, emit)
	return s
}

type wsSession struct {
	cfg    *WebSocket
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
}

func (s *wsSession) run(uri string, emit Emitter) {
	defer s.cancel()

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, uri, nil)
	cancel()
	if err != nil {
		if s.ctx.Err() == nil {
			emit.Emit(Event{Kind: EventClosed, Err: fmt.Errorf("dial failed: %w", err)})
		}
		return
	}
	defer conn.CloseNow()

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	emit.Emit(Event{Kind: EventOpened})
	go s.writeLoop(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				emit.Emit(Event{Kind: EventError, Err: err})
			}
			emit.Emit(Event{Kind: EventClosed, Err: err})
			return
		}
		emit.Emit(Event{Kind: EventMessage, Data: data})
	}
}

func (s *wsSession) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.out:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
			err := conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				// Closing unblocks the read loop, which reports the close.
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) Send(msg []byte) error {
	select {
	case <-s.ctx.Done():
		return ErrNotConnected
	default:
	}

	select {
	case s.out <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *wsSession) Close() error {
	s.cancel()
	return nil
}
