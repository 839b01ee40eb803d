package sourcesim

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dqmtools/syncmon/internal/wire"
)

// client is one WebSocket subscriber. While a sync is being streamed the
// client is not listening and live pushes wait on mu.
type client struct {
	conn      *websocket.Conn
	addr      string
	mu        sync.Mutex
	listening bool
}

func (c *client) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) push(s *Source, h wire.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening {
		return
	}
	data, err := wire.Encode(wire.UpdateHeaders{
		Rev:        []wire.Revision{h.Rev, h.Rev},
		Headers:    []wire.Header{h},
		SyncToRev:  wire.RevisionPtr(h.Rev),
		TotalSent:  1,
		TotalAvail: 1,
	})
	if err != nil {
		return
	}
	if err := c.write(s.ctx, data); err != nil {
		s.logger.Printf("Push to %s failed: %v", c.addr, err)
	}
}

func (s *Source) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(16 << 20)

	c := &client{conn: conn, addr: r.RemoteAddr}
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.logger.Printf("WebSocket connected: %s", c.addr)

	defer s.removeClient(c)
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.handleClientFrame(c, data)
	}
}

func (s *Source) handleClientFrame(c *client, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		s.logger.Printf("WebSocket client %s sent a bad frame: %v", c.addr, err)
		return
	}

	switch f := f.(type) {
	case wire.SyncRequest:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listening = false
		for _, frame := range s.headerFrames(f.KnownRev) {
			if err := c.write(s.ctx, frame); err != nil {
				return
			}
		}
		c.listening = true

	case wire.RequestDocuments:
		frame := s.documentsFrame(f.IDs)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.write(s.ctx, frame); err != nil {
			s.logger.Printf("Sending documents to %s failed: %v", c.addr, err)
		}
	}
}

func (s *Source) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.clientsMu.Unlock()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("WebSocket disconnected: %s", c.addr)
		return
	}
	s.clientsMu.Unlock()
}
