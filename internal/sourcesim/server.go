// Package sourcesim provides an in-process monitoring source.
//
// The source keeps documents in memory, assigns each write the next
// revision, and serves the sync protocol:
//
//   - /sync        WebSocket: sync_request streams the header backlog newer
//     than known_rev in chunks, then pushes every later write live;
//     request_documents answers with update_documents.
//   - /sync_proxy  HTTP POST: the same frames wrapped in an envelope, one
//     reply per request.
//   - /health      JSON status.
//
// It backs the engine's integration tests and the simulate command.
package sourcesim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/sjson"

	"github.com/dqmtools/syncmon/internal/wire"
)

// Config holds source configuration.
type Config struct {
	// Port to listen on; 0 picks a free port.
	Port int

	// MaxFrameHeaders caps the headers per update_headers frame.
	MaxFrameHeaders int

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            9215,
		MaxFrameHeaders: 1000,
		Logger:          log.New(os.Stderr, "[source] ", log.LstdFlags),
	}
}

type record struct {
	header wire.Header
	body   json.RawMessage
}

// Source is a simulated monitoring source.
type Source struct {
	addr     string
	listener net.Listener
	server   *http.Server
	maxFrame int

	mu      sync.RWMutex
	rev     wire.Revision
	records map[string]*record

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a source. Documents may be published before Start.
func New(config *Config) *Source {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}
	if config.MaxFrameHeaders <= 0 {
		config.MaxFrameHeaders = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		addr:     fmt.Sprintf(":%d", config.Port),
		maxFrame: config.MaxFrameHeaders,
		records:  make(map[string]*record),
		clients:  make(map[*client]bool),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}
}

// Start begins serving.
func (s *Source) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/sync_proxy", s.handleProxy)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Source listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Source) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "source shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// GetAddr returns the listening address.
func (s *Source) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// WebSocketURL returns the push endpoint.
func (s *Source) WebSocketURL() string {
	return "ws://" + s.GetAddr() + "/sync"
}

// ProxyURL returns the polling endpoint.
func (s *Source) ProxyURL() string {
	return "http://" + s.GetAddr() + "/sync_proxy"
}

// ClientCount returns the number of WebSocket clients.
func (s *Source) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Revision returns the last assigned revision.
func (s *Source) Revision() wire.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Load publishes every fixture document in order.
func (s *Source) Load(f *Fixture) error {
	for _, d := range f.Documents {
		if _, err := s.Put(d); err != nil {
			return err
		}
	}
	return nil
}

// Put stores a document under the next revision and pushes its header to
// listening clients.
func (s *Source) Put(d FixtureDocument) (wire.Header, error) {
	fields := make(map[string]any, len(d.Body)+5)
	for k, v := range d.Body {
		fields[k] = v
	}
	fields["_id"] = d.ID
	setDefault(fields, "type", d.Type)
	setDefault(fields, "hostname", d.Hostname)
	setDefault(fields, "tag", d.Tag)
	if d.Run != nil {
		setDefault(fields, "run", *d.Run)
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return wire.Header{}, fmt.Errorf("failed to encode document %s: %w", d.ID, err)
	}

	ts := d.Timestamp
	if ts == 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}

	s.mu.Lock()
	s.rev++
	h := wire.Header{
		ID:        d.ID,
		Rev:       s.rev,
		Run:       d.Run,
		Type:      d.Type,
		Hostname:  d.Hostname,
		Tag:       d.Tag,
		Timestamp: ts,
	}
	s.records[d.ID] = &record{header: h, body: body}
	s.mu.Unlock()

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.push(s, h)
	}
	return h, nil
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; ok {
		return
	}
	if str, ok := v.(string); ok && str == "" {
		return
	}
	m[key] = v
}

// headerFrames encodes the backlog newer than known, chunked.
func (s *Source) headerFrames(known *wire.Revision) [][]byte {
	s.mu.RLock()
	var backlog []wire.Header
	for _, r := range s.records {
		if known == nil || r.header.Rev > *known {
			backlog = append(backlog, r.header)
		}
	}
	s.mu.RUnlock()

	sort.Slice(backlog, func(i, j int) bool { return backlog[i].Rev < backlog[j].Rev })

	if len(backlog) == 0 {
		data, _ := wire.Encode(wire.UpdateHeaders{Headers: []wire.Header{}, SyncToRev: known})
		return [][]byte{data}
	}

	last := backlog[len(backlog)-1].Rev
	var frames [][]byte
	for sent := 0; sent < len(backlog); {
		end := sent + s.maxFrame
		if end > len(backlog) {
			end = len(backlog)
		}
		chunk := backlog[sent:end]
		sent = end

		data, err := wire.Encode(wire.UpdateHeaders{
			Rev:        []wire.Revision{chunk[0].Rev, chunk[len(chunk)-1].Rev},
			Headers:    chunk,
			SyncToRev:  wire.RevisionPtr(last),
			TotalSent:  sent,
			TotalAvail: len(backlog),
		})
		if err != nil {
			s.logger.Printf("Failed to encode headers: %v", err)
			continue
		}
		frames = append(frames, data)
	}
	return frames
}

// documentsFrame encodes the requested documents with their headers
// embedded. Unknown ids are skipped.
func (s *Source) documentsFrame(ids []string) []byte {
	s.mu.RLock()
	docs := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		hdr, err := json.Marshal(r.header)
		if err != nil {
			continue
		}
		body, err := sjson.SetRawBytes(r.body, "_header", hdr)
		if err != nil {
			continue
		}
		docs = append(docs, body)
	}
	s.mu.RUnlock()

	data, _ := wire.Encode(wire.UpdateDocuments{Documents: docs})
	return data
}

// respond answers one request frame.
func (s *Source) respond(data []byte) ([][]byte, error) {
	f, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case wire.SyncRequest:
		return s.headerFrames(f.KnownRev), nil
	case wire.RequestDocuments:
		return [][]byte{s.documentsFrame(f.IDs)}, nil
	default:
		return nil, fmt.Errorf("unexpected %s from client", f.Event())
	}
}

func (s *Source) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frames, err := wire.DecodeEnvelope(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var out [][]byte
	for _, f := range frames {
		replies, err := s.respond(f)
		if err != nil {
			s.logger.Printf("Proxy client %s: %v", r.RemoteAddr, err)
			continue
		}
		out = append(out, replies...)
	}

	data, err := wire.EncodeEnvelope(out...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Source) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	docs, rev := len(s.records), s.rev
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"documents": docs,
		"rev":       rev,
		"clients":   s.ClientCount(),
	})
}
