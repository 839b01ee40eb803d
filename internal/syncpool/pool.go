// Package syncpool maintains the set of source connections and the merged
// header registry built from them.
//
// The pool owns one transport.Connection per source URI. Header batches from
// every source are reconciled into a single map keyed by document id (last
// writer wins), stamped with their source, and fanned out to header
// subscribers as deltas. Decoded protocol events are fanned out to event
// subscribers, which is how the document fetcher learns about replies and
// closed sources.
//
// A Pool is not safe for concurrent use. It is driven from a single event
// loop: HandleEvent for transport events, Tick for the reconnect timer, and
// the subscription and routing calls from loop-resident components.
package syncpool

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/dqmtools/syncmon/internal/transport"
	"github.com/dqmtools/syncmon/internal/wire"
)

// HeaderHandler receives header deltas (replay=false) or the full header set
// (replay=true).
type HeaderHandler func(headers []wire.Header, replay bool)

// EventHandler receives decoded connection events.
type EventHandler func(ev ConnEvent)

// ConnEvent is a connection event with its frame decoded.
type ConnEvent struct {
	Source string
	Kind   transport.EventKind
	Frame  wire.Frame
	Err    error
}

// ConnStatus describes one connection for display.
type ConnStatus struct {
	URI      string `json:"uri"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
	Class    string `json:"class"`
	Retries  int    `json:"retries"`
	Inflight int    `json:"inflight,omitempty"`
	LastRev  *int64 `json:"last_rev,omitempty"`
}

// Config holds pool configuration.
type Config struct {
	// Context bounds every session the pool opens.
	Context context.Context

	// Sink receives transport events from session goroutines. The owner must
	// feed them back through HandleEvent on its loop.
	Sink func(transport.Event)

	// Select picks a transport for a source URI.
	Select transport.Selector

	Connection transport.ConnectionConfig

	Logger *log.Logger

	// Verbose logs every frame.
	Verbose bool
}

// DefaultConfig returns sensible defaults. Sink must still be set.
func DefaultConfig() *Config {
	return &Config{
		Context:    context.Background(),
		Select:     transport.SchemeSelector(transport.NewWebSocket(), transport.NewHTTPPoll()),
		Connection: transport.DefaultConnectionConfig(),
		Logger:     log.New(os.Stderr, "[pool] ", log.LstdFlags),
	}
}

// Pool is the SyncPool.
type Pool struct {
	config *Config
	logger *log.Logger

	conns   map[string]*transport.Connection
	headers map[string]wire.Header

	nextID     SubscriptionID
	headerSubs registry[HeaderHandler]
	eventSubs  registry[EventHandler]
}

// New creates an empty pool.
func New(config *Config) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if config.Select == nil {
		return nil, fmt.Errorf("transport selector cannot be nil")
	}
	if config.Context == nil {
		config.Context = context.Background()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[pool] ", log.LstdFlags)
	}
	if config.Connection.Logger == nil {
		config.Connection.Logger = config.Logger
	}

	return &Pool{
		config:  config,
		logger:  config.Logger,
		conns:   make(map[string]*transport.Connection),
		headers: make(map[string]wire.Header),
	}, nil
}

// Connect opens a connection to uri. Connecting to a known source is a no-op.
func (p *Pool) Connect(uri string) error {
	if _, ok := p.conns[uri]; ok {
		return nil
	}

	t, err := p.config.Select(uri)
	if err != nil {
		return err
	}

	conn := transport.NewConnection(p.config.Context, uri, t, p.config.Sink, p.config.Connection)
	p.conns[uri] = conn
	conn.Connect()

	p.logger.Printf("Connecting to %s", uri)
	return nil
}

// Disconnect closes the connection to uri, drops every header it delivered
// and replays the remaining set to all header subscribers. Event subscribers
// see a closed event for the source. Unknown sources are ignored.
func (p *Pool) Disconnect(uri string) {
	conn, ok := p.conns[uri]
	if !ok {
		return
	}
	delete(p.conns, uri)
	conn.Close()

	purged := 0
	for id, h := range p.headers {
		if h.Source == uri {
			delete(p.headers, id)
			purged++
		}
	}
	p.logger.Printf("Disconnected from %s (%d headers dropped)", uri, purged)

	p.ForceReplay()
	p.notifyEvent(ConnEvent{Source: uri, Kind: transport.EventClosed})
}

// Close disconnects every source.
func (p *Pool) Close() {
	for _, uri := range p.Sources() {
		p.Disconnect(uri)
	}
}

// Sources returns the connected source URIs, sorted.
func (p *Pool) Sources() []string {
	out := make([]string, 0, len(p.conns))
	for uri := range p.conns {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// SubscribeHeaders registers fn and immediately replays the current header
// set to it.
func (p *Pool) SubscribeHeaders(fn HeaderHandler) SubscriptionID {
	p.nextID++
	id := p.nextID
	p.headerSubs.add(id, fn)
	fn(p.Headers(), true)
	return id
}

// SubscribeEvents registers fn for decoded connection events.
func (p *Pool) SubscribeEvents(fn EventHandler) SubscriptionID {
	p.nextID++
	id := p.nextID
	p.eventSubs.add(id, fn)
	return id
}

// Unsubscribe removes a header or event subscription. Unknown ids are
// ignored.
func (p *Pool) Unsubscribe(id SubscriptionID) {
	if !p.headerSubs.remove(id) {
		p.eventSubs.remove(id)
	}
}

// ForceReplay sends the full header set to every header subscriber.
func (p *Pool) ForceReplay() {
	all := p.Headers()
	for _, e := range p.headerSubs.snapshot() {
		e.fn(all, true)
	}
}

// Header returns the current header for a document id.
func (p *Pool) Header(id string) (wire.Header, bool) {
	h, ok := p.headers[id]
	return h, ok
}

// Headers returns the full header set ordered by id.
func (p *Pool) Headers() []wire.Header {
	out := make([]wire.Header, 0, len(p.headers))
	for _, h := range p.headers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendToSource encodes f and sends it on the connection for uri.
func (p *Pool) SendToSource(uri string, f wire.Frame) error {
	conn, ok := p.conns[uri]
	if !ok {
		return fmt.Errorf("source %s: %w", uri, transport.ErrNotConnected)
	}
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if p.config.Verbose {
		p.logger.Printf("-> %s %s", uri, f.Event())
	}
	return conn.Send(data)
}

// Tick drives reconnection and polls idle polling connections.
func (p *Pool) Tick() {
	for _, uri := range p.Sources() {
		conn := p.conns[uri]
		if conn.Tick() {
			p.logger.Printf("Reconnecting to %s (attempt %d)", uri, conn.Retries())
		}
		if conn.ShouldPoll() {
			p.handshake(conn)
		}
	}
}

// HandleEvent applies a transport event reported through the sink.
func (p *Pool) HandleEvent(ev transport.Event) {
	conn, ok := p.conns[ev.Source]
	if !ok || !conn.HandleEvent(ev) {
		return
	}

	switch ev.Kind {
	case transport.EventOpened:
		p.logger.Printf("Connected to %s", ev.Source)
		p.handshake(conn)
		p.notifyEvent(ConnEvent{Source: ev.Source, Kind: ev.Kind})

	case transport.EventMessage:
		f, err := wire.Decode(ev.Data)
		if err != nil {
			p.logger.Printf("Warning: dropping frame from %s: %v", ev.Source, err)
			return
		}
		if p.config.Verbose {
			p.logger.Printf("<- %s %s (%d bytes)", ev.Source, f.Event(), len(ev.Data))
		}
		if u, ok := f.(wire.UpdateHeaders); ok {
			p.applyHeaders(conn, u)
		}
		p.notifyEvent(ConnEvent{Source: ev.Source, Kind: ev.Kind, Frame: f})

	case transport.EventClosed:
		if ev.Err != nil {
			p.logger.Printf("Connection to %s closed: %v", ev.Source, ev.Err)
		}
		p.notifyEvent(ConnEvent{Source: ev.Source, Kind: ev.Kind, Err: ev.Err})

	default:
		p.notifyEvent(ConnEvent{Source: ev.Source, Kind: ev.Kind, Err: ev.Err})
	}
}

func (p *Pool) handshake(conn *transport.Connection) {
	if err := p.SendToSource(conn.URI(), wire.SyncRequest{KnownRev: conn.LastRevision()}); err != nil {
		p.logger.Printf("Warning: sync request to %s failed: %v", conn.URI(), err)
	}
}

func (p *Pool) applyHeaders(conn *transport.Connection, u wire.UpdateHeaders) {
	conn.ObserveRevision(u.LastRevision())
	for _, err := range u.Skipped {
		p.logger.Printf("Warning: skipping header from %s: %v", conn.URI(), err)
	}

	delta := make([]wire.Header, 0, len(u.Headers))
	for _, h := range u.Headers {
		h.Source = conn.URI()
		p.headers[h.ID] = h
		delta = append(delta, h)
	}
	if len(delta) > 0 {
		for _, e := range p.headerSubs.snapshot() {
			e.fn(delta, false)
		}
	}

	// Progress is only meaningful for push links; polling links report
	// request activity instead.
	if conn.Mode() != transport.ModePush {
		return
	}
	if u.SyncToRev != nil && !wire.EqualRevision(u.SyncToRev, conn.LastRevision()) {
		conn.SetState(transport.StateSyncing, fmt.Sprintf("%d / %d", u.TotalSent, *u.SyncToRev))
	} else {
		conn.SetState(transport.StateLive, "")
	}
}

func (p *Pool) notifyEvent(ev ConnEvent) {
	for _, e := range p.eventSubs.snapshot() {
		e.fn(ev)
	}
}

// Health returns the worst state across connections, with the source it
// belongs to. With no connections the pool reports closed.
func (p *Pool) Health() (transport.State, string, string) {
	uris := p.Sources()
	if len(uris) == 0 {
		return transport.StateClosed, "no sources", ""
	}

	worst := p.conns[uris[0]]
	for _, uri := range uris[1:] {
		if c := p.conns[uri]; c.State().Priority() > worst.State().Priority() {
			worst = c
		}
	}
	return worst.State(), worst.Detail(), worst.URI()
}

// Connections describes every connection, sorted by URI.
func (p *Pool) Connections() []ConnStatus {
	out := make([]ConnStatus, 0, len(p.conns))
	for _, uri := range p.Sources() {
		c := p.conns[uri]
		st := ConnStatus{
			URI:      uri,
			State:    c.State().String(),
			Detail:   c.Detail(),
			Class:    c.State().Class(),
			Retries:  c.Retries(),
			Inflight: c.Inflight(),
		}
		if rev := c.LastRevision(); rev != nil {
			v := int64(*rev)
			st.LastRev = &v
		}
		out = append(out, st)
	}
	return out
}
