// Package fetch retrieves full document bodies on demand.
//
// Fetch calls made within one debounce window are grouped by owning source
// and sent as a single request_documents frame per source. At most one
// request per document id is outstanding; concurrent callers share it. A
// request settles when the document arrives, when its tick budget runs out,
// or when its source closes. Each Fetch call gets its own Ticket; cancelling
// a ticket releases only that caller, and the request is withdrawn once no
// ticket holds it.
package fetch

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dqmtools/syncmon/internal/future"
	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/transport"
	"github.com/dqmtools/syncmon/internal/wire"
)

// Source is the part of the sync pool the fetcher depends on.
type Source interface {
	Header(id string) (wire.Header, bool)
	SendToSource(uri string, f wire.Frame) error
	SubscribeEvents(fn syncpool.EventHandler) syncpool.SubscriptionID
	Unsubscribe(id syncpool.SubscriptionID)
}

// Config holds fetcher configuration.
type Config struct {
	// TimeoutTicks is the number of timeout ticks a request may stay
	// unanswered.
	TimeoutTicks int

	// Debounce is the window used to batch fetches before sending.
	Debounce time.Duration

	// Schedule arranges for fn to run on the event loop after d. When nil,
	// the owner calls Flush itself.
	Schedule func(d time.Duration, fn func())

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TimeoutTicks: 15,
		Debounce:     100 * time.Millisecond,
		Logger:       log.New(os.Stderr, "[fetch] ", log.LstdFlags),
	}
}

// Ticket is one caller's hold on a document request.
type Ticket struct {
	Handle string
	ID     string
	Future *future.Future[wire.Document]
}

// Request is one outstanding document request.
type Request struct {
	Handle string
	ID     string
	Source string
	Rev    wire.Revision

	ticks   int
	holders map[string]*Ticket
	sent    bool
}

// Holders returns the number of tickets still waiting on the request.
func (r *Request) Holders() int {
	return len(r.holders)
}

func (r *Request) settle(doc wire.Document, err error) {
	for _, t := range r.holders {
		if err != nil {
			t.Future.Reject(err)
		} else {
			t.Future.Resolve(doc)
		}
	}
	r.holders = nil
}

// Fetcher is the DocumentFetcher.
type Fetcher struct {
	source Source
	config *Config
	logger *log.Logger
	sub    syncpool.SubscriptionID

	requests     map[string]*Request
	tickets      map[string]*Request
	queue        []string
	flushPending bool
}

// New creates a fetcher and subscribes it to connection events.
func New(source Source, config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TimeoutTicks < 1 {
		config.TimeoutTicks = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[fetch] ", log.LstdFlags)
	}

	f := &Fetcher{
		source:   source,
		config:   config,
		logger:   config.Logger,
		requests: make(map[string]*Request),
		tickets:  make(map[string]*Request),
	}
	f.sub = source.SubscribeEvents(f.handleEvent)
	return f
}

// Close detaches the fetcher from the pool.
func (f *Fetcher) Close() {
	f.source.Unsubscribe(f.sub)
}

// Fetch returns a ticket for the full document id. A fetch for an id with a
// live request joins it. Ids without a header fail immediately.
func (f *Fetcher) Fetch(id string) *Ticket {
	t := &Ticket{Handle: uuid.NewString(), ID: id, Future: future.New[wire.Document]()}

	if r, ok := f.requests[id]; ok {
		f.hold(r, t)
		return t
	}

	h, ok := f.source.Header(id)
	if !ok {
		t.Future.Reject(fmt.Errorf("%w: %s", ErrUnknownID, id))
		return t
	}

	r := &Request{
		Handle:  uuid.NewString(),
		ID:      id,
		Source:  h.Source,
		Rev:     h.Rev,
		ticks:   f.config.TimeoutTicks,
		holders: make(map[string]*Ticket),
	}
	f.requests[id] = r
	f.hold(r, t)
	f.queue = append(f.queue, id)
	f.scheduleFlush()
	return t
}

func (f *Fetcher) hold(r *Request, t *Ticket) {
	r.holders[t.Handle] = t
	f.tickets[t.Handle] = r
}

// Cancel releases the ticket with the given handle and rejects its future
// with ErrCancelled. Other tickets on the same request keep waiting; when
// none remain the request is withdrawn and a late reply is ignored. It
// reports whether the handle was live, so repeated calls are no-ops.
func (f *Fetcher) Cancel(handle string) bool {
	r, ok := f.tickets[handle]
	if !ok {
		return false
	}
	t := r.holders[handle]
	delete(f.tickets, handle)
	delete(r.holders, handle)
	if len(r.holders) == 0 {
		delete(f.requests, r.ID)
	}
	t.Future.Reject(fmt.Errorf("%w: %s", ErrCancelled, r.ID))
	return true
}

// finish removes r and settles every ticket still holding it.
func (f *Fetcher) finish(r *Request, doc wire.Document, err error) {
	delete(f.requests, r.ID)
	for handle := range r.holders {
		delete(f.tickets, handle)
	}
	r.settle(doc, err)
}

// Pending returns the number of outstanding requests.
func (f *Fetcher) Pending() int {
	return len(f.requests)
}

// Requests returns the outstanding requests ordered by id.
func (f *Fetcher) Requests() []*Request {
	out := make([]*Request, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fetcher) scheduleFlush() {
	if f.flushPending || f.config.Schedule == nil {
		return
	}
	f.flushPending = true
	f.config.Schedule(f.config.Debounce, f.Flush)
}

// Flush sends every queued request, one frame per source.
func (f *Fetcher) Flush() {
	f.flushPending = false
	queue := f.queue
	f.queue = nil

	bySource := make(map[string][]string)
	queued := make(map[string]bool, len(queue))
	var sources []string
	for _, id := range queue {
		r, ok := f.requests[id]
		if !ok || r.sent || queued[id] {
			continue
		}
		queued[id] = true
		if _, seen := bySource[r.Source]; !seen {
			sources = append(sources, r.Source)
		}
		bySource[r.Source] = append(bySource[r.Source], id)
	}

	for _, src := range sources {
		ids := bySource[src]
		if err := f.source.SendToSource(src, wire.RequestDocuments{IDs: ids}); err != nil {
			f.logger.Printf("Warning: requesting %d documents from %s failed: %v", len(ids), src, err)
			for _, id := range ids {
				f.finish(f.requests[id], wire.Document{}, err)
			}
			continue
		}
		for _, id := range ids {
			f.requests[id].sent = true
		}
	}
}

// Tick spends one unit of every request's budget and rejects the expired
// ones with ErrTimeout.
func (f *Fetcher) Tick() {
	for _, r := range f.Requests() {
		r.ticks--
		if r.ticks > 0 {
			continue
		}
		f.logger.Printf("Request %s for %s on %s timed out (%d waiting)", r.Handle, r.ID, r.Source, len(r.holders))
		f.finish(r, wire.Document{}, fmt.Errorf("%w: %s", ErrTimeout, r.ID))
	}
}

func (f *Fetcher) handleEvent(ev syncpool.ConnEvent) {
	switch ev.Kind {
	case transport.EventMessage:
		if docs, ok := ev.Frame.(wire.UpdateDocuments); ok {
			f.resolve(ev.Source, docs)
		}
	case transport.EventClosed:
		f.rejectSource(ev.Source)
	}
}

func (f *Fetcher) resolve(src string, u wire.UpdateDocuments) {
	for _, raw := range u.Documents {
		doc, err := wire.ParseDocument(raw)
		if err != nil {
			f.logger.Printf("Warning: dropping document from %s: %v", src, err)
			continue
		}

		r, ok := f.requests[doc.ID]
		if !ok || r.Source != src {
			// Unrequested, cancelled, timed out, or answered already.
			continue
		}
		if doc.Rev == nil {
			doc.Rev = wire.RevisionPtr(r.Rev)
		}
		f.finish(r, doc, nil)
	}
}

func (f *Fetcher) rejectSource(src string) {
	for _, r := range f.Requests() {
		if r.Source != src {
			continue
		}
		f.finish(r, wire.Document{}, fmt.Errorf("%w: %s", ErrSourceClosed, src))
	}
}
