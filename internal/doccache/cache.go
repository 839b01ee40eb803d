// Package doccache keeps a caller-chosen set of documents fresh.
//
// A Cache tracks an id set. Each id starts as a placeholder built from its
// header and is replaced by the full document once fetched. Whenever a newer
// header arrives for a tracked id the document is fetched again, so the set
// converges on the latest revision without any polling by the caller.
package doccache

import (
	"github.com/dqmtools/syncmon/internal/fetch"
	"github.com/dqmtools/syncmon/internal/future"
	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/wire"
)

// Headers is the part of the sync pool a cache reads from.
type Headers interface {
	Header(id string) (wire.Header, bool)
	SubscribeHeaders(fn syncpool.HeaderHandler) syncpool.SubscriptionID
	Unsubscribe(id syncpool.SubscriptionID)
}

// Fetcher retrieves full documents.
type Fetcher interface {
	Fetch(id string) *fetch.Ticket
	Cancel(handle string) bool
}

// Factory creates caches bound to one pool and fetcher.
type Factory struct {
	headers Headers
	fetcher Fetcher
}

// NewFactory returns a cache factory.
func NewFactory(headers Headers, fetcher Fetcher) *Factory {
	return &Factory{headers: headers, fetcher: fetcher}
}

// New creates an empty cache.
func (f *Factory) New() *Cache {
	c := &Cache{
		headers:  f.headers,
		fetcher:  f.fetcher,
		ids:      make(map[string]struct{}),
		docs:     make(map[string]wire.Document),
		requests: make(map[string]*fetch.Ticket),
	}
	c.sub = f.headers.SubscribeHeaders(c.onHeaders)
	return c
}

// GetIDsOnceSettled resolves with the documents for ids once every one of
// them is full. The temporary cache behind it is destroyed on resolution. An
// id that never gets a header keeps the future pending.
func (f *Factory) GetIDsOnceSettled(ids []string) *future.Future[map[string]wire.Document] {
	out := future.New[map[string]wire.Document]()
	c := f.New()

	check := func(docs map[string]wire.Document) {
		if out.Settled() {
			return
		}
		for _, id := range ids {
			if d, ok := docs[id]; !ok || !d.Full {
				return
			}
		}
		c.Destroy()
		out.Resolve(docs)
	}

	c.OnChange(check)
	c.SetIDs(ids)
	if len(ids) == 0 {
		check(c.Documents())
	}
	return out
}

// Cache is the DocumentCache.
type Cache struct {
	headers Headers
	fetcher Fetcher
	sub     syncpool.SubscriptionID

	ids       map[string]struct{}
	docs      map[string]wire.Document
	requests  map[string]*fetch.Ticket
	onChange  func(map[string]wire.Document)
	destroyed bool
}

// OnChange sets the function called with a snapshot of the documents
// whenever the set changes.
func (c *Cache) OnChange(fn func(map[string]wire.Document)) {
	c.onChange = fn
}

// IDs returns the tracked ids.
func (c *Cache) IDs() []string {
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	return out
}

// SetIDs replaces the tracked id set. Removed ids are dropped along with
// their outstanding requests; added ids are fetched.
func (c *Cache) SetIDs(ids []string) {
	if c.destroyed {
		return
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	changed := false
	for id := range c.ids {
		if _, keep := next[id]; keep {
			continue
		}
		if tk, ok := c.requests[id]; ok {
			delete(c.requests, id)
			c.fetcher.Cancel(tk.Handle)
		}
		if _, ok := c.docs[id]; ok {
			delete(c.docs, id)
			changed = true
		}
	}

	var added []string
	for _, id := range ids {
		if _, had := c.ids[id]; !had {
			added = append(added, id)
		}
	}
	c.ids = next

	for _, id := range added {
		if c.refresh(id) {
			changed = true
		}
	}
	if changed {
		c.emit()
	}
}

// Documents returns a snapshot of the current documents.
func (c *Cache) Documents() map[string]wire.Document {
	out := make(map[string]wire.Document, len(c.docs))
	for id, d := range c.docs {
		out[id] = d
	}
	return out
}

// Document returns the current document for id.
func (c *Cache) Document(id string) (wire.Document, bool) {
	d, ok := c.docs[id]
	return d, ok
}

// Pending returns the number of outstanding fetches.
func (c *Cache) Pending() int {
	return len(c.requests)
}

// Destroy unsubscribes from headers and cancels outstanding requests. The
// cache is inert afterwards.
func (c *Cache) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.headers.Unsubscribe(c.sub)
	for id, tk := range c.requests {
		delete(c.requests, id)
		c.fetcher.Cancel(tk.Handle)
	}
	c.onChange = nil
}

func (c *Cache) onHeaders(headers []wire.Header, replay bool) {
	if c.destroyed {
		return
	}

	changed := false
	if replay {
		for id := range c.ids {
			if c.refresh(id) {
				changed = true
			}
		}
	} else {
		for _, h := range headers {
			if _, tracked := c.ids[h.ID]; tracked && c.refresh(h.ID) {
				changed = true
			}
		}
	}
	if changed {
		c.emit()
	}
}

// refresh fetches id unless its document is current or a fetch is already
// outstanding. It reports whether a placeholder was added.
func (c *Cache) refresh(id string) bool {
	h, ok := c.headers.Header(id)
	if !ok {
		return false
	}
	if _, busy := c.requests[id]; busy {
		return false
	}

	doc, have := c.docs[id]
	if have && doc.Full && doc.Rev != nil && *doc.Rev == h.Rev {
		return false
	}

	added := false
	if !have {
		c.docs[id] = wire.Placeholder(h)
		added = true
	}

	tk := c.fetcher.Fetch(id)
	c.requests[id] = tk
	tk.Future.Then(func(doc wire.Document, err error) {
		if c.requests[id] != tk {
			return
		}
		delete(c.requests, id)
		if err != nil || c.destroyed {
			// The next header change for id retries.
			return
		}
		if _, tracked := c.ids[id]; !tracked {
			return
		}
		c.docs[id] = doc
		c.emit()

		// Headers that arrived while the fetch was outstanding were skipped.
		if h, ok := c.headers.Header(id); ok && doc.Rev != nil && h.Rev > *doc.Rev {
			c.refresh(id)
		}
	})
	return added
}

func (c *Cache) emit() {
	if c.onChange != nil {
		c.onChange(c.Documents())
	}
}
