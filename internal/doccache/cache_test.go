package doccache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dqmtools/syncmon/internal/fetch"
	"github.com/dqmtools/syncmon/internal/future"
	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/wire"
)

type fakeHeaders struct {
	headers map[string]wire.Header
	subs    map[syncpool.SubscriptionID]syncpool.HeaderHandler
	next    syncpool.SubscriptionID
}

func newFakeHeaders() *fakeHeaders {
	return &fakeHeaders{
		headers: make(map[string]wire.Header),
		subs:    make(map[syncpool.SubscriptionID]syncpool.HeaderHandler),
	}
}

func (h *fakeHeaders) Header(id string) (wire.Header, bool) {
	v, ok := h.headers[id]
	return v, ok
}

func (h *fakeHeaders) SubscribeHeaders(fn syncpool.HeaderHandler) syncpool.SubscriptionID {
	h.next++
	h.subs[h.next] = fn
	fn(nil, true)
	return h.next
}

func (h *fakeHeaders) Unsubscribe(id syncpool.SubscriptionID) {
	delete(h.subs, id)
}

// update publishes a header delta to every subscriber.
func (h *fakeHeaders) update(id string, rev wire.Revision) {
	hdr := wire.Header{ID: id, Rev: rev, Source: "ws://src"}
	h.headers[id] = hdr
	for _, fn := range h.subs {
		fn([]wire.Header{hdr}, false)
	}
}

type fakeFetcher struct {
	pending   map[string]*fetch.Ticket
	fetches   map[string]int
	cancelled []string
	next      int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pending: make(map[string]*fetch.Ticket),
		fetches: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(id string) *fetch.Ticket {
	f.fetches[id]++
	f.next++
	tk := &fetch.Ticket{Handle: fmt.Sprintf("h%d", f.next), ID: id, Future: future.New[wire.Document]()}
	f.pending[id] = tk
	return tk
}

func (f *fakeFetcher) Cancel(handle string) bool {
	for id, tk := range f.pending {
		if tk.Handle == handle {
			delete(f.pending, id)
			f.cancelled = append(f.cancelled, id)
			tk.Future.Reject(errors.New("cancelled"))
			return true
		}
	}
	return false
}

func (f *fakeFetcher) deliver(id string, rev wire.Revision) {
	tk := f.pending[id]
	delete(f.pending, id)
	tk.Future.Resolve(wire.Document{ID: id, Rev: wire.RevisionPtr(rev), Full: true, Body: []byte(`{}`)})
}

func (f *fakeFetcher) fail(id string) {
	tk := f.pending[id]
	delete(f.pending, id)
	tk.Future.Reject(errors.New("timeout"))
}

func TestPlaceholderThenFull(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("a", 1)
	c := NewFactory(hs, ff).New()

	var changes int
	c.OnChange(func(map[string]wire.Document) { changes++ })

	c.SetIDs([]string{"a", "missing"})
	assert.Equal(t, 1, changes)

	d, ok := c.Document("a")
	require.True(t, ok)
	assert.False(t, d.Full)
	assert.Equal(t, wire.Revision(1), *d.Rev)
	_, ok = c.Document("missing")
	assert.False(t, ok)

	ff.deliver("a", 1)
	d, _ = c.Document("a")
	assert.True(t, d.Full)
	assert.Equal(t, 2, changes)
	assert.Zero(t, c.Pending())
}

func TestNewerHeaderRefetches(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("a", 1)
	c := NewFactory(hs, ff).New()
	c.SetIDs([]string{"a"})
	ff.deliver("a", 1)

	hs.update("a", 1)
	assert.Equal(t, 1, ff.fetches["a"], "same revision is not refetched")

	hs.update("a", 2)
	assert.Equal(t, 2, ff.fetches["a"])
	d, _ := c.Document("a")
	assert.Equal(t, wire.Revision(1), *d.Rev, "old document stays until the new one arrives")

	hs.update("a", 3)
	assert.Equal(t, 2, ff.fetches["a"], "one outstanding request per id")

	ff.deliver("a", 3)
	d, _ = c.Document("a")
	assert.Equal(t, wire.Revision(3), *d.Rev)
}

func TestHeaderDuringFetchRefetchesOnReply(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("h1", 1)
	c := NewFactory(hs, ff).New()
	c.SetIDs([]string{"h1"})
	require.Equal(t, 1, ff.fetches["h1"])

	hs.update("h1", 2)
	assert.Equal(t, 1, ff.fetches["h1"], "busy id is not refetched yet")

	ff.deliver("h1", 1)
	assert.Equal(t, 2, ff.fetches["h1"], "stale reply triggers another fetch")
	assert.Equal(t, 1, c.Pending())
	d, _ := c.Document("h1")
	assert.Equal(t, wire.Revision(1), *d.Rev)

	ff.deliver("h1", 2)
	d, _ = c.Document("h1")
	assert.True(t, d.Full)
	assert.Equal(t, wire.Revision(2), *d.Rev)
	assert.Zero(t, c.Pending())
	assert.Equal(t, 2, ff.fetches["h1"])
}

func TestFailureRetriesOnNextHeader(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("a", 1)
	c := NewFactory(hs, ff).New()
	c.SetIDs([]string{"a"})

	ff.fail("a")
	assert.Zero(t, c.Pending())
	d, _ := c.Document("a")
	assert.False(t, d.Full)

	hs.update("a", 2)
	assert.Equal(t, 2, ff.fetches["a"])
}

func TestSetIDsSymmetricDifference(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("a", 1)
	hs.update("b", 1)
	hs.update("c", 1)
	c := NewFactory(hs, ff).New()

	c.SetIDs([]string{"a", "b"})
	ff.deliver("a", 1)

	c.SetIDs([]string{"a", "c"})
	assert.Equal(t, []string{"b"}, ff.cancelled)
	assert.Equal(t, 1, ff.fetches["a"], "kept ids are not refetched")
	assert.Equal(t, 1, ff.fetches["c"])

	docs := c.Documents()
	assert.Len(t, docs, 2)
	assert.Contains(t, docs, "a")
	assert.Contains(t, docs, "c")
}

func TestDestroy(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("a", 1)
	c := NewFactory(hs, ff).New()
	c.SetIDs([]string{"a"})

	c.Destroy()
	assert.Empty(t, hs.subs)
	assert.Equal(t, []string{"a"}, ff.cancelled)

	hs.update("a", 2)
	assert.Equal(t, 1, ff.fetches["a"])
	c.Destroy()
}

func TestGetIDsOnceSettled(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	hs.update("a", 1)
	hs.update("b", 1)
	fac := NewFactory(hs, ff)

	fut := fac.GetIDsOnceSettled([]string{"a", "b"})
	ff.deliver("a", 1)
	assert.False(t, fut.Settled())

	ff.deliver("b", 1)
	docs, err := fut.Result()
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.True(t, docs["b"].Full)
	assert.Empty(t, hs.subs, "temporary cache is destroyed")
}

func TestGetIDsOnceSettledEmptyAndMissing(t *testing.T) {
	hs, ff := newFakeHeaders(), newFakeFetcher()
	fac := NewFactory(hs, ff)

	fut := fac.GetIDsOnceSettled(nil)
	docs, err := fut.Result()
	require.NoError(t, err)
	assert.Empty(t, docs)

	pending := fac.GetIDsOnceSettled([]string{"ghost"})
	assert.False(t, pending.Settled())

	hs.update("ghost", 1)
	ff.deliver("ghost", 1)
	assert.True(t, pending.Settled())
}
