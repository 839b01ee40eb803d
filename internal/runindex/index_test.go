package runindex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/wire"
)

func hdr(id string, rev wire.Revision, run ...int64) wire.Header {
	h := wire.Header{ID: id, Rev: rev}
	if len(run) > 0 {
		r := run[0]
		h.Run = &r
	}
	return h
}

func ids(hs []wire.Header) []string {
	out := []string{}
	for _, h := range hs {
		out = append(out, h.ID)
	}
	return out
}

func TestRunsDescendingAndBuckets(t *testing.T) {
	ix := New()
	ix.Update([]wire.Header{
		hdr("b", 1, 100),
		hdr("a", 2, 100),
		hdr("c", 3, 300),
		hdr("d", 4, 200),
		hdr("orphan", 5),
	}, false)

	assert.Equal(t, []int64{300, 200, 100}, ix.Runs())
	assert.Equal(t, []string{"a", "b"}, ids(ix.RunHeaders(100)))
	assert.Equal(t, []string{"a", "b"}, ix.RunIDs(100))
	assert.Equal(t, []string{"orphan"}, ids(ix.Unassigned()))
	assert.Empty(t, ix.RunHeaders(999))
}

func TestDeltaMergesAndMoves(t *testing.T) {
	ix := New()
	ix.Update([]wire.Header{hdr("a", 1, 100), hdr("b", 2, 100)}, false)
	ix.Update([]wire.Header{hdr("a", 3, 200), hdr("b", 4)}, false)

	assert.Equal(t, []int64{200}, ix.Runs(), "emptied run disappears")
	assert.Equal(t, []string{"a"}, ids(ix.RunHeaders(200)))
	assert.Equal(t, []string{"b"}, ids(ix.Unassigned()))
}

func TestReloadRebuilds(t *testing.T) {
	ix := New()
	ix.Update([]wire.Header{hdr("a", 1, 100), hdr("b", 2, 200)}, false)
	ix.Update([]wire.Header{hdr("b", 2, 200)}, true)

	assert.Equal(t, []int64{200}, ix.Runs())
	assert.Empty(t, ix.RunHeaders(100))
}

func TestWatermark(t *testing.T) {
	ix := New()
	assert.Nil(t, ix.Watermark(100))

	ix.Update([]wire.Header{hdr("a", 7, 100), hdr("b", 3, 100), hdr("c", 9, 200)}, false)
	assert.Equal(t, wire.Revision(7), *ix.Watermark(100))

	ix.Update([]wire.Header{hdr("b", 11, 100)}, false)
	assert.Equal(t, wire.Revision(11), *ix.Watermark(100))
}

type fakeSubscriber struct{ replay []wire.Header }

func (f fakeSubscriber) SubscribeHeaders(fn syncpool.HeaderHandler) syncpool.SubscriptionID {
	fn(f.replay, true)
	return 1
}

func TestAttachReplays(t *testing.T) {
	ix := New()
	changed := 0
	ix.OnChange(func() { changed++ })
	ix.Attach(fakeSubscriber{replay: []wire.Header{hdr("a", 1, 5)}})

	assert.Equal(t, []int64{5}, ix.Runs())
	assert.Equal(t, 1, changed)
}
