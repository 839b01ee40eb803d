// Package runindex groups headers by run number.
package runindex

import (
	"sort"

	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/wire"
)

// Subscriber is the part of the sync pool the index listens to.
type Subscriber interface {
	SubscribeHeaders(fn syncpool.HeaderHandler) syncpool.SubscriptionID
}

// Index is the RunIndex. Headers without a run go to a separate bucket.
type Index struct {
	runs       map[int64]map[string]wire.Header
	unassigned map[string]wire.Header
	runOf      map[string]*int64
	sorted     []int64

	onChange func()
}

// New returns an empty index.
func New() *Index {
	ix := &Index{}
	ix.reset()
	return ix
}

// Attach subscribes the index to a header source. The initial replay fills
// it.
func (ix *Index) Attach(src Subscriber) syncpool.SubscriptionID {
	return src.SubscribeHeaders(ix.Update)
}

// OnChange sets a function called after every update.
func (ix *Index) OnChange(fn func()) {
	ix.onChange = fn
}

func (ix *Index) reset() {
	ix.runs = make(map[int64]map[string]wire.Header)
	ix.unassigned = make(map[string]wire.Header)
	ix.runOf = make(map[string]*int64)
	ix.sorted = nil
}

// Update applies a header batch. With reload the index is rebuilt from the
// batch alone; otherwise the batch is merged in. A header whose run changed
// moves to its new bucket.
func (ix *Index) Update(headers []wire.Header, reload bool) {
	if reload {
		ix.reset()
	}

	for _, h := range headers {
		if prev, seen := ix.runOf[h.ID]; seen {
			ix.remove(h.ID, prev)
		}

		if h.Run == nil {
			ix.unassigned[h.ID] = h
			ix.runOf[h.ID] = nil
			continue
		}

		run := *h.Run
		bucket, ok := ix.runs[run]
		if !ok {
			bucket = make(map[string]wire.Header)
			ix.runs[run] = bucket
		}
		bucket[h.ID] = h
		ix.runOf[h.ID] = &run
	}

	ix.sorted = make([]int64, 0, len(ix.runs))
	for run := range ix.runs {
		ix.sorted = append(ix.sorted, run)
	}
	sort.Slice(ix.sorted, func(i, j int) bool { return ix.sorted[i] > ix.sorted[j] })

	if ix.onChange != nil {
		ix.onChange()
	}
}

func (ix *Index) remove(id string, run *int64) {
	if run == nil {
		delete(ix.unassigned, id)
		return
	}
	bucket := ix.runs[*run]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(ix.runs, *run)
	}
}

// Runs returns the distinct run numbers, highest first.
func (ix *Index) Runs() []int64 {
	out := make([]int64, len(ix.sorted))
	copy(out, ix.sorted)
	return out
}

// RunHeaders returns the headers of run ordered by id.
func (ix *Index) RunHeaders(run int64) []wire.Header {
	return sortedHeaders(ix.runs[run])
}

// RunIDs returns the document ids of run, sorted.
func (ix *Index) RunIDs(run int64) []string {
	bucket := ix.runs[run]
	out := make([]string, 0, len(bucket))
	for id := range bucket {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Unassigned returns the headers without a run, ordered by id.
func (ix *Index) Unassigned() []wire.Header {
	return sortedHeaders(ix.unassigned)
}

// Watermark returns the highest revision among the run's headers, or nil if
// the run has none.
func (ix *Index) Watermark(run int64) *wire.Revision {
	var max *wire.Revision
	for _, h := range ix.runs[run] {
		max = wire.MaxRevision(max, wire.RevisionPtr(h.Rev))
	}
	return max
}

func sortedHeaders(m map[string]wire.Header) []wire.Header {
	out := make([]wire.Header, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
