package engine

import (
	"context"
	"sort"

	"github.com/dqmtools/syncmon/internal/doccache"
	"github.com/dqmtools/syncmon/internal/fetch"
	"github.com/dqmtools/syncmon/internal/future"
	"github.com/dqmtools/syncmon/internal/stats"
	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/wire"
)

// Status is the aggregate sync state shown to users.
type Status struct {
	State       string                `json:"state"`
	Detail      string                `json:"detail,omitempty"`
	Class       string                `json:"class"`
	Source      string                `json:"source,omitempty"`
	Pending     int                   `json:"pending"`
	Headers     int                   `json:"headers"`
	Connections []syncpool.ConnStatus `json:"connections"`
}

// Connect adds a source. Connecting to a known source is a no-op.
func (e *Engine) Connect(ctx context.Context, uri string) error {
	var err error
	if derr := e.do(ctx, func() { err = e.pool.Connect(uri) }); derr != nil {
		return derr
	}
	return err
}

// Disconnect removes a source and everything it delivered.
func (e *Engine) Disconnect(ctx context.Context, uri string) error {
	return e.do(ctx, func() { e.pool.Disconnect(uri) })
}

// SetSources reconciles the connected sources with uris.
func (e *Engine) SetSources(ctx context.Context, uris []string) error {
	var err error
	derr := e.do(ctx, func() {
		want := make(map[string]bool, len(uris))
		for _, uri := range uris {
			want[uri] = true
		}
		for _, uri := range e.pool.Sources() {
			if !want[uri] {
				e.pool.Disconnect(uri)
			}
		}
		for _, uri := range uris {
			if cerr := e.pool.Connect(uri); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	if derr != nil {
		return derr
	}
	return err
}

// SubscribeHeaders registers fn for header deltas and replays. fn runs on
// the event loop.
func (e *Engine) SubscribeHeaders(ctx context.Context, fn syncpool.HeaderHandler) (syncpool.SubscriptionID, error) {
	var id syncpool.SubscriptionID
	err := e.do(ctx, func() { id = e.pool.SubscribeHeaders(fn) })
	return id, err
}

// Unsubscribe removes a header subscription.
func (e *Engine) Unsubscribe(ctx context.Context, id syncpool.SubscriptionID) error {
	return e.do(ctx, func() { e.pool.Unsubscribe(id) })
}

// Fetch retrieves one full document. If ctx ends first the request is
// cancelled.
func (e *Engine) Fetch(ctx context.Context, id string) (wire.Document, error) {
	var tk *fetch.Ticket
	if err := e.do(ctx, func() { tk = e.fetcher.Fetch(id) }); err != nil {
		return wire.Document{}, err
	}

	doc, err := tk.Future.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		e.post(func() { e.fetcher.Cancel(tk.Handle) })
	}
	return doc, err
}

// Runs returns the known run numbers, highest first.
func (e *Engine) Runs(ctx context.Context) ([]int64, error) {
	var runs []int64
	err := e.do(ctx, func() { runs = e.runs.Runs() })
	return runs, err
}

// RunHeaders returns the headers of one run.
func (e *Engine) RunHeaders(ctx context.Context, run int64) ([]wire.Header, error) {
	var hs []wire.Header
	err := e.do(ctx, func() { hs = e.runs.RunHeaders(run) })
	return hs, err
}

// StatsForRuns returns stats for each run, in order, waiting for any that
// must be recomputed.
func (e *Engine) StatsForRuns(ctx context.Context, runs []int64) ([]*stats.Stats, error) {
	var fut *future.Future[[]*stats.Stats]
	if err := e.do(ctx, func() { fut = e.stats.GetStatsForRuns(runs) }); err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Status reports the aggregate state across sources.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() {
		state, detail, src := e.pool.Health()
		st = Status{
			State:       state.String(),
			Detail:      detail,
			Class:       state.Class(),
			Source:      src,
			Pending:     e.fetcher.Pending(),
			Headers:     len(e.pool.Headers()),
			Connections: e.pool.Connections(),
		}
	})
	return st, err
}

// Watch is a live document set backed by a DocumentCache.
type Watch struct {
	engine *Engine
	cache  *doccache.Cache
}

// Watch tracks ids and calls onChange (on the event loop) with the current
// documents whenever they change. onChange may be nil.
func (e *Engine) Watch(ctx context.Context, ids []string, onChange func(map[string]wire.Document)) (*Watch, error) {
	w := &Watch{engine: e}
	err := e.do(ctx, func() {
		w.cache = e.docs.New()
		w.cache.OnChange(onChange)
		w.cache.SetIDs(ids)
		e.watches[w] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// SetIDs replaces the tracked ids.
func (w *Watch) SetIDs(ctx context.Context, ids []string) error {
	return w.engine.do(ctx, func() { w.cache.SetIDs(ids) })
}

// Documents returns the current documents ordered by id.
func (w *Watch) Documents(ctx context.Context) ([]wire.Document, error) {
	var out []wire.Document
	err := w.engine.do(ctx, func() {
		for _, d := range w.cache.Documents() {
			out = append(out, d)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close stops tracking and cancels outstanding fetches.
func (w *Watch) Close(ctx context.Context) error {
	return w.engine.do(ctx, func() {
		w.cache.Destroy()
		delete(w.engine.watches, w)
	})
}
