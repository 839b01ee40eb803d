// Package stats derives per-run summaries from run documents and caches them
// by watermark.
//
// A cached entry is valid while its watermark equals the run's current
// watermark (the highest header revision in the run). A request for a valid
// entry settles immediately with the cached value. Otherwise every document
// of the run is fetched, the summary is recomputed, stamped with the
// watermark observed when the request was made, stored, and the whole cache
// is persisted under a single key.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/dqmtools/syncmon/internal/future"
	"github.com/dqmtools/syncmon/internal/storage"
	"github.com/dqmtools/syncmon/internal/wire"
)

// StorageKey is the key the cache is persisted under.
const StorageKey = "run_stats_cache"

// Runs is the part of the run index the cache depends on.
type Runs interface {
	RunIDs(run int64) []string
	Watermark(run int64) *wire.Revision
}

// Settler resolves once every listed document is fully fetched.
type Settler interface {
	GetIDsOnceSettled(ids []string) *future.Future[map[string]wire.Document]
}

// Config holds cache configuration.
type Config struct {
	// Store persists the cache; nil keeps it in memory only.
	Store storage.Store

	// PersistTimeout bounds each write to the store.
	PersistTimeout time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PersistTimeout: 5 * time.Second,
		Logger:         log.New(os.Stderr, "[stats] ", log.LstdFlags),
	}
}

type flight struct {
	watermark *wire.Revision
	fut       *future.Future[*Stats]
}

// Cache is the StatsCache. It is not safe for concurrent use.
type Cache struct {
	runs    Runs
	settler Settler
	config  *Config
	logger  *log.Logger

	entries  map[int64]*Stats
	inflight map[int64]*flight
}

// New creates a cache and loads any persisted entries.
func New(runs Runs, settler Settler, config *Config) (*Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[stats] ", log.LstdFlags)
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 5 * time.Second
	}

	c := &Cache{
		runs:     runs,
		settler:  settler,
		config:   config,
		logger:   config.Logger,
		entries:  make(map[int64]*Stats),
		inflight: make(map[int64]*flight),
	}

	if config.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.PersistTimeout)
		defer cancel()
		entries, err := Load(ctx, config.Store)
		if err != nil {
			return nil, err
		}
		c.entries = entries
		if len(entries) > 0 {
			c.logger.Printf("Loaded %d cached run stats", len(entries))
		}
	}
	return c, nil
}

// Load reads persisted entries from store. A missing key yields an empty
// map, and so does a blob that no longer decodes.
func Load(ctx context.Context, store storage.Store) (map[int64]*Stats, error) {
	data, err := store.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return make(map[int64]*Stats), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stats cache: %w", err)
	}

	var raw map[string]*Stats
	if err := json.Unmarshal(data, &raw); err != nil {
		return make(map[int64]*Stats), nil
	}

	out := make(map[int64]*Stats, len(raw))
	for k, st := range raw {
		run, err := strconv.ParseInt(k, 10, 64)
		if err != nil || st == nil {
			continue
		}
		st.Run = run
		out[run] = st
	}
	return out, nil
}

// Cached returns the stored entry for run regardless of its watermark.
func (c *Cache) Cached(run int64) (*Stats, bool) {
	st, ok := c.entries[run]
	return st, ok
}

// Get returns the stats for run, recomputing them if the cached watermark
// is stale.
func (c *Cache) Get(run int64) *future.Future[*Stats] {
	wm := c.runs.Watermark(run)

	if st, ok := c.entries[run]; ok && wire.EqualRevision(st.Watermark, wm) {
		return future.Resolved(st)
	}
	if fl, ok := c.inflight[run]; ok && wire.EqualRevision(fl.watermark, wm) {
		return fl.fut
	}

	fl := &flight{watermark: wm, fut: future.New[*Stats]()}
	c.inflight[run] = fl

	c.settler.GetIDsOnceSettled(c.runs.RunIDs(run)).Then(func(docs map[string]wire.Document, err error) {
		if c.inflight[run] == fl {
			delete(c.inflight, run)
		}
		if err != nil {
			fl.fut.Reject(err)
			return
		}

		st := Reduce(run, docs)
		st.Watermark = wm
		if cur, ok := c.entries[run]; !ok || !newer(cur.Watermark, wm) {
			c.entries[run] = st
			c.persist()
		}
		fl.fut.Resolve(st)
	})
	return fl.fut
}

// GetStatsForRuns resolves with one entry per run, in order, once all are
// available.
func (c *Cache) GetStatsForRuns(runs []int64) *future.Future[[]*Stats] {
	futs := make([]*future.Future[*Stats], 0, len(runs))
	for _, run := range runs {
		futs = append(futs, c.Get(run))
	}
	return future.All(futs)
}

func (c *Cache) persist() {
	if c.config.Store == nil {
		return
	}

	raw := make(map[string]*Stats, len(c.entries))
	for run, st := range c.entries {
		raw[strconv.FormatInt(run, 10)] = st
	}
	data, err := json.Marshal(raw)
	if err != nil {
		c.logger.Printf("Warning: failed to encode stats cache: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.PersistTimeout)
	defer cancel()
	if err := c.config.Store.Put(ctx, StorageKey, data); err != nil {
		c.logger.Printf("Warning: failed to persist stats cache: %v", err)
	}
}

// newer reports whether a is strictly greater than b.
func newer(a, b *wire.Revision) bool {
	if a == nil {
		return false
	}
	return b == nil || *a > *b
}
