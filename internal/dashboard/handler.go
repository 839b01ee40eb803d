package dashboard

import (
	"context"
	"log"
	"time"

	"github.com/dqmtools/syncmon/internal/engine"
	"github.com/dqmtools/syncmon/internal/stats"
	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/wire"
)

// Engine is the part of the sync engine the dashboard reads.
type Engine interface {
	SubscribeHeaders(ctx context.Context, fn syncpool.HeaderHandler) (syncpool.SubscriptionID, error)
	Unsubscribe(ctx context.Context, id syncpool.SubscriptionID) error
	Status(ctx context.Context) (engine.Status, error)
	Runs(ctx context.Context) ([]int64, error)
	StatsForRuns(ctx context.Context, runs []int64) ([]*stats.Stats, error)
}

// RunsData lists the known runs.
type RunsData struct {
	Runs []int64 `json:"runs"`
}

// RunStatsData carries stats for the most recent runs.
type RunStatsData struct {
	Stats []*stats.Stats `json:"stats"`
}

// HandlerConfig tunes how often the handler publishes.
type HandlerConfig struct {
	// StatusInterval is the period of status refreshes.
	StatusInterval time.Duration

	// Debounce delays a refresh after header changes.
	Debounce time.Duration

	// RecentRuns is the number of runs whose stats are published.
	RecentRuns int

	// StatsTimeout bounds one stats computation.
	StatsTimeout time.Duration

	Logger *log.Logger
}

// DefaultHandlerConfig returns sensible defaults.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		StatusInterval: time.Second,
		Debounce:       500 * time.Millisecond,
		RecentRuns:     5,
		StatsTimeout:   30 * time.Second,
		Logger:         log.Default(),
	}
}

// Handler publishes engine state to a dashboard server. Status is sent
// periodically and whenever it changes; runs and stats are refreshed after
// header changes.
type Handler struct {
	server *Server
	engine Engine
	config *HandlerConfig
	logger *log.Logger

	dirty      chan struct{}
	lastStatus engine.Status
	lastRuns   []int64
}

// NewHandler creates a handler bridging eng to server.
func NewHandler(server *Server, eng Engine, config *HandlerConfig) *Handler {
	if config == nil {
		config = DefaultHandlerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.RecentRuns < 0 {
		config.RecentRuns = 0
	}
	return &Handler{
		server: server,
		engine: eng,
		config: config,
		logger: config.Logger,
		dirty:  make(chan struct{}, 1),
	}
}

// Run publishes until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	// The callback runs on the engine loop; it must only signal.
	sub, err := h.engine.SubscribeHeaders(ctx, func([]wire.Header, bool) {
		h.markDirty()
	})
	if err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.engine.Unsubscribe(uctx, sub)
	}()

	ticker := time.NewTicker(h.config.StatusInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(h.config.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	h.publishStatus(ctx, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.publishStatus(ctx, false)
		case <-h.dirty:
			debounce.Reset(h.config.Debounce)
		case <-debounce.C:
			h.publishStatus(ctx, false)
			h.publishRuns(ctx)
		}
	}
}

func (h *Handler) markDirty() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// publishStatus sends the status when it changed or force is set.
func (h *Handler) publishStatus(ctx context.Context, force bool) {
	st, err := h.engine.Status(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Printf("Warning: status unavailable: %v", err)
		}
		return
	}
	if !force && sameStatus(st, h.lastStatus) {
		return
	}
	h.lastStatus = st
	if err := h.server.Publish(MessageTypeStatus, st); err != nil {
		h.logger.Printf("Failed to publish status: %v", err)
	}
}

func sameStatus(a, b engine.Status) bool {
	if a.State != b.State || a.Detail != b.Detail || a.Pending != b.Pending ||
		a.Headers != b.Headers || len(a.Connections) != len(b.Connections) {
		return false
	}
	for i := range a.Connections {
		x, y := a.Connections[i], b.Connections[i]
		if x.URI != y.URI || x.State != y.State || x.Detail != y.Detail ||
			x.Retries != y.Retries || x.Inflight != y.Inflight {
			return false
		}
		if (x.LastRev == nil) != (y.LastRev == nil) || (x.LastRev != nil && *x.LastRev != *y.LastRev) {
			return false
		}
	}
	return true
}

func (h *Handler) publishRuns(ctx context.Context) {
	runs, err := h.engine.Runs(ctx)
	if err != nil {
		return
	}
	if !sameRuns(runs, h.lastRuns) {
		h.lastRuns = runs
		if err := h.server.Publish(MessageTypeRuns, RunsData{Runs: runs}); err != nil {
			h.logger.Printf("Failed to publish runs: %v", err)
		}
	}

	if h.config.RecentRuns == 0 || len(runs) == 0 {
		return
	}
	recent := runs
	if len(recent) > h.config.RecentRuns {
		recent = recent[:h.config.RecentRuns]
	}

	sctx, cancel := context.WithTimeout(ctx, h.config.StatsTimeout)
	defer cancel()
	st, err := h.engine.StatsForRuns(sctx, recent)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Printf("Warning: stats for runs %v: %v", recent, err)
		}
		return
	}
	if err := h.server.Publish(MessageTypeRunStats, RunStatsData{Stats: st}); err != nil {
		h.logger.Printf("Failed to publish run stats: %v", err)
	}
}

func sameRuns(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
