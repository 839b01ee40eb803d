package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/dqmtools/syncmon/internal/doccache"
	"github.com/dqmtools/syncmon/internal/fetch"
	"github.com/dqmtools/syncmon/internal/runindex"
	"github.com/dqmtools/syncmon/internal/stats"
	"github.com/dqmtools/syncmon/internal/storage"
	"github.com/dqmtools/syncmon/internal/syncpool"
	"github.com/dqmtools/syncmon/internal/transport"
)

// ErrStopped is returned by facade calls once the loop has exited.
var ErrStopped = errors.New("engine stopped")

// Config holds engine configuration.
type Config struct {
	// ReconnectInterval is the period of the reconnect tick.
	ReconnectInterval time.Duration

	// TimeoutInterval is the period of the request-timeout tick.
	TimeoutInterval time.Duration

	// TimeoutTicks is the number of timeout ticks a document request may
	// stay unanswered.
	TimeoutTicks int

	// Debounce batches document requests.
	Debounce time.Duration

	// MaxBackoffTicks caps reconnect backoff, in reconnect ticks.
	MaxBackoffTicks int

	// PollInterval spaces polls of idle HTTP sources.
	PollInterval time.Duration

	// Select picks a transport per source URI (default: by scheme).
	Select transport.Selector

	// Store persists the stats cache (default: memory only).
	Store storage.Store

	// Logger is the base logger; components log through it.
	Logger *log.Logger

	// Verbose logs every frame.
	Verbose bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconnectInterval: 3 * time.Second,
		TimeoutInterval:   time.Second,
		TimeoutTicks:      15,
		Debounce:          100 * time.Millisecond,
		MaxBackoffTicks:   5,
		PollInterval:      3 * time.Second,
		Logger:            log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine is the SyncEngine.
type Engine struct {
	config *Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events  chan transport.Event
	cmds    chan func()
	done    chan struct{}
	running atomic.Bool

	pool    *syncpool.Pool
	fetcher *fetch.Fetcher
	docs    *doccache.Factory
	runs    *runindex.Index
	stats   *stats.Cache

	flushTimer *time.Timer
	watches    map[*Watch]struct{}
}

// New builds an engine. Nothing runs until Run is called.
func New(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.ReconnectInterval <= 0 || config.TimeoutInterval <= 0 {
		return nil, fmt.Errorf("tick intervals must be positive")
	}
	if config.Select == nil {
		config.Select = transport.SchemeSelector(transport.NewWebSocket(), transport.NewHTTPPoll())
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:  config,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan transport.Event, 256),
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		watches: make(map[*Watch]struct{}),
	}

	pool, err := syncpool.New(&syncpool.Config{
		Context: ctx,
		Sink:    e.sink,
		Select:  config.Select,
		Connection: transport.ConnectionConfig{
			MaxBackoffTicks: config.MaxBackoffTicks,
			PollInterval:    config.PollInterval,
			Logger:          config.Logger,
		},
		Logger:  config.Logger,
		Verbose: config.Verbose,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	e.pool = pool

	e.fetcher = fetch.New(pool, &fetch.Config{
		TimeoutTicks: config.TimeoutTicks,
		Debounce:     config.Debounce,
		Schedule:     e.schedule,
		Logger:       config.Logger,
	})
	e.docs = doccache.NewFactory(pool, e.fetcher)

	e.runs = runindex.New()
	e.runs.Attach(pool)

	e.stats, err = stats.New(e.runs, e.docs, &stats.Config{
		Store:          config.Store,
		PersistTimeout: 5 * time.Second,
		Logger:         config.Logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stats cache: %w", err)
	}
	return e, nil
}

// Run drives the event loop until ctx is cancelled. On return every source
// is disconnected and outstanding document requests have been rejected.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	e.logger.Println("Starting engine")

	reconnect := time.NewTicker(e.config.ReconnectInterval)
	defer reconnect.Stop()
	timeout := time.NewTicker(e.config.TimeoutInterval)
	defer timeout.Stop()

	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			e.logger.Println("Shutdown signal received")
			return nil
		case ev := <-e.events:
			e.pool.HandleEvent(ev)
		case fn := <-e.cmds:
			fn()
		case <-reconnect.C:
			e.pool.Tick()
		case <-timeout.C:
			e.fetcher.Tick()
		}
	}
}

func (e *Engine) shutdown() {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	for w := range e.watches {
		w.cache.Destroy()
	}
	e.pool.Close()
	e.fetcher.Close()
	e.cancel()
	close(e.done)
	e.logger.Println("Engine stopped")
}

// Done is closed when the loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// sink is called from session goroutines.
func (e *Engine) sink(ev transport.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// post queues fn on the loop without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// schedule runs on the loop and arms the debounce timer.
func (e *Engine) schedule(d time.Duration, fn func()) {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	e.flushTimer = time.AfterFunc(d, func() { e.post(fn) })
}

// do runs fn on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}
