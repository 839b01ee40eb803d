// Package engine wires the sync components into one running context object.
//
// # Execution model
//
// Every component (pool, fetcher, document caches, run index, stats cache)
// is a plain struct that is only ever touched by the engine's event loop.
// The loop multiplexes:
//
//   - transport events posted by session goroutines through the pool's sink
//   - the reconnect ticker, driving SyncPool.Tick
//   - the timeout ticker, driving Fetcher.Tick
//   - one-shot debounce timers that post a fetch flush
//   - commands submitted by the facade methods
//
// Future callbacks run on whichever goroutine settles the future, which for
// every component future is the loop itself.
//
// # Facade
//
// Exported methods are safe to call from any goroutine. Each marshals a
// closure onto the loop and waits for it (or for ctx). Handlers passed to
// SubscribeHeaders and Watch run on the loop and must not call back into the
// facade synchronously.
//
// Example:
//
//	eng, err := engine.New(engine.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	go eng.Run(ctx)
//	_ = eng.Connect(ctx, "ws://dqm-host:9215/sync")
//	runs, _ := eng.Runs(ctx)
//	stats, _ := eng.StatsForRuns(ctx, runs)
package engine
