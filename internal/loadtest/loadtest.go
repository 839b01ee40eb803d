// Package loadtest measures the engine against a generated source.
//
// A simulated source is populated with runs of job and file documents, an
// engine syncs it, and concurrent clients then fetch random documents while
// latency is recorded.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dqmtools/syncmon/internal/engine"
	"github.com/dqmtools/syncmon/internal/sourcesim"
)

// Options configures a load test.
type Options struct {
	Runs       int
	DocsPerRun int

	// Clients fetch concurrently, FetchesPerClient documents each.
	Clients          int
	FetchesPerClient int

	// Transport is "ws" or "http".
	Transport string

	MaxFrameHeaders int
}

// DefaultOptions returns a moderate load.
func DefaultOptions() Options {
	return Options{
		Runs:             20,
		DocsPerRun:       50,
		Clients:          10,
		FetchesPerClient: 20,
		Transport:        "ws",
		MaxFrameHeaders:  1000,
	}
}

// LatencyStats captures fetch latency.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalFetches int
	Errors       int
}

// Result is the outcome of one load test.
type Result struct {
	Documents int
	SyncTime  time.Duration
	Fetch     *LatencyStats
}

// GenerateFixture builds runs of job documents plus one files document per
// run. Output is deterministic.
func GenerateFixture(runs, docsPerRun int) *sourcesim.Fixture {
	rng := rand.New(rand.NewSource(42))
	f := &sourcesim.Fixture{}
	baseRun := int64(400000)
	start := float64(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Unix())

	for r := 0; r < runs; r++ {
		run := baseRun + int64(r)
		for d := 0; d < docsPerRun-1; d++ {
			var exit any
			switch n := rng.Intn(10); {
			case n < 6:
				exit = 0
			case n < 9:
				exit = nil
			default:
				exit = 134
			}
			f.Documents = append(f.Documents, sourcesim.FixtureDocument{
				ID:       fmt.Sprintf("run%d-job%03d", run, d),
				Run:      int64Ptr(run),
				Type:     "dqm-source-state",
				Hostname: fmt.Sprintf("dqm-c2d07-%02d", d%12),
				Tag:      "loadtest",
				Body:     map[string]any{"exit_code": exit},
			})
		}

		lumis := make([]any, 0, 10)
		mtimes := make([]any, 0, 10)
		events := make([]any, 0, 10)
		for l := 1; l <= 10; l++ {
			lumis = append(lumis, l)
			mtimes = append(mtimes, start+float64(l)*23.3+10+rng.Float64()*20)
			events = append(events, 100+rng.Intn(900))
		}
		f.Documents = append(f.Documents, sourcesim.FixtureDocument{
			ID:   fmt.Sprintf("run%d-files", run),
			Run:  int64Ptr(run),
			Type: "dqm-files",
			Body: map[string]any{
				"extra": map[string]any{
					"global_start": start,
					"streams": map[string]any{
						"DQM": map[string]any{"lumis": lumis, "mtimes": mtimes, "evt_accepted": events},
					},
				},
			},
		})
	}
	return f
}

func int64Ptr(v int64) *int64 { return &v }

// Run executes a load test.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Runs < 1 || opts.DocsPerRun < 1 {
		return nil, fmt.Errorf("need at least one run and one document per run")
	}
	quiet := log.New(io.Discard, "", 0)

	fixture := GenerateFixture(opts.Runs, opts.DocsPerRun)
	src := sourcesim.New(&sourcesim.Config{Port: 0, MaxFrameHeaders: opts.MaxFrameHeaders, Logger: quiet})
	if err := src.Load(fixture); err != nil {
		return nil, err
	}
	if err := src.Start(); err != nil {
		return nil, err
	}
	defer src.Stop()

	uri := src.WebSocketURL()
	switch opts.Transport {
	case "", "ws":
	case "http":
		uri = src.ProxyURL()
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}

	cfg := engine.DefaultConfig()
	cfg.ReconnectInterval = 100 * time.Millisecond
	cfg.PollInterval = 100 * time.Millisecond
	cfg.Debounce = 5 * time.Millisecond
	cfg.Logger = quiet
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}

	ectx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-eng.Done()
	}()
	go func() { _ = eng.Run(ectx) }()

	total := len(fixture.Documents)
	start := time.Now()
	if err := eng.Connect(ectx, uri); err != nil {
		return nil, err
	}
	if err := waitHeaders(ectx, eng, total); err != nil {
		return nil, err
	}
	res := &Result{Documents: total, SyncTime: time.Since(start)}

	ids := make([]string, total)
	for i, d := range fixture.Documents {
		ids[i] = d.ID
	}
	res.Fetch, err = fetchConcurrently(ectx, eng, ids, opts.Clients, opts.FetchesPerClient)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func waitHeaders(ctx context.Context, eng *engine.Engine, want int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := eng.Status(ctx)
		if err != nil {
			return err
		}
		if st.Headers >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("synced %d of %d headers: %w", st.Headers, want, ctx.Err())
		case <-ticker.C:
		}
	}
}

func fetchConcurrently(ctx context.Context, eng *engine.Engine, ids []string, clients, perClient int) (*LatencyStats, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		all    []time.Duration
		errors int
	)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(client)))
			durations := make([]time.Duration, 0, perClient)
			failed := 0

			for j := 0; j < perClient; j++ {
				id := ids[rng.Intn(len(ids))]
				begin := time.Now()
				_, err := eng.Fetch(ctx, id)
				if err != nil {
					failed++
					continue
				}
				durations = append(durations, time.Since(begin))
			}

			mu.Lock()
			all = append(all, durations...)
			errors += failed
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(all) == 0 && errors > 0 {
		return nil, fmt.Errorf("all %d fetches failed", errors)
	}
	st := computeLatencyStats(all)
	st.Errors = errors
	return st, nil
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalFetches: len(durations),
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Fetch latency:\n")
	fmt.Fprintf(w, "  Total Fetches: %d\n", s.TotalFetches)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
