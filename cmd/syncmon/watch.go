package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dqmtools/syncmon/internal/config"
	"github.com/dqmtools/syncmon/internal/dashboard"
	"github.com/dqmtools/syncmon/internal/engine"
	"github.com/dqmtools/syncmon/internal/logging"
	"github.com/dqmtools/syncmon/internal/storage"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Sync sources and serve the live dashboard",
	Long: `Connect to every configured source, keep the header mirror live and
serve the dashboard.

Sources come from the config file, SYNCMON_SOURCES or --source. When a
config file is given it is watched and source changes apply without a
restart.

Example usage:
  syncmon watch --source ws://localhost:9215/sync
  syncmon watch -c syncmon.yaml --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if sources, _ := cmd.Flags().GetStringSlice("source"); len(sources) > 0 {
			cfg.Sources = sources
		}
		if cmd.Flags().Changed("port") {
			cfg.DashboardPort, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("stats-db") {
			cfg.StatsDB, _ = cmd.Flags().GetString("stats-db")
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		if err := runWatch(cfg, !noDashboard); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runWatch(cfg *config.Config, serve bool) error {
	logOut := logging.Writer(cfg.Log)
	defer logOut.Close()

	var store storage.Store
	if cfg.StatsDB != "" {
		db, err := storage.OpenSQLite(cfg.StatsDB)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
	}

	eng, err := engine.New(&engine.Config{
		ReconnectInterval: cfg.ReconnectInterval,
		TimeoutInterval:   cfg.TimeoutInterval,
		TimeoutTicks:      cfg.TimeoutTicks,
		Debounce:          cfg.Debounce,
		MaxBackoffTicks:   cfg.MaxBackoffTicks,
		PollInterval:      cfg.PollInterval,
		Store:             store,
		Logger:            logging.New(logOut, "engine"),
		Verbose:           cfg.Verbose,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if err := eng.SetSources(gctx, cfg.Sources); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	fmt.Printf("%s Syncing %d source(s)\n", renderAccent("→"), len(cfg.Sources))
	for _, s := range cfg.Sources {
		fmt.Printf("   %s\n", s)
	}

	if serve {
		server := dashboard.NewServer(&dashboard.Config{
			Port:   cfg.DashboardPort,
			Logger: logging.New(logOut, "dashboard"),
		})
		if err := server.Start(); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer server.Stop()
		fmt.Printf("%s Dashboard on http://%s (ws://%s/ws)\n", renderAccent("→"), server.GetAddr(), server.GetAddr())

		hcfg := dashboard.DefaultHandlerConfig()
		hcfg.Logger = logging.New(logOut, "dashboard")
		handler := dashboard.NewHandler(server, eng, hcfg)
		g.Go(func() error { return handler.Run(gctx) })
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		g.Go(func() error { return followConfig(gctx, watcher, eng, logging.New(logOut, "config")) })
	}

	if colorEnabled {
		g.Go(func() error { return printStatus(gctx, eng) })
	}

	fmt.Println("\nPress Ctrl+C to stop")
	err = g.Wait()
	fmt.Println()
	return err
}

// followConfig applies source changes from reloaded config files.
func followConfig(ctx context.Context, w *config.Watcher, eng *engine.Engine, logger *log.Logger) error {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-w.Changes():
			if !ok {
				return nil
			}
			logger.Printf("Config reloaded: %d source(s)", len(cfg.Sources))
			if err := eng.SetSources(ctx, cfg.Sources); err != nil && ctx.Err() == nil {
				logger.Printf("Warning: applying sources: %v", err)
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			logger.Printf("Warning: config reload failed: %v", err)
		}
	}
}

// printStatus redraws a one-line status on the terminal.
func printStatus(ctx context.Context, eng *engine.Engine) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := eng.Status(ctx)
			if err != nil {
				return nil
			}
			line := st.State
			if st.Detail != "" {
				line += ": " + st.Detail
			}
			fmt.Printf("\r\033[K%s %s",
				renderClass(st.Class, line),
				renderMuted(fmt.Sprintf("(%d headers, %d pending)", st.Headers, st.Pending)))
		}
	}
}

func init() {
	watchCmd.Flags().StringSliceP("source", "s", nil, "Source URI (repeatable; overrides config)")
	watchCmd.Flags().IntP("port", "p", 8080, "Dashboard port")
	watchCmd.Flags().String("stats-db", "", "SQLite file persisting run stats")
	watchCmd.Flags().Bool("no-dashboard", false, "Do not serve the dashboard")

	rootCmd.AddCommand(watchCmd)
}
