package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dqmtools/syncmon/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "dev",
	Short:   "Measure sync time and fetch latency against a generated source",
	Long: `Start a simulated source with generated runs, sync it with a fresh engine,
then fetch random documents from concurrent clients.

Example usage:
  syncmon loadtest --runs 100 --docs 200 --clients 50
  syncmon loadtest --transport http`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := loadtest.DefaultOptions()
		opts.Runs, _ = cmd.Flags().GetInt("runs")
		opts.DocsPerRun, _ = cmd.Flags().GetInt("docs")
		opts.Clients, _ = cmd.Flags().GetInt("clients")
		opts.FetchesPerClient, _ = cmd.Flags().GetInt("fetches")
		opts.Transport, _ = cmd.Flags().GetString("transport")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		fmt.Printf("%s Load test: %d runs x %d docs, %d clients over %s\n",
			renderAccent("→"), opts.Runs, opts.DocsPerRun, opts.Clients, opts.Transport)

		res, err := loadtest.Run(ctx, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Synced %d headers in %v\n\n", renderPass("✓"), res.Documents, res.SyncTime.Round(time.Millisecond))
		res.Fetch.PrintStats(os.Stdout)
		if res.Fetch.Errors > 0 {
			fmt.Printf("\n%s %d fetches failed\n", renderWarn("⚠"), res.Fetch.Errors)
		}
	},
}

func init() {
	defaults := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("runs", defaults.Runs, "Number of runs")
	loadtestCmd.Flags().Int("docs", defaults.DocsPerRun, "Documents per run")
	loadtestCmd.Flags().Int("clients", defaults.Clients, "Concurrent fetching clients")
	loadtestCmd.Flags().Int("fetches", defaults.FetchesPerClient, "Fetches per client")
	loadtestCmd.Flags().String("transport", defaults.Transport, "ws or http")
	loadtestCmd.Flags().Duration("timeout", 2*time.Minute, "Overall deadline")

	rootCmd.AddCommand(loadtestCmd)
}
