package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dqmtools/syncmon/internal/stats"
	"github.com/dqmtools/syncmon/internal/storage"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "sync",
	Short:   "Show persisted run statistics",
	Long: `Print the run statistics persisted by 'syncmon watch --stats-db'.

Example usage:
  syncmon stats --db ~/.syncmon/stats.db
  syncmon stats --db stats.db --run 412345`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("db")
		if path == "" {
			path = loadConfig().StatsDB
		}
		if path == "" {
			fmt.Fprintf(os.Stderr, "Error: no stats database (use --db or stats_db)\n")
			os.Exit(1)
		}
		runFilter, _ := cmd.Flags().GetInt64("run")

		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("\n%s No stats database at %s\n\n", renderWarn("⚠"), path)
			return
		}

		db, err := storage.OpenSQLite(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		entries, err := stats.Load(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading stats: %v\n", err)
			os.Exit(1)
		}

		runs := make([]int64, 0, len(entries))
		for run := range entries {
			if runFilter == 0 || run == runFilter {
				runs = append(runs, run)
			}
		}
		sort.Slice(runs, func(i, j int) bool { return runs[i] > runs[j] })

		if len(runs) == 0 {
			fmt.Printf("\n%s No run statistics stored\n\n", renderWarn("⚠"))
			return
		}

		fmt.Printf("\n%s Run statistics (%s)\n\n", renderAccent("📊"), path)
		for _, run := range runs {
			printRunStats(entries[run])
		}
	},
}

func printRunStats(st *stats.Stats) {
	jobs := fmt.Sprintf("%d jobs", st.Jobs)
	switch {
	case st.Crashed > 0:
		jobs = renderFail(jobs)
	case st.Running > 0:
		jobs = renderWarn(jobs)
	default:
		jobs = renderPass(jobs)
	}

	fmt.Printf("Run %d  %s  %s\n", st.Run, jobs,
		renderMuted(fmt.Sprintf("(%d running, %d finished, %d crashed)", st.Running, st.Finished, st.Crashed)))
	fmt.Printf("   Documents: %d", st.Documents)
	if st.Watermark != nil {
		fmt.Printf("  rev %d", *st.Watermark)
	}
	if st.Malformed > 0 {
		fmt.Printf("  %s", renderWarn(fmt.Sprintf("%d malformed", st.Malformed)))
	}
	fmt.Println()
	if len(st.Hosts) > 0 {
		fmt.Printf("   Hosts: %s\n", strings.Join(st.Hosts, ", "))
	}

	names := make([]string, 0, len(st.Streams))
	for name := range st.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := st.Streams[name]
		fmt.Printf("   %-12s files %4d  delay %6.1fs ± %5.1fs  max %d evts (%.1f Hz)\n",
			name, s.Files, s.DelayMean, s.DelayStdDev, s.MaxEvents, s.MaxRate)
	}
	fmt.Println()
}

func init() {
	statsCmd.Flags().String("db", "", "SQLite stats database (default: stats_db from config)")
	statsCmd.Flags().Int64("run", 0, "Show only this run")

	rootCmd.AddCommand(statsCmd)
}
