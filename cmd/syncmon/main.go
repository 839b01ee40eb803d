// Command syncmon mirrors monitoring sources into a local cache and serves
// a live dashboard of their runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dqmtools/syncmon/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "syncmon",
	Short: "Sync and summarise monitoring sources",
	Long: `syncmon keeps a live, deduplicated mirror of document headers from one
or more monitoring sources, fetches full documents on demand, and derives
per-run statistics.

Configuration is read from --config (YAML) and SYNCMON_* environment
variables, e.g. SYNCMON_SOURCES="ws://dqm-a:9215/sync,http://dqm-b:9215/sync_proxy".`,
	SilenceUsage: true,
}

// loadConfig resolves configuration, exiting on error.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every protocol frame")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "dev", Title: "Development:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
