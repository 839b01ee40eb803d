package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dqmtools/syncmon/internal/logging"
	"github.com/dqmtools/syncmon/internal/sourcesim"
)

var simulateCmd = &cobra.Command{
	Use:     "simulate FIXTURE",
	GroupID: "dev",
	Short:   "Serve a simulated monitoring source",
	Long: `Serve the documents in a YAML fixture as a monitoring source.

The fixture lists documents:

  documents:
    - id: run100-job1
      run: 100
      type: dqm-source-state
      hostname: host1
      body:
        exit_code: 0

With --churn, fixture documents are republished in turn at that interval
so clients see live updates.

Example usage:
  syncmon simulate fixture.yaml --port 9215 --churn 2s`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		maxFrame, _ := cmd.Flags().GetInt("max-frame")
		churn, _ := cmd.Flags().GetDuration("churn")

		fixture, err := sourcesim.LoadFixture(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		src := sourcesim.New(&sourcesim.Config{
			Port:            port,
			MaxFrameHeaders: maxFrame,
			Logger:          logging.New(os.Stderr, "source"),
		})
		if err := src.Load(fixture); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := src.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start source: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Serving %d documents (rev %d)\n", renderAccent("→"), len(fixture.Documents), src.Revision())
		fmt.Printf("   WebSocket: %s\n", src.WebSocketURL())
		fmt.Printf("   HTTP:      %s\n", src.ProxyURL())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if churn > 0 && len(fixture.Documents) > 0 {
			go republish(ctx, src, fixture, churn)
		}
		<-ctx.Done()

		fmt.Println("\nShutting down source...")
		if err := src.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func republish(ctx context.Context, src *sourcesim.Source, fixture *sourcesim.Fixture, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doc := fixture.Documents[i%len(fixture.Documents)]
			doc.Timestamp = 0
			if _, err := src.Put(doc); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: republishing %s: %v\n", doc.ID, err)
			}
		}
	}
}

func init() {
	simulateCmd.Flags().IntP("port", "p", 9215, "Port to listen on")
	simulateCmd.Flags().Int("max-frame", 1000, "Headers per update_headers frame")
	simulateCmd.Flags().Duration("churn", 0, "Republish interval (0 disables)")

	rootCmd.AddCommand(simulateCmd)
}
