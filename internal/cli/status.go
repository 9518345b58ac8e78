package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/dispatcher/internal/journal/postgres"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [queue...]",
	Short: "Show backlog, pending and dead-letter counts of queues",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "recent", 10, "recent dispatch records to show per queue (postgres journal only)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg, client, broker, err := openBroker(ctx, cmd)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	queues := args
	if len(queues) == 0 {
		queues = cfg.Worker.Queues
	}
	if len(queues) == 0 {
		fmt.Println("No queues given")
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "QUEUE\tLENGTH\tPENDING\tDEAD")
	for _, queue := range queues {
		stats, err := broker.Stats(ctx, queue)
		if err != nil {
			slog.Error("Failed to read queue stats", "queue", queue, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", stats.Queue, stats.Length, stats.Pending, stats.DeadLetter)
	}
	_ = w.Flush()

	if cfg.Journal.Driver != "postgres" || statusLimit <= 0 {
		return
	}

	jrnl, err := postgres.Open(ctx, cfg.Journal)
	if err != nil {
		slog.Error("Failed to open journal", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = jrnl.Close()
	}()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "QUEUE\tJOB\tFUNCTION\tSTATE\tERROR\tDURATION\tAT")
	for _, queue := range queues {
		recs, err := jrnl.Recent(ctx, queue, statusLimit)
		if err != nil {
			slog.Error("Failed to query journal", "queue", queue, "error", err)
			continue
		}
		for _, r := range recs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Queue, r.JobID, r.FunctionRef, r.State, r.ErrorKind,
				r.Duration.Round(time.Millisecond), r.At.Format(time.RFC3339))
		}
	}
	_ = w.Flush()
}
