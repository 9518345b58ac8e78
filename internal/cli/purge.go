package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var purgeConfirmed bool

var purgeCmd = &cobra.Command{
	Use:   "purge [queue...]",
	Short: "Permanently delete the backlog, pending and dead-lettered jobs of queues",
	Args:  cobra.MinimumNArgs(1),
	Run:   runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeConfirmed, "yes", false, "confirm the irreversible purge")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) {
	if !purgeConfirmed {
		fmt.Println("Purge is irreversible; re-run with --yes to confirm")
		os.Exit(1)
	}

	ctx := context.Background()
	_, client, broker, err := openBroker(ctx, cmd)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	for _, queue := range args {
		if err := broker.Destroy(ctx, queue); err != nil {
			slog.Error("Failed to purge queue", "queue", queue, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Successfully purged %s\n", queue)
	}
}
