package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

var (
	enqueueEvent string
	enqueueType  string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [queue] [lambda_arn]",
	Short: "Publish a job that invokes a Lambda function",
	Args:  cobra.ExactArgs(2),
	Run:   runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueEvent, "event", "{}", "event JSON passed to the function")
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "invocation type: RequestResponse, Event or DryRun")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	queue, functionRef := args[0], args[1]

	data, err := buildJob(functionRef, enqueueEvent, enqueueType)
	if err != nil {
		fmt.Printf("Invalid job: %v\n", err)
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

	id, err := broker.Enqueue(ctx, queue, data)
	if err != nil {
		slog.Error("Failed to enqueue job", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Enqueued job %s on %s\n", id, queue)
}

func buildJob(functionRef, event, invocationType string) ([]byte, error) {
	if functionRef == "" {
		return nil, fmt.Errorf("lambda arn is required")
	}
	if event == "" {
		event = "{}"
	}
	if !json.Valid([]byte(event)) {
		return nil, fmt.Errorf("event is not valid JSON")
	}

	payload := domain.Payload{
		FunctionRef: functionRef,
		Event:       json.RawMessage(event),
	}
	switch t := domain.InvocationType(invocationType); t {
	case "":
	case domain.InvocationSync, domain.InvocationAsync, domain.InvocationDryRun:
		payload.Options = &domain.InvocationOptions{InvocationType: t}
	default:
		return nil, fmt.Errorf("unknown invocation type %q", invocationType)
	}
	return json.Marshal(payload)
}
