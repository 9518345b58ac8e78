package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vietddude/dispatcher/internal/core/config"
	redisclient "github.com/vietddude/dispatcher/internal/infra/redis"
)

// openBroker connects to the configured Redis for one-shot commands.
func openBroker(ctx context.Context, cmd *cobra.Command) (*config.AppConfig, *redisclient.Client, *redisclient.Broker, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, client, redisclient.NewBroker(client, cfg.Worker.Consumer, nil), nil
}
