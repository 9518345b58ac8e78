package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/dispatcher/internal/control"
	"github.com/vietddude/dispatcher/internal/core/config"
	"github.com/vietddude/dispatcher/internal/invoke"
)

var (
	cfgPath       string
	isDebug       bool
	region        string
	lambdaVersion string
	redisHost     string
	redisPort     int
	maxRetries    int
)

var rootCmd = &cobra.Command{
	Use:   "dispatcher [queues...]",
	Short: "Queue worker that dispatches jobs to Lambda functions",
	Long: `Dispatcher consumes named Redis queues and invokes the Lambda function
referenced by each job, retrying rate-limited calls with jittered backoff.`,
	Run: runDispatcher,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region (defaults to AWS_REGION)")
	rootCmd.PersistentFlags().StringVar(&lambdaVersion, "lambda-version", "", "Lambda API version (default 2015-03-31)")
	rootCmd.PersistentFlags().StringVar(&redisHost, "redis-host", "", "Redis host (default localhost)")
	rootCmd.PersistentFlags().IntVar(&redisPort, "redis-port", 0, "Redis port (default 6379)")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", config.DefaultMaxRetries, "rate-limit retries per invocation")
}

// loadConfig reads the config file, applies flag overrides and defaults.
// Positional args, when given, replace the configured queues.
func loadConfig(cmd *cobra.Command, queues []string) (*config.AppConfig, error) {
	_ = godotenv.Load()

	var (
		cfg *config.AppConfig
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(cfgPath)
	} else {
		cfg, err = config.LoadOptional(cfgPath)
	}
	if err != nil {
		return nil, err
	}

	overrides := config.Overrides{
		Region:     region,
		APIVersion: lambdaVersion,
		RedisHost:  redisHost,
		RedisPort:  redisPort,
		Queues:     queues,
	}
	if f := cmd.Flags().Lookup("max-retries"); f != nil && f.Changed {
		v := maxRetries
		overrides.MaxRetries = &v
	}
	cfg.Apply(overrides)

	setupLogging(cfg)
	for _, w := range cfg.ApplyDefaults() {
		slog.Warn("Using default setting", "detail", w)
	}
	return cfg, nil
}

func setupLogging(cfg *config.AppConfig) {
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}

func runDispatcher(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		_ = cmd.Usage()
		os.Exit(1)
	}

	// Transform config
	controlCfg := control.Config{
		Port:     cfg.Server.Port,
		GRPCPort: cfg.Server.GRPCPort,
		Queues:   cfg.Worker.Queues,
		AWS:      cfg.AWS,
		Redis:    cfg.Redis,
		Consumer: cfg.Worker.Consumer,
		Invoke: invoke.Config{
			MaxRetries: cfg.Worker.Retries(),
			BaseDelay:  cfg.Worker.BaseDelay,
		},
		DrainTimeout: cfg.Worker.DrainTimeout,
		Journal:      cfg.Journal,
	}

	app, err := control.NewDispatcher(controlCfg)
	if err != nil {
		slog.Error("Failed to initialize Dispatcher", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Dispatcher", "error", err)
		os.Exit(1)
	}

	slog.Info("Dispatcher started",
		"queues", cfg.Worker.Queues,
		"region", cfg.AWS.Region,
		"redis", cfg.Redis.Addr(),
		"max_retries", cfg.Worker.Retries(),
	)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Dispatcher stopped gracefully")
}
