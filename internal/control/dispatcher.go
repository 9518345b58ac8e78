package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/dispatcher/internal/core/worker"
	"github.com/vietddude/dispatcher/internal/health"
	"github.com/vietddude/dispatcher/internal/infra/lambda"
	redisclient "github.com/vietddude/dispatcher/internal/infra/redis"
	"github.com/vietddude/dispatcher/internal/invoke"
	"github.com/vietddude/dispatcher/internal/journal"
	"github.com/vietddude/dispatcher/internal/journal/postgres"
)

// Dispatcher is the main application struct that manages the worker lifecycle.
type Dispatcher struct {
	cfg          Config
	redisClient  *redisclient.Client
	broker       *redisclient.Broker
	client       *invoke.Client
	journal      journal.Journal
	pool         *worker.Pool
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	log          *slog.Logger

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// Config holds the application configuration.
type Config struct {
	Port         int
	GRPCPort     int // 0 = disabled
	Queues       []string
	AWS          lambda.Config
	Redis        redisclient.Config
	Consumer     redisclient.ConsumerConfig
	Invoke       invoke.Config
	DrainTimeout time.Duration
	Journal      journal.Config
	Health       health.Thresholds

	// Backend replaces the Lambda backend when set.
	Backend invoke.Backend
	Logger  *slog.Logger
}

// NewDispatcher creates a new Dispatcher instance with all dependencies initialized.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if len(cfg.Queues) == 0 {
		return nil, worker.ErrNoQueues
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Health == (health.Thresholds{}) {
		cfg.Health = health.DefaultThresholds()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Backend
	backend := cfg.Backend
	if backend == nil {
		lb, err := lambda.NewBackend(ctx, cfg.AWS)
		if err != nil {
			return nil, fmt.Errorf("failed to init lambda backend: %w", err)
		}
		backend = lb
	}
	client := invoke.NewClient(backend, cfg.Invoke, invoke.WithLogger(log))

	// 2. Broker
	redisClient, err := redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	broker := redisclient.NewBroker(redisClient, cfg.Consumer, log)

	// 3. Journal
	jrnl, pruneStore, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	// 4. Worker pool
	opts := []worker.Option{
		worker.WithLogger(log),
		worker.WithDrainTimeout(cfg.DrainTimeout),
	}
	if jrnl != nil {
		opts = append(opts, worker.WithJournal(jrnl))
	}
	pool := worker.NewPool(broker, client, opts...)

	var pruner *worker.Pruner
	if pruneStore != nil && cfg.Journal.Retention > 0 {
		pruner = worker.NewPruner(cfg.Journal.Retention, pruneStore, log)
	}

	// 5. Health
	healthMon := health.NewMonitor(cfg.Queues, broker, cfg.Health)
	healthServer := health.NewServer(healthMon, cfg.Port)

	var grpcServer *health.GRPCServer
	if cfg.GRPCPort > 0 {
		grpcServer = health.NewGRPCServer(cfg.GRPCPort)
	}

	for _, name := range cfg.Queues {
		d := broker.Describe(name)
		log.Debug("Queue descriptor", "queue", d.Name, "host", d.Broker.Host, "port", d.Broker.Port)
	}

	return &Dispatcher{
		cfg:          cfg,
		redisClient:  redisClient,
		broker:       broker,
		client:       client,
		journal:      jrnl,
		pool:         pool,
		pruner:       pruner,
		healthMon:    healthMon,
		healthServer: healthServer,
		grpcServer:   grpcServer,
		log:          log,
	}, nil
}

func openJournal(ctx context.Context, cfg journal.Config) (journal.Journal, worker.RetentionStore, error) {
	switch cfg.Driver {
	case "none":
		slog.Info("Dispatch journal disabled")
		return nil, nil, nil
	case "postgres":
		pg, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init journal: %w", err)
		}
		slog.Info("Using PostgreSQL journal")
		return pg, pg, nil
	default:
		slog.Info("Using memory journal", "capacity", cfg.Capacity)
		return journal.NewMemoryJournal(cfg.Capacity), nil, nil
	}
}

// Start starts the dispatcher and all its components.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Start Health Server
	go func() {
		if err := d.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("Health server failed", "error", err)
		}
	}()

	if d.grpcServer != nil {
		if err := d.grpcServer.Listen(); err != nil {
			cancel()
			return err
		}
		go func() {
			if err := d.grpcServer.Serve(); err != nil {
				d.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if err := d.pool.Start(ctx, d.cfg.Queues); err != nil {
		cancel()
		return err
	}

	if d.grpcServer != nil {
		d.grpcServer.SetServing(true)
	}

	// Start DB Metrics Collector
	if mc, ok := d.journal.(interface{ StartMetricsCollector(context.Context) }); ok {
		mc.StartMetricsCollector(ctx)
	}

	if d.pruner != nil {
		d.log.Info("Starting journal pruner", "retention", d.cfg.Journal.Retention)
		go d.pruner.Start(ctx)
	}

	return nil
}

// Stop drains in-flight jobs and releases every resource.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop(ctx)
	})
	return d.stopErr
}

func (d *Dispatcher) stop(ctx context.Context) error {
	d.log.Info("Stopping Dispatcher...")

	d.healthMon.SetDraining(true)
	if d.grpcServer != nil {
		d.grpcServer.SetServing(false)
	}

	var errs []error
	if err := d.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if d.cancel != nil {
		d.cancel()
	}

	// The drain may have used the whole deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.healthServer.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop health server: %w", err))
	}
	if d.grpcServer != nil {
		d.grpcServer.Stop(shutdownCtx)
	}

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.log.Warn("Failed to close journal", "error", err)
		}
	}
	if err := d.redisClient.Close(); err != nil {
		d.log.Warn("Failed to close Redis", "error", err)
	}

	return errors.Join(errs...)
}

// Broker returns the queue broker.
func (d *Dispatcher) Broker() *redisclient.Broker {
	return d.broker
}

// Journal returns the dispatch journal, or nil when disabled.
func (d *Dispatcher) Journal() journal.Journal {
	return d.journal
}
