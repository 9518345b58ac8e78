package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/dispatcher/internal/core/domain"
	"github.com/vietddude/dispatcher/internal/invoke"
	"github.com/vietddude/dispatcher/internal/journal"
	"github.com/vietddude/dispatcher/internal/metrics"
)

var (
	ErrNoQueues       = errors.New("no queues to process")
	ErrAlreadyStarted = errors.New("worker pool already started")
	ErrDrainTimeout   = errors.New("drain timed out with jobs in flight")
)

// DefaultDrainTimeout bounds Stop when the caller's context has no deadline.
const DefaultDrainTimeout = 30 * time.Second

// Broker is the queue side of the pool.
type Broker interface {
	Subscribe(ctx context.Context, queue string, handler domain.JobHandler) (domain.Subscription, error)
	Destroy(ctx context.Context, queue string) error
}

// Invoker calls remote functions. *invoke.Client satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, functionRef string, event any, opts *domain.InvocationOptions) (any, error)
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		p.log = log
	}
}

// WithJournal records every terminal job outcome.
func WithJournal(j journal.Journal) Option {
	return func(p *Pool) {
		p.journal = j
	}
}

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.drainTimeout = d
		}
	}
}

// Pool consumes a set of named queues and dispatches every job to the invoker.
type Pool struct {
	broker       Broker
	invoker      Invoker
	journal      journal.Journal
	log          *slog.Logger
	drainTimeout time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	subs    []domain.Subscription
	queues  []string

	// closed when the first Stop finishes draining; stopErr is its result
	drained chan struct{}
	stopErr error
}

// NewPool creates a pool. Nothing is consumed until Start.
func NewPool(broker Broker, invoker Invoker, opts ...Option) *Pool {
	p := &Pool{
		broker:       broker,
		invoker:      invoker,
		log:          slog.Default(),
		drainTimeout: DefaultDrainTimeout,
		drained:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to every named queue. Duplicate names are consumed once.
// If any subscription fails the ones already opened are closed.
func (p *Pool) Start(ctx context.Context, names []string) error {
	queues := dedupe(names)
	if len(queues) == 0 {
		return ErrNoQueues
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	subs := make([]domain.Subscription, 0, len(queues))
	for _, name := range queues {
		p.log.Info("Creating queue", "queue", name)

		sub, err := p.broker.Subscribe(ctx, name, p.handle)
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.drainTimeout)
			for _, s := range subs {
				_ = s.Close(closeCtx)
			}
			cancel()
			return fmt.Errorf("subscribe to queue %s: %w", name, err)
		}
		subs = append(subs, sub)
		p.log.Info("Processing queue", "queue", name)
	}

	p.subs = subs
	p.queues = queues
	p.started = true
	return nil
}

// Queues returns the queues being consumed.
func (p *Pool) Queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queues...)
}

// Stop stops fetching and waits for in-flight jobs. It returns an error
// wrapping ErrDrainTimeout if ctx (or the default drain timeout) expires first.
// Calling Stop more than once returns the first result.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	if p.stopped {
		p.mu.Unlock()
		<-p.drained
		return p.stopErr
	}
	p.stopped = true
	subs := append([]domain.Subscription(nil), p.subs...)
	p.mu.Unlock()

	defer close(p.drained)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.drainTimeout)
		defer cancel()
	}

	var g errgroup.Group
	for _, sub := range subs {
		g.Go(func() error {
			return sub.Close(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			p.stopErr = fmt.Errorf("%w: %w", ErrDrainTimeout, err)
		} else {
			p.stopErr = err
		}
		p.log.Warn("Worker pool stopped with errors", "error", p.stopErr)
		return p.stopErr
	}

	p.log.Info("Worker pool stopped", "queues", len(subs))
	return nil
}

// Purge permanently removes the backlog and definition of every started queue.
func (p *Pool) Purge(ctx context.Context) error {
	p.mu.Lock()
	queues := append([]string(nil), p.queues...)
	p.mu.Unlock()

	var errs []error
	for _, name := range queues {
		if err := p.broker.Destroy(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		p.log.Warn("Queue purged", "queue", name)
	}
	return errors.Join(errs...)
}

// handle processes one delivery. A nil return resolves the job.
func (p *Pool) handle(ctx context.Context, job *domain.Job) error {
	log := p.log.With("queue", job.Queue, "job_id", job.ID)
	log.Info("Pulled job", "delivery", job.Delivery, "data", string(job.Data))
	metrics.JobsReceived.WithLabelValues(job.Queue).Inc()

	rec := domain.DispatchRecord{
		JobID:    job.ID,
		Queue:    job.Queue,
		Delivery: job.Delivery,
		State:    domain.JobStateDelivered,
	}

	payload, err := domain.DecodePayload(job.Data)
	if err != nil {
		log.Error("Dropping job with malformed payload", "error", err)
		rec.State = domain.JobStateDropped
		rec.Error = err.Error()
		p.finish(ctx, log, rec)
		return nil
	}
	if payload.FunctionRef == "" {
		log.Error("Dropping job without lambdaArn")
		rec.State = domain.JobStateDropped
		p.finish(ctx, log, rec)
		return nil
	}

	invType := payload.Options.Type()
	rec.FunctionRef = payload.FunctionRef
	rec.InvocationType = invType
	rec.State = domain.JobStateDispatching

	log = log.With("function", payload.FunctionRef, "invocation_type", string(invType))
	log.Info("Sending job", "event", string(payload.Event))

	inFlight := metrics.JobsInFlight.WithLabelValues(job.Queue)
	inFlight.Inc()
	start := time.Now()
	result, err := p.invoker.Invoke(ctx, payload.FunctionRef, payload.Event, payload.Options)
	rec.Duration = time.Since(start)
	inFlight.Dec()

	if err != nil {
		rec.State = domain.JobStateFailed
		rec.Error = err.Error()
		if kind, ok := invoke.KindOf(err); ok {
			rec.ErrorKind = kind.String()
		}
		log.Error("Failed job", "error", err, "error_kind", rec.ErrorKind, "delivery", job.Delivery)
		p.finish(ctx, log, rec)
		return err
	}

	rec.State = domain.JobStateSucceeded
	if invType.Synchronous() {
		log.Info("Completed job", "result", renderResult(result), "duration", rec.Duration)
	} else {
		log.Info("Sent job", "duration", rec.Duration)
	}
	p.finish(ctx, log, rec)
	return nil
}

func (p *Pool) finish(ctx context.Context, log *slog.Logger, rec domain.DispatchRecord) {
	metrics.JobsCompleted.WithLabelValues(rec.Queue, string(rec.State)).Inc()

	if p.journal == nil {
		return
	}
	rec.At = time.Now()
	// Journal writes must not fail a job whose handler context was cancelled.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.journal.Record(jctx, rec); err != nil {
		metrics.JournalErrors.Inc()
		log.Warn("Failed to record job outcome", "error", err)
	}
}

func renderResult(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
