package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/dispatcher/internal/core/domain"
	"github.com/vietddude/dispatcher/internal/metrics"
)

// Subscription consumes one queue. Successful jobs are acked and deleted;
// failed jobs stay pending until reclaimed.
type Subscription struct {
	broker  *Broker
	queue   string
	stream  string
	group   string
	handler domain.JobHandler
	log     *slog.Logger

	stopFetch      context.CancelFunc
	cancelHandlers context.CancelFunc
	wg             sync.WaitGroup

	// IDs currently inside the handler; the reclaimer skips them.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSubscription(b *Broker, queue string, handler domain.JobHandler) *Subscription {
	return &Subscription{
		broker:  b,
		queue:   queue,
		stream:  streamKey(queue),
		group:   groupName(queue),
		handler:  handler,
		log:      b.log.With("queue", queue, "consumer", b.consumer),
		inflight: make(map[string]struct{}),
	}
}

// Queue returns the queue name.
func (s *Subscription) Queue() string {
	return s.queue
}

func (s *Subscription) start(ctx context.Context) {
	fetchCtx, stopFetch := context.WithCancel(ctx)
	// Handlers outlive the fetch context so in-flight jobs can finish draining.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	s.stopFetch = stopFetch
	s.cancelHandlers = cancelHandlers

	for i := 0; i < s.broker.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.fetchLoop(fetchCtx, handlerCtx)
	}

	s.wg.Add(1)
	go s.reclaimLoop(fetchCtx, handlerCtx)
}

// Close stops fetching new jobs and waits for in-flight ones. If ctx expires
// first the handlers' context is cancelled and ctx's error is returned.
func (s *Subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.stopFetch()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.log.Info("Queue closed")
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("close queue %s: %w", s.queue, ctx.Err())
			s.log.Warn("Queue close timed out with jobs in flight")
		}
		s.cancelHandlers()
	})
	return s.closeErr
}

func (s *Subscription) fetchLoop(ctx, handlerCtx context.Context) {
	defer s.wg.Done()

	for ctx.Err() == nil {
		streams, err := s.broker.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.broker.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    s.broker.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			if isClosed(err) {
				return
			}
			s.log.Error("Failed to read from queue", "error", err)
			pause(ctx, time.Second)
			continue
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				s.dispatch(handlerCtx, toJob(s.queue, msg, 1))
			}
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, job *domain.Job) {
	if !s.track(job.ID) {
		return
	}
	defer s.untrack(job.ID)

	stopHeartbeat := s.heartbeat(job.ID)
	err := s.handler(ctx, job)
	stopHeartbeat()
	if err != nil {
		s.log.Debug("Job left pending for redelivery", "job_id", job.ID, "delivery", job.Delivery)
		return
	}

	// Acks must land even when the handler context was cancelled by a drain timeout.
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.broker.rdb.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ackCtx, s.stream, s.group, job.ID)
		pipe.XDel(ackCtx, s.stream, job.ID)
		return nil
	})
	if err != nil {
		s.log.Error("Failed to ack job", "job_id", job.ID, "error", err)
	}
}

func (s *Subscription) track(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Subscription) untrack(id string) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

func (s *Subscription) inFlight(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// heartbeat keeps the entry's idle time below ReclaimIdle while the handler
// runs, so other consumers of the group do not claim it. JUSTID claims leave
// the delivery count unchanged.
func (s *Subscription) heartbeat(id string) (stop func()) {
	interval := s.broker.cfg.ReclaimIdle / 2
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.broker.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
					Stream:   s.stream,
					Group:    s.group,
					Consumer: s.broker.consumer,
					Messages: []string{id},
				}).Err()
				if err != nil && ctx.Err() == nil {
					s.log.Debug("Failed to refresh in-flight job", "job_id", id, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *Subscription) reclaimLoop(ctx, handlerCtx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.broker.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reclaimOnce(ctx, handlerCtx); err != nil && ctx.Err() == nil {
				s.log.Error("Failed to reclaim pending jobs", "error", err)
			}
		}
	}
}

// reclaimOnce redelivers pending entries idle for at least ReclaimIdle, and
// dead-letters those already delivered MaxDeliveries times. Entries still
// being handled by this subscription are left alone.
func (s *Subscription) reclaimOnce(ctx, handlerCtx context.Context) error {
	cfg := s.broker.cfg

	pending, err := s.broker.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(cfg.Concurrency) * 10,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending failed: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if s.inFlight(p.ID) {
			continue
		}

		if cfg.MaxDeliveries > 0 && p.RetryCount >= int64(cfg.MaxDeliveries) {
			if err := s.deadLetter(ctx, p.ID, p.RetryCount); err != nil {
				s.log.Error("Failed to dead-letter job", "job_id", p.ID, "error", err)
			}
			continue
		}

		msgs, err := s.broker.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.broker.consumer,
			MinIdle:  cfg.ReclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim failed: %w", err)
		}

		for _, msg := range msgs {
			s.log.Info("Redelivering job", "job_id", msg.ID, "delivery", p.RetryCount+1)
			s.dispatch(handlerCtx, toJob(s.queue, msg, int(p.RetryCount)+1))
		}
	}
	return nil
}

func (s *Subscription) deadLetter(ctx context.Context, id string, deliveries int64) error {
	msgs, err := s.broker.rdb.XRangeN(ctx, s.stream, id, id, 1).Result()
	if err != nil {
		return fmt.Errorf("xrange failed: %w", err)
	}

	_, err = s.broker.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(msgs) > 0 {
			data, _ := msgs[0].Values[dataField].(string)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: deadLetterKey(s.queue),
				Values: map[string]any{
					dataField:    data,
					"source_id":  id,
					"deliveries": strconv.FormatInt(deliveries, 10),
				},
			})
		}
		pipe.XAck(ctx, s.stream, s.group, id)
		pipe.XDel(ctx, s.stream, id)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.JobsDeadLettered.WithLabelValues(s.queue).Inc()
	s.log.Warn("Job moved to dead-letter stream", "job_id", id, "deliveries", deliveries)
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
