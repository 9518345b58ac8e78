package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/dispatcher/internal/core/domain"
	"github.com/vietddude/dispatcher/internal/invoke"
	"github.com/vietddude/dispatcher/internal/journal"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSub struct {
	queue    string
	closeErr error
	hold     chan struct{}
	closed   int
	mu       sync.Mutex
}

func (s *fakeSub) Queue() string { return s.queue }

func (s *fakeSub) Close(ctx context.Context) error {
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]domain.JobHandler
	subs      map[string]*fakeSub
	failOn    string
	closeErr  error
	hold      chan struct{}
	destroyed []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers: make(map[string]domain.JobHandler),
		subs:     make(map[string]*fakeSub),
	}
}

func (b *fakeBroker) Subscribe(ctx context.Context, queue string, h domain.JobHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queue == b.failOn {
		return nil, errors.New("connection refused")
	}
	sub := &fakeSub{queue: queue, closeErr: b.closeErr, hold: b.hold}
	b.handlers[queue] = h
	b.subs[queue] = sub
	return sub, nil
}

func (b *fakeBroker) Destroy(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = append(b.destroyed, queue)
	return nil
}

func (b *fakeBroker) deliver(t *testing.T, queue, data string) error {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[queue]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", queue)
	}
	return h(context.Background(), &domain.Job{ID: "1-0", Queue: queue, Data: []byte(data), Delivery: 1})
}

type invokeCall struct {
	ref   string
	event any
	opts  *domain.InvocationOptions
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []invokeCall
	result any
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, ref string, event any, opts *domain.InvocationOptions) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invokeCall{ref: ref, event: event, opts: opts})
	return f.result, f.err
}

type failingJournal struct{}

func (failingJournal) Record(ctx context.Context, rec domain.DispatchRecord) error {
	return errors.New("disk full")
}

func (failingJournal) Recent(ctx context.Context, queue string, limit int) ([]domain.DispatchRecord, error) {
	return nil, nil
}

func (failingJournal) Close() error { return nil }

// =============================================================================
// Tests
// =============================================================================

func TestPool_StartRequiresQueues(t *testing.T) {
	p := NewPool(newFakeBroker(), &fakeInvoker{})

	for _, names := range [][]string{nil, {}, {""}} {
		if err := p.Start(context.Background(), names); !errors.Is(err, ErrNoQueues) {
			t.Errorf("Start(%q) = %v, want ErrNoQueues", names, err)
		}
	}
}

func TestPool_StartDeduplicates(t *testing.T) {
	b := newFakeBroker()
	p := NewPool(b, &fakeInvoker{})

	if err := p.Start(context.Background(), []string{"a", "b", "a"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := p.Queues(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Queues() = %v", got)
	}
	if len(b.subs) != 2 {
		t.Errorf("expected 2 subscriptions, got %d", len(b.subs))
	}
	if err := p.Start(context.Background(), []string{"c"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestPool_StartClosesOpenedOnFailure(t *testing.T) {
	b := newFakeBroker()
	b.failOn = "b"
	p := NewPool(b, &fakeInvoker{})

	if err := p.Start(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected Start to fail")
	}
	if b.subs["a"].closed != 1 {
		t.Errorf("expected subscription a to be closed once, got %d", b.subs["a"].closed)
	}
}

func TestPool_JobWithoutFunctionRefIsResolved(t *testing.T) {
	b := newFakeBroker()
	inv := &fakeInvoker{}
	j := journal.NewMemoryJournal(8)
	p := NewPool(b, inv, WithJournal(j))

	if err := p.Start(context.Background(), []string{"test"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, data := range []string{`{}`, `{"event":{"a":1}}`, `not json`} {
		if err := b.deliver(t, "test", data); err != nil {
			t.Errorf("deliver(%s) = %v, want nil", data, err)
		}
	}
	if len(inv.calls) != 0 {
		t.Errorf("expected no invocations, got %d", len(inv.calls))
	}

	recs, _ := j.Recent(context.Background(), "test", 0)
	if len(recs) != 3 {
		t.Fatalf("expected 3 journal records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.State != domain.JobStateDropped {
			t.Errorf("expected dropped state, got %s", r.State)
		}
	}
}

func TestPool_InvokesWithPayload(t *testing.T) {
	b := newFakeBroker()
	inv := &fakeInvoker{result: map[string]any{"ok": true}}
	p := NewPool(b, inv)

	if err := p.Start(context.Background(), []string{"test"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := b.deliver(t, "test", `{"lambdaArn":"fn","event":{"test":"test"}}`); err != nil {
		t.Fatalf("expected job to resolve, got %v", err)
	}

	if len(inv.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(inv.calls))
	}
	call := inv.calls[0]
	if call.ref != "fn" {
		t.Errorf("ref = %q, want fn", call.ref)
	}

	raw, ok := call.event.(json.RawMessage)
	if !ok {
		t.Fatalf("event type = %T, want json.RawMessage", call.event)
	}
	var event map[string]string
	if err := json.Unmarshal(raw, &event); err != nil || len(event) != 1 || event["test"] != "test" {
		t.Errorf("event = %s", raw)
	}

	if call.opts == nil || *call.opts != (domain.InvocationOptions{}) {
		t.Errorf("opts = %+v, want empty", call.opts)
	}
}

func TestPool_DefaultsMissingEvent(t *testing.T) {
	b := newFakeBroker()
	inv := &fakeInvoker{}
	p := NewPool(b, inv)
	_ = p.Start(context.Background(), []string{"test"})

	if err := b.deliver(t, "test", `{"lambdaArn":"fn","options":{"invocationType":"Event"}}`); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	call := inv.calls[0]
	if string(call.event.(json.RawMessage)) != `{}` {
		t.Errorf("event = %s, want {}", call.event)
	}
	if call.opts.Type() != domain.InvocationAsync {
		t.Errorf("invocation type = %s, want Event", call.opts.Type())
	}
}

func TestPool_InvokeErrorFailsJob(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{
			"remote function",
			&invoke.Error{
				Kind:        invoke.KindRemoteFunction,
				FunctionRef: "fn",
				Remote:      &invoke.RemoteFunctionFailure{Response: map[string]any{"errorMessage": "boom"}},
			},
			"remote_function",
		},
		{
			"rate limit",
			&invoke.Error{
				Kind:        invoke.KindRateLimitExceeded,
				FunctionRef: "fn",
				RateLimit:   &invoke.RateLimitFailure{Attempts: 3},
			},
			"rate_limit_exceeded",
		},
		{"opaque", errors.New("boom"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			j := journal.NewMemoryJournal(8)
			p := NewPool(b, &fakeInvoker{err: tt.err}, WithJournal(j))
			_ = p.Start(context.Background(), []string{"test"})

			err := b.deliver(t, "test", `{"lambdaArn":"fn"}`)
			if !errors.Is(err, tt.err) {
				t.Fatalf("deliver = %v, want %v", err, tt.err)
			}

			recs, _ := j.Recent(context.Background(), "", 1)
			if len(recs) != 1 {
				t.Fatalf("expected 1 record, got %d", len(recs))
			}
			if recs[0].State != domain.JobStateFailed || recs[0].ErrorKind != tt.wantKind {
				t.Errorf("record = %+v", recs[0])
			}
			if recs[0].FunctionRef != "fn" || recs[0].InvocationType != domain.InvocationSync {
				t.Errorf("record = %+v", recs[0])
			}
		})
	}
}

func TestPool_JournalFailureDoesNotFailJob(t *testing.T) {
	b := newFakeBroker()
	p := NewPool(b, &fakeInvoker{}, WithJournal(failingJournal{}))
	_ = p.Start(context.Background(), []string{"test"})

	if err := b.deliver(t, "test", `{"lambdaArn":"fn"}`); err != nil {
		t.Errorf("expected job to resolve, got %v", err)
	}
}

func TestPool_Stop(t *testing.T) {
	b := newFakeBroker()
	p := NewPool(b, &fakeInvoker{})
	_ = p.Start(context.Background(), []string{"a", "b"})

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	for name, sub := range b.subs {
		if sub.closed != 1 {
			t.Errorf("subscription %s closed %d times", name, sub.closed)
		}
	}
}

func TestPool_StopDrainTimeout(t *testing.T) {
	b := newFakeBroker()
	b.closeErr = context.DeadlineExceeded
	p := NewPool(b, &fakeInvoker{}, WithDrainTimeout(10*time.Millisecond))
	_ = p.Start(context.Background(), []string{"a"})

	err := p.Stop(context.Background())
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Stop = %v, want ErrDrainTimeout", err)
	}
	if again := p.Stop(context.Background()); again != err {
		t.Errorf("second Stop = %v, want %v", again, err)
	}
}

func TestPool_QueuesAndPurgeDuringDrain(t *testing.T) {
	b := newFakeBroker()
	b.hold = make(chan struct{})
	p := NewPool(b, &fakeInvoker{})
	_ = p.Start(context.Background(), []string{"a"})

	stopped := make(chan error, 2)
	go func() { stopped <- p.Stop(context.Background()) }()
	// Wait until the drain has begun.
	for {
		p.mu.Lock()
		draining := p.stopped
		p.mu.Unlock()
		if draining {
			break
		}
		time.Sleep(time.Millisecond)
	}

	answered := make(chan struct{})
	go func() {
		_ = p.Queues()
		_ = p.Purge(context.Background())
		close(answered)
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("Queues and Purge blocked behind the drain")
	}

	// A concurrent Stop waits for the same drain.
	go func() { stopped <- p.Stop(context.Background()) }()
	close(b.hold)
	for i := 0; i < 2; i++ {
		select {
		case err := <-stopped:
			if err != nil {
				t.Errorf("Stop = %v, want nil", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Stop did not return after the drain finished")
		}
	}
}

func TestPool_StopBeforeStart(t *testing.T) {
	p := NewPool(newFakeBroker(), &fakeInvoker{})
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop = %v, want nil", err)
	}
}

func TestPool_Purge(t *testing.T) {
	b := newFakeBroker()
	p := NewPool(b, &fakeInvoker{})
	_ = p.Start(context.Background(), []string{"a", "b"})

	if err := p.Purge(context.Background()); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if len(b.destroyed) != 2 || b.destroyed[0] != "a" || b.destroyed[1] != "b" {
		t.Errorf("destroyed = %v", b.destroyed)
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"x", "", "y", "x", "z", "y"})
	want := []string{"x", "y", "z"}
	if len(got) != len(want) {
		t.Fatalf("dedupe = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dedupe[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
