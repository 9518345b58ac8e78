package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

// scriptedBackend replays a fixed list of outcomes, repeating the last one.
type scriptedBackend struct {
	mu       sync.Mutex
	steps    []step
	requests []*Request
}

type step struct {
	resp *Response
	err  error
}

func (b *scriptedBackend) Invoke(ctx context.Context, req *Request) (*Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
	i := len(b.requests) - 1
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	return b.steps[i].resp, b.steps[i].err
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

var rateLimitedResp = step{resp: &Response{StatusCode: 429}}

func ok(payload string) step {
	return step{resp: &Response{StatusCode: 200, Payload: []byte(payload)}}
}

// recordSleep captures backoff delays without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(b Backend, maxRetries int, s *recordSleep) *Client {
	return NewClient(b, Config{MaxRetries: maxRetries, BaseDelay: 200 * time.Millisecond},
		WithSleep(s.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
}

func TestInvoke_RateLimitExhaustion(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 5} {
		backend := &scriptedBackend{steps: []step{rateLimitedResp}}
		sleeper := &recordSleep{}
		client := newTestClient(backend, maxRetries, sleeper)

		_, err := client.Invoke(context.Background(), "fn", map[string]any{}, nil)

		var ie *Error
		if !errors.As(err, &ie) || ie.Kind != KindRateLimitExceeded {
			t.Fatalf("maxRetries=%d: expected rate limit error, got %v", maxRetries, err)
		}
		if got := backend.calls(); got != maxRetries+1 {
			t.Errorf("maxRetries=%d: expected %d attempts, got %d", maxRetries, maxRetries+1, got)
		}
		if ie.RateLimit.Attempts != maxRetries+1 {
			t.Errorf("maxRetries=%d: Attempts = %d", maxRetries, ie.RateLimit.Attempts)
		}
		if len(sleeper.delays) != maxRetries {
			t.Errorf("maxRetries=%d: expected %d backoffs, got %d", maxRetries, maxRetries, len(sleeper.delays))
		}
	}
}

func TestInvoke_RateLimitedThrowsBackendError(t *testing.T) {
	backend := &scriptedBackend{steps: []step{
		{err: &BackendError{Code: CodeTooManyRequests, Message: "Rate exceeded", StatusCode: 429}},
	}}
	client := newTestClient(backend, 1, &recordSleep{})

	_, err := client.Invoke(context.Background(), "fn", nil, nil)
	if kind, _ := KindOf(err); kind != KindRateLimitExceeded {
		t.Fatalf("expected rate limit kind, got %v", err)
	}
	if backend.calls() != 2 {
		t.Errorf("expected 2 attempts, got %d", backend.calls())
	}
}

func TestInvoke_RecoversAfterRateLimit(t *testing.T) {
	backend := &scriptedBackend{steps: []step{rateLimitedResp, rateLimitedResp, ok(`{"done":true}`)}}
	sleeper := &recordSleep{}
	client := newTestClient(backend, 2, sleeper)

	result, err := client.Invoke(context.Background(), "fn", map[string]any{"a": 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", backend.calls())
	}

	obj, isMap := result.(map[string]any)
	if !isMap || obj["done"] != true {
		t.Errorf("unexpected result %v", result)
	}

	// rand=0.5, base 200ms: ceil(0.5*200)=100ms, ceil(0.5*400)=200ms
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	for i, d := range want {
		if sleeper.delays[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, sleeper.delays[i], d)
		}
	}
}

func TestBackoff_Bounds(t *testing.T) {
	tests := []struct {
		name string
		r    float64
	}{
		{"zero", 0},
		{"small", 0.0001},
		{"mid", 0.5},
		{"almost one", 0.999999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(nil, Config{MaxRetries: 10, BaseDelay: 200 * time.Millisecond},
				WithRand(func() float64 { return tt.r }))

			for attempt := 0; attempt < 8; attempt++ {
				d := client.Backoff(attempt)
				ceiling := time.Duration(200<<attempt) * time.Millisecond
				if d < 0 || d > ceiling {
					t.Errorf("Backoff(%d) = %v, want within [0, %v]", attempt, d, ceiling)
				}
			}
		})
	}
}

func TestBackoff_LargeAttemptsDoNotOverflow(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999999} {
		client := NewClient(nil, Config{MaxRetries: 5000, BaseDelay: 200 * time.Millisecond},
			WithRand(func() float64 { return r }))

		prev := time.Duration(0)
		for _, attempt := range []int{30, 36, 40, 63, 64, 100, 1100, 4999} {
			d := client.Backoff(attempt)
			if d < 0 {
				t.Fatalf("Backoff(%d) with rand %v = %v, want non-negative", attempt, r, d)
			}
			if d < prev {
				t.Errorf("Backoff(%d) with rand %v = %v, shorter than %v", attempt, r, d, prev)
			}
			prev = d
		}
	}
}

func TestBackoff_DefaultRandWithinBounds(t *testing.T) {
	client := NewClient(nil, DefaultConfig)
	for i := 0; i < 1000; i++ {
		attempt := i % 6
		d := client.Backoff(attempt)
		if d < 0 || d > time.Duration(200<<attempt)*time.Millisecond {
			t.Fatalf("Backoff(%d) = %v out of range", attempt, d)
		}
	}
}

func TestInvoke_TransportErrorIsNotRetried(t *testing.T) {
	backend := &scriptedBackend{steps: []step{
		{err: &BackendError{Code: "AccessDeniedException", Message: "denied", StatusCode: 403}},
	}}
	client := newTestClient(backend, 3, &recordSleep{})

	_, err := client.Invoke(context.Background(), "fn", nil, nil)

	var ie *Error
	if !errors.As(err, &ie) || ie.Kind != KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if ie.Transport.Code != "AccessDeniedException" || ie.Transport.StatusCode != 403 {
		t.Errorf("unexpected transport detail %+v", ie.Transport)
	}
	if backend.calls() != 1 {
		t.Errorf("expected 1 attempt, got %d", backend.calls())
	}
}

func TestInvoke_OpaqueErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	backend := &scriptedBackend{steps: []step{{err: boom}}}
	client := newTestClient(backend, 3, &recordSleep{})

	_, err := client.Invoke(context.Background(), "fn", nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected opaque error, got %v", err)
	}
	if _, isTyped := KindOf(err); isTyped {
		t.Errorf("opaque error should not be classified")
	}
}

func TestInvoke_RemoteFunctionError(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"error type and message", `{"errorType":"Error","errorMessage":"boom"}`},
		{"message only", `{"errorMessage":"boom"}`},
		{"type only", `{"errorType":"TypeError"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &scriptedBackend{steps: []step{ok(tt.payload)}}
			client := newTestClient(backend, 0, &recordSleep{})

			result, err := client.Invoke(context.Background(), "fn", nil, nil)
			if result != nil {
				t.Errorf("expected nil result, got %v", result)
			}

			var ie *Error
			if !errors.As(err, &ie) || ie.Kind != KindRemoteFunction {
				t.Fatalf("expected remote function error, got %v", err)
			}

			var original map[string]any
			_ = json.Unmarshal([]byte(tt.payload), &original)
			for k, v := range original {
				if ie.Remote.Response[k] != v {
					t.Errorf("response[%s] = %v, want %v", k, ie.Remote.Response[k], v)
				}
			}
		})
	}
}

func TestInvoke_EmptyErrorFieldsAreSuccess(t *testing.T) {
	backend := &scriptedBackend{steps: []step{ok(`{"errorMessage":"","value":1}`)}}
	client := newTestClient(backend, 0, &recordSleep{})

	if _, err := client.Invoke(context.Background(), "fn", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvoke_PayloadParseError(t *testing.T) {
	backend := &scriptedBackend{steps: []step{ok(`not json`)}}
	client := newTestClient(backend, 0, &recordSleep{})

	_, err := client.Invoke(context.Background(), "fn", nil, nil)

	var ie *Error
	if !errors.As(err, &ie) || ie.Kind != KindPayloadParse {
		t.Fatalf("expected parse error, got %v", err)
	}
	if string(ie.Parse.Raw) != "not json" {
		t.Errorf("raw = %q", ie.Parse.Raw)
	}
}

func TestInvoke_AsyncNeverParses(t *testing.T) {
	payloads := []string{``, `not json`, `{"errorMessage":"ignored"}`}

	for _, invType := range []domain.InvocationType{domain.InvocationAsync, domain.InvocationDryRun} {
		for _, p := range payloads {
			backend := &scriptedBackend{steps: []step{{resp: &Response{StatusCode: 202, Payload: []byte(p)}}}}
			client := newTestClient(backend, 0, &recordSleep{})

			result, err := client.Invoke(context.Background(), "fn", nil,
				&domain.InvocationOptions{InvocationType: invType})
			if err != nil {
				t.Errorf("%s %q: unexpected error %v", invType, p, err)
			}
			if result != nil {
				t.Errorf("%s %q: expected nil result, got %v", invType, p, result)
			}
		}
	}
}

func TestInvoke_BuildsRequest(t *testing.T) {
	backend := &scriptedBackend{steps: []step{ok(`null`)}}
	client := newTestClient(backend, 0, &recordSleep{})

	_, err := client.Invoke(context.Background(), "arn:aws:lambda:us-east-1:1:function:f",
		json.RawMessage(`{"test":"test"}`), &domain.InvocationOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := backend.requests[0]
	if req.FunctionName != "arn:aws:lambda:us-east-1:1:function:f" {
		t.Errorf("FunctionName = %s", req.FunctionName)
	}
	if req.InvocationType != domain.InvocationSync {
		t.Errorf("InvocationType = %s, want default RequestResponse", req.InvocationType)
	}
	if string(req.Payload) != `{"test":"test"}` {
		t.Errorf("Payload = %s", req.Payload)
	}
}

func TestInvoke_EmptyFunctionRef(t *testing.T) {
	backend := &scriptedBackend{steps: []step{ok(`{}`)}}
	client := newTestClient(backend, 0, &recordSleep{})

	_, err := client.Invoke(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrEmptyFunctionRef) {
		t.Fatalf("expected ErrEmptyFunctionRef, got %v", err)
	}
	if backend.calls() != 0 {
		t.Errorf("backend must not be called")
	}
}

func TestInvoke_BackoffHonorsCancellation(t *testing.T) {
	backend := &scriptedBackend{steps: []step{rateLimitedResp}}
	client := NewClient(backend, Config{MaxRetries: 5, BaseDelay: time.Hour},
		WithRand(func() float64 { return 0.9 }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Invoke(ctx, "fn", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if backend.calls() != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", backend.calls())
	}
}

func TestInvoke_ConcurrentCallsKeepIndependentRetryState(t *testing.T) {
	// fn-a is always throttled; fn-b succeeds. Retries of one never affect the other.
	backend := &routingBackend{throttled: map[string]bool{"fn-a": true}}
	client := newTestClient(backend, 2, &recordSleep{})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := "fn-b"
			if i%2 == 0 {
				ref = "fn-a"
			}
			_, errs[i] = client.Invoke(context.Background(), ref, nil, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if i%2 == 0 {
			var ie *Error
			if !errors.As(err, &ie) || ie.RateLimit.Attempts != 3 {
				t.Errorf("call %d: expected 3 throttled attempts, got %v", i, err)
			}
		} else if err != nil {
			t.Errorf("call %d: unexpected error %v", i, err)
		}
	}
}

type routingBackend struct {
	throttled map[string]bool
}

func (b *routingBackend) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if b.throttled[req.FunctionName] {
		return &Response{StatusCode: 429}, nil
	}
	return &Response{StatusCode: 200, Payload: []byte(`"ok"`)}, nil
}

func TestInvoke_CountsByInvocationTypeAndOutcome(t *testing.T) {
	client := newTestClient(&scriptedBackend{steps: []step{ok(`{}`)}}, 0, &recordSleep{})
	if _, err := client.Invoke(context.Background(), "fn", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "dispatcher_invocations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if len(labels) != 2 {
				t.Fatalf("labels = %v, want invocation_type and outcome", labels)
			}
			if labels["invocation_type"] == string(domain.InvocationSync) && labels["outcome"] == "success" {
				if m.GetCounter().GetValue() < 1 {
					t.Errorf("counter = %v, want at least 1", m.GetCounter().GetValue())
				}
				return
			}
		}
	}
	t.Error("no dispatcher_invocations_total sample for RequestResponse/success")
}
