// Package invoke calls remote functions with rate-limit aware retry and
// classifies every failure into a small set of typed errors.
//
// A rate-limited call is retried up to MaxRetries times with full-jitter
// exponential backoff: before retry n the client waits
// ceil(rand[0,1) * BaseDelay * 2^n), measured in milliseconds. All other
// failures are returned immediately.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/vietddude/dispatcher/internal/core/domain"
	"github.com/vietddude/dispatcher/internal/metrics"
)

// Config holds retry settings.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig matches the behaviour of the worker when nothing is configured.
var DefaultConfig = Config{
	MaxRetries: 2,
	BaseDelay:  200 * time.Millisecond,
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1) and be
// safe for concurrent use.
func WithRand(fn func() float64) Option {
	return func(c *Client) {
		c.rand = fn
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// Client invokes remote functions. It is safe for concurrent use; each call
// keeps its own retry state.
type Client struct {
	backend Backend
	cfg     Config
	log     *slog.Logger
	rand    func() float64
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client over backend.
func NewClient(backend Backend, cfg Config, opts ...Option) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	c := &Client{
		backend: backend,
		cfg:     cfg,
		log:     slog.Default(),
		rand:    rand.Float64,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke calls functionRef with event as payload.
//
// For synchronous invocations the parsed response is returned. For
// asynchronous and dry-run invocations the result is always nil and the
// response payload is never inspected.
func (c *Client) Invoke(
	ctx context.Context,
	functionRef string,
	event any,
	opts *domain.InvocationOptions,
) (any, error) {
	if functionRef == "" {
		return nil, ErrEmptyFunctionRef
	}

	payload, err := encodeEvent(event)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", functionRef, err)
	}

	req := &Request{
		FunctionName:   functionRef,
		InvocationType: opts.Type(),
		Payload:        payload,
	}

	start := time.Now()
	result, err := c.call(ctx, req)
	metrics.InvocationDuration.WithLabelValues(string(req.InvocationType)).
		Observe(time.Since(start).Seconds())
	metrics.Invocations.WithLabelValues(string(req.InvocationType), outcome(err)).Inc()

	return result, err
}

func (c *Client) call(ctx context.Context, req *Request) (any, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.backend.Invoke(ctx, req)

		if rateLimited(resp, err) {
			if attempt >= c.cfg.MaxRetries {
				return nil, rateLimitError(req.FunctionName, attempt+1)
			}

			delay := c.Backoff(attempt)
			c.log.Debug("Invocation rate limited, backing off",
				"function", req.FunctionName,
				"attempt", attempt,
				"delay", delay,
			)
			metrics.RateLimitRetries.Inc()

			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if err != nil {
			var be *BackendError
			if errors.As(err, &be) {
				return nil, transportError(req.FunctionName, be)
			}
			return nil, err
		}

		return decodeResponse(req, resp)
	}
}

// maxBackoffMs is the longest wait a time.Duration can hold, in milliseconds.
const maxBackoffMs = float64(math.MaxInt64 / int64(time.Millisecond))

// Backoff returns the wait before retrying after the given 0-indexed attempt.
// The result lies in [0, BaseDelay * 2^attempt], with the ceiling capped at
// the largest representable duration.
func (c *Client) Backoff(attempt int) time.Duration {
	ceiling := math.Min(float64(c.cfg.BaseDelay.Milliseconds())*math.Pow(2, float64(attempt)), maxBackoffMs)
	ms := math.Min(math.Ceil(c.rand()*ceiling), maxBackoffMs)
	return time.Duration(ms) * time.Millisecond
}

func rateLimited(resp *Response, err error) bool {
	if err != nil {
		var be *BackendError
		return errors.As(err, &be) && be.RateLimited()
	}
	return resp != nil && resp.StatusCode == http.StatusTooManyRequests
}

func decodeResponse(req *Request, resp *Response) (any, error) {
	if !req.InvocationType.Synchronous() {
		return nil, nil
	}

	var raw []byte
	if resp != nil {
		raw = resp.Payload
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, parseError(req.FunctionName, raw, err)
	}

	if obj, ok := value.(map[string]any); ok && carriesError(obj) {
		return nil, remoteFunctionError(req.FunctionName, obj)
	}
	return value, nil
}

func carriesError(obj map[string]any) bool {
	return present(obj["errorType"]) || present(obj["errorMessage"])
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

func encodeEvent(event any) ([]byte, error) {
	switch e := event.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(e) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(e) {
			return nil, errors.New("event is not valid JSON")
		}
		return e, nil
	default:
		return json.Marshal(event)
	}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind, ok := KindOf(err); ok {
		return kind.String()
	}
	return "error"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
