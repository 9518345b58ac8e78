package invoke

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

// CodeTooManyRequests is the error code backends use for throttled calls.
const CodeTooManyRequests = "TooManyRequestsException"

// Request is a single remote call.
type Request struct {
	FunctionName   string
	InvocationType domain.InvocationType
	Payload        []byte
}

// Response is what the backend returns when the call itself was accepted.
type Response struct {
	StatusCode    int
	Payload       []byte
	FunctionError string
}

// Backend performs the remote invocation. Implementations report calls the
// service rejected as *BackendError.
type Backend interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// BackendError is a call rejected by the backend with a string error code.
type BackendError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the error is a throttling response.
func (e *BackendError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == CodeTooManyRequests
}
