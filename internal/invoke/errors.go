package invoke

import (
	"errors"
	"fmt"
)

// ErrEmptyFunctionRef is returned before any call is made when no function
// reference is given.
var ErrEmptyFunctionRef = errors.New("function reference is required")

// Kind discriminates the failure variants of an invocation.
type Kind int

const (
	// KindRemoteFunction: the function ran and its response encodes an error.
	KindRemoteFunction Kind = iota + 1
	// KindTransport: the backend rejected the call before a function-level response.
	KindTransport
	// KindRateLimitExceeded: every attempt through MaxRetries was rate limited.
	KindRateLimitExceeded
	// KindPayloadParse: a synchronous response could not be parsed.
	KindPayloadParse
)

func (k Kind) String() string {
	switch k {
	case KindRemoteFunction:
		return "remote_function"
	case KindTransport:
		return "transport"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindPayloadParse:
		return "payload_parse"
	default:
		return "unknown"
	}
}

// RemoteFunctionFailure carries the original response payload.
type RemoteFunctionFailure struct {
	Response map[string]any
}

// ErrorType returns the errorType field of the response, if any.
func (f *RemoteFunctionFailure) ErrorType() string {
	s, _ := f.Response["errorType"].(string)
	return s
}

// ErrorMessage returns the errorMessage field of the response, if any.
func (f *RemoteFunctionFailure) ErrorMessage() string {
	s, _ := f.Response["errorMessage"].(string)
	return s
}

// TransportFailure describes a call rejected by the backend.
type TransportFailure struct {
	Message    string
	Code       string
	StatusCode int // 0 when unknown
}

// RateLimitFailure records how many calls were made before giving up.
type RateLimitFailure struct {
	Attempts int
}

// ParseFailure keeps the raw payload that failed to parse.
type ParseFailure struct {
	Raw []byte
}

// Error is the typed failure returned by Client.Invoke. Exactly one of the
// detail fields is set, matching Kind.
type Error struct {
	Kind        Kind
	FunctionRef string

	Remote    *RemoteFunctionFailure
	Transport *TransportFailure
	RateLimit *RateLimitFailure
	Parse     *ParseFailure

	err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemoteFunction:
		msg := e.Remote.ErrorMessage()
		if t := e.Remote.ErrorType(); t != "" {
			msg = t + ": " + msg
		}
		return fmt.Sprintf("function %s returned an error: %s", e.FunctionRef, msg)
	case KindTransport:
		if e.Transport.StatusCode != 0 {
			return fmt.Sprintf("invoke %s rejected (%s, status %d): %s",
				e.FunctionRef, e.Transport.Code, e.Transport.StatusCode, e.Transport.Message)
		}
		return fmt.Sprintf("invoke %s rejected (%s): %s",
			e.FunctionRef, e.Transport.Code, e.Transport.Message)
	case KindRateLimitExceeded:
		return fmt.Sprintf("invoke %s: rate limit exceeded after %d attempts",
			e.FunctionRef, e.RateLimit.Attempts)
	case KindPayloadParse:
		return fmt.Sprintf("invoke %s: parse response payload %q: %v",
			e.FunctionRef, e.Parse.Raw, e.err)
	default:
		return fmt.Sprintf("invoke %s failed", e.FunctionRef)
	}
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf reports the Kind of err if it wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

func remoteFunctionError(ref string, response map[string]any) *Error {
	return &Error{
		Kind:        KindRemoteFunction,
		FunctionRef: ref,
		Remote:      &RemoteFunctionFailure{Response: response},
	}
}

func transportError(ref string, be *BackendError) *Error {
	return &Error{
		Kind:        KindTransport,
		FunctionRef: ref,
		Transport: &TransportFailure{
			Message:    be.Message,
			Code:       be.Code,
			StatusCode: be.StatusCode,
		},
		err: be,
	}
}

func rateLimitError(ref string, attempts int) *Error {
	return &Error{
		Kind:        KindRateLimitExceeded,
		FunctionRef: ref,
		RateLimit:   &RateLimitFailure{Attempts: attempts},
	}
}

func parseError(ref string, raw []byte, cause error) *Error {
	return &Error{
		Kind:        KindPayloadParse,
		FunctionRef: ref,
		Parse:       &ParseFailure{Raw: raw},
		err:         cause,
	}
}
