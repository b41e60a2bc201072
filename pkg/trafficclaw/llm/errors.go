package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrProviderExhausted is returned when every configured provider failed
// for a single request.
var ErrProviderExhausted = errors.New("all llm providers failed")

// ErrorKind classifies provider errors for logs and metrics.
type ErrorKind int

const (
	KindRetryable  ErrorKind = iota // transient 5xx
	KindRateLimit                   // 429
	KindOverloaded                  // 529 or "overloaded" in body
	KindTimeout                     // deadline exceeded
	KindAuth                        // 401, 403
	KindBilling                     // 402 or quota messages
	KindContext                     // context length exceeded
	KindBadRequest                  // 400
	KindMalformed                   // response could not be parsed
	KindFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRateLimit:
		return "rate_limit"
	case KindOverloaded:
		return "overloaded"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindBilling:
		return "billing"
	case KindContext:
		return "context"
	case KindBadRequest:
		return "bad_request"
	case KindMalformed:
		return "malformed_response"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProviderError is the error every adapter returns.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ExhaustedError carries the attempts made before giving up.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Outcome))
	}
	return fmt.Sprintf("%v: %s", ErrProviderExhausted, strings.Join(parts, ", "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrProviderExhausted
}

// classifyAPIError determines the error kind from status code and response
// body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return KindContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return KindBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") ||
		strings.Contains(bodyLower, "resource_exhausted") {
		return KindRateLimit
	}

	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "capacity") {
		return KindOverloaded
	}

	if statusCode == 408 || statusCode == 504 ||
		strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return KindTimeout
	}

	switch statusCode {
	case 400, 404, 422:
		return KindBadRequest
	case 401, 403:
		return KindAuth
	default:
		if statusCode >= 500 {
			return KindRetryable
		}
		return KindFatal
	}
}

// transportError wraps an error that happened before any HTTP status was
// available (dial failure, deadline, canceled request).
func transportError(provider string, err error) *ProviderError {
	kind := KindRetryable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// statusError builds a ProviderError from an HTTP status and message.
func statusError(provider string, status int, msg string, err error) *ProviderError {
	if err == nil {
		err = errors.New(truncate(msg, 200))
	}
	return &ProviderError{
		Provider:   provider,
		Kind:       classifyAPIError(status, msg),
		StatusCode: status,
		Err:        err,
	}
}

// isTimeout reports whether err represents an exceeded deadline.
func isTimeout(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind == KindTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
