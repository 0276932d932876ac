package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrNetwork indicates the request never got an HTTP response.
	ErrNetwork = errors.New("network error")

	// ErrTimeout indicates the per-request timeout elapsed. It is handled
	// exactly like ErrNetwork.
	ErrTimeout = errors.New("request timed out")

	// ErrNotFound indicates the entity does not exist remotely (HTTP 404).
	ErrNotFound = errors.New("remote entity not found")
)

// StatusError is a non-2xx response from the remote service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// IsRetryable reports whether a later attempt of the same request may succeed.
// Network failures, timeouts, 408, 429 and 5xx responses are retryable; other
// status errors are rejections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout ||
			se.Code == http.StatusTooManyRequests ||
			se.Code >= 500
	}
	return false
}

// IsNetwork reports whether err means the service could not be reached.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// classifyTransport maps a failed round trip onto ErrNetwork or ErrTimeout.
func classifyTransport(ctx context.Context, reqCtx context.Context, err error) error {
	if ctx.Err() != nil {
		// The caller gave up; report that rather than a transport failure.
		return fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
	}
	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
