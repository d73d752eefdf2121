package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited means the upstream throttled the request
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrUnauthorized means the upstream rejected the credential
	ErrUnauthorized = errors.New("credential rejected by upstream")
)

// TransientError is any failure that is neither throttling nor an authorization problem:
// network errors, unexpected statuses, unparsable responses
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Classify converts the outcome of an HTTP call into the error taxonomy. A zero status means
// no response was received.
func Classify(op string, statusCode int, err error) error {
	switch statusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	if err == nil && (statusCode == 0 || statusCode >= 200 && statusCode < 300) {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("unexpected status %s", http.StatusText(statusCode))
	}
	// already classified errors pass through
	if IsRateLimited(err) || IsUnauthorized(err) || IsTransient(err) {
		return err
	}
	return &TransientError{Op: op, StatusCode: statusCode, Err: err}
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// Outcome is a short label of the error class, used in logs and metrics
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsRateLimited(err):
		return "rate_limited"
	case IsUnauthorized(err):
		return "unauthorized"
	default:
		return "transient"
	}
}
