package sink

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorKind string

const (
	// KindTransient failures (timeouts, 5xx, rate limits) are retried with
	// backoff and, once attempts are exhausted, deferred to the next tick.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures (other 4xx, malformed requests) are never
	// retried; they need operator attention.
	KindPermanent ErrorKind = "permanent"
)

type DeliveryError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("delivery failed (%s): HTTP %d: %s", e.Kind, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("delivery failed (%s): HTTP %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP response to the delivery error taxonomy. Any 2xx
// means the batch was durably accepted.
func ClassifyStatus(statusCode int, body string) *DeliveryError {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return &DeliveryError{Kind: KindTransient, StatusCode: statusCode, Body: body}
	default:
		return &DeliveryError{Kind: KindPermanent, StatusCode: statusCode, Body: body}
	}
}

// Retryable reports whether an error is worth another attempt.
func Retryable(err error) bool {
	var dErr *DeliveryError
	if errors.As(err, &dErr) {
		return dErr.Kind == KindTransient
	}
	return true
}

const maxBackoff = 2 * time.Minute

// Backoff returns the delay before retry attempt n (zero-based): base doubled
// per attempt, capped at maxBackoff.
func Backoff(attempt uint, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := uint(0); i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
