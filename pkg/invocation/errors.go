package invocation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind subdivides failures for retry and breaker accounting.
type ErrorKind string

const (
	// ErrKindTransient marks failures worth retrying (network, timeout).
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent marks failures that will not succeed on retry
	// (invalid arguments, unknown tool). Never counted against breakers.
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindQueueFull marks rejection due to the queue bound.
	ErrKindQueueFull ErrorKind = "queue_full"
	// ErrKindResourceExhausted marks rejection by the resource monitor gate.
	ErrKindResourceExhausted ErrorKind = "resource_exhausted"
	// ErrKindCircuitOpen marks fail-fast rejection by an open breaker.
	ErrKindCircuitOpen ErrorKind = "circuit_open"
	// ErrKindCancelled marks cooperative cancellation.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindDeadline marks a per-request deadline expiry.
	ErrKindDeadline ErrorKind = "deadline"
)

// KindError carries an ErrorKind alongside the underlying cause.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a transient failure.
func NewTransient(err error) error {
	return &KindError{Kind: ErrKindTransient, Err: err}
}

// NewPermanent wraps err as a permanent failure.
func NewPermanent(err error) error {
	return &KindError{Kind: ErrKindPermanent, Err: err}
}

// NewRejection builds a rejection error of the given kind.
func NewRejection(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Sentinel errors used across the engine.
var (
	ErrQueueFull         = NewRejection(ErrKindQueueFull, "dispatch queue is full")
	ErrResourceExhausted = NewRejection(ErrKindResourceExhausted, "resource monitor refusing work")
	ErrCancelled         = &KindError{Kind: ErrKindCancelled, Err: errors.New("request cancelled before dispatch")}
	ErrEngineClosed      = NewPermanent(errors.New("engine is shut down"))
)

// KindOf returns the ErrorKind for err, classifying unwrapped errors by shape:
// context/timeout errors are deadline or cancellation, net errors transient,
// everything else defaults to transient so the breaker sees genuine downstream
// trouble and the retry loop gets a chance.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindDeadline
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrKindTransient
	}

	return ErrKindTransient
}

// IsTransient reports whether err should count toward breaker thresholds and
// be retried. Deadline expiries count as transient for breaker accounting.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case ErrKindTransient, ErrKindDeadline:
		return true
	default:
		return false
	}
}

// IsRejection reports whether err is a synchronous admission rejection.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case ErrKindQueueFull, ErrKindResourceExhausted, ErrKindCircuitOpen:
		return true
	default:
		return false
	}
}
