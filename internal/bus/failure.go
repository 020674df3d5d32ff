package bus

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/tradekit/streambus/internal/bus/errors"
)

// FailureKind classifies why a delivery failed. Retry and dead-letter policy
// is a pure function of the kind and the current attempt count.
type FailureKind string

const (
	// FailureHandlerException covers business-logic errors returned by a
	// handler. Retried with backoff up to the attempt ceiling.
	FailureHandlerException FailureKind = "handler-exception"

	// FailureTimeout covers handler invocations that exceeded the configured
	// timeout. Retried like handler exceptions.
	FailureTimeout FailureKind = "timeout"

	// FailureDeserialization covers entries that cannot be decoded. Never
	// retried; dead-lettered immediately.
	FailureDeserialization FailureKind = "deserialization-error"

	// FailureUnknown covers panics and failures whose classification was
	// lost, for example after a consumer restart.
	FailureUnknown FailureKind = "unknown"
)

// HandlerFailure carries an explicit classification through a handler's error
// return. Handlers that want control over retry policy wrap their errors with
// Fail or Failf; plain errors classify as handler-exception.
type HandlerFailure struct {
	Kind FailureKind
	Err  error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// Fail wraps err with an explicit failure classification.
func Fail(kind FailureKind, err error) error {
	return &HandlerFailure{Kind: kind, Err: err}
}

// Failf is Fail with formatting.
func Failf(kind FailureKind, format string, args ...any) error {
	return &HandlerFailure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps a delivery error onto its failure kind.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}

	var handlerFailure *HandlerFailure
	if errors.As(err, &handlerFailure) {
		return handlerFailure.Kind
	}

	var malformed *errspkg.MalformedEnvelopeError
	if errors.As(err, &malformed) {
		return FailureDeserialization
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	return FailureHandlerException
}
