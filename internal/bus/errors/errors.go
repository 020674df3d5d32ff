package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrStoreRequired    = sterrors.New("streambus: log store is required")
	ErrConfigRequired   = sterrors.New("streambus: config is required")
	ErrLoggerRequired   = sterrors.New("streambus: logger is required")
	ErrHandlerRequired  = sterrors.New("streambus: handler function is required")
	ErrTypeRequired     = sterrors.New("streambus: logical message type is required")
	ErrConsumerRequired = sterrors.New("streambus: consumer identity is required")
	ErrBusClosed        = sterrors.New("streambus: bus is closed")
)

// UnknownStreamError reports a logical stream name with no registered
// descriptor. It indicates a programmer error and is never retried.
type UnknownStreamError struct {
	Name string
}

func (e *UnknownStreamError) Error() string {
	return fmt.Sprintf("streambus: unknown stream %q", e.Name)
}

// MalformedEnvelopeError reports a wire entry that cannot be decoded into an
// envelope. Entries producing it are acknowledged immediately and moved to
// the dead letter stream, bypassing the retry budget.
type MalformedEnvelopeError struct {
	EntryID string
	Field   string
	Err     error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("streambus: malformed envelope %s: field %q: %v", e.EntryID, e.Field, e.Err)
	}
	return fmt.Sprintf("streambus: malformed envelope %s: %v", e.EntryID, e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// PublishUnavailableError reports that the log store stayed unreachable for
// the whole bounded publish retry budget. The caller owns re-publication.
type PublishUnavailableError struct {
	Stream   string
	Attempts int
	Err      error
}

func (e *PublishUnavailableError) Error() string {
	return fmt.Sprintf("streambus: publish to %q unavailable after %d attempts: %v", e.Stream, e.Attempts, e.Err)
}

func (e *PublishUnavailableError) Unwrap() error { return e.Err }
