// Package store defines the append-only log primitive the event bus is built
// on. Each backend implementation (redis, memory) lives in its own sub-package
// and exposes a constructor returning a Log.
//
// All mutation the bus performs (append, ack, claim) goes through these
// operations, which every backend must implement atomically per entry. The bus
// layer itself keeps no locks over stream state.
package store

import (
	"context"
	"errors"
	"time"
)

// Entry is a single record read from a stream. Values holds the flat wire
// fields exactly as they were appended.
type Entry struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes a delivered-but-unacknowledged entry tracked by a
// consumer group.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// GroupInfo is the durable state of a consumer group over one stream.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	Lag             int64
	LastDeliveredID string
}

// AppendOptions controls retention trimming applied alongside an append.
// MaxLen <= 0 disables trimming. Approximate allows the backend to trim
// lazily for better performance.
type AppendOptions struct {
	MaxLen      int64
	Approximate bool
}

var (
	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("store: log is closed")

	// ErrNoGroup is returned when a group operation references a consumer
	// group that was never created on the stream.
	ErrNoGroup = errors.New("store: consumer group does not exist")
)

// Log is the persistent append-only log primitive backing the bus.
//
// Implementations must be safe for concurrent use from multiple goroutines;
// Claim in particular must guarantee that concurrent claimers of the same
// entry see exactly one winner.
type Log interface {
	// Append adds the field set to the named stream and returns the assigned
	// entry ID. IDs are monotonically increasing within a stream.
	Append(ctx context.Context, stream string, values map[string]string, opts AppendOptions) (string, error)

	// EnsureGroup creates a durable consumer group reading from the start of
	// the stream, creating the stream if needed. Calling it again with the
	// same arguments is a no-op.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers up to count undelivered entries to the consumer on
	// behalf of the group, blocking up to block for new entries. A zero block
	// returns immediately. Returned entries become pending for the consumer.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack removes entries from the group's pending set.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending lists up to count pending entries that have been idle for at
	// least minIdle, oldest first.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)

	// Claim transfers ownership of the given pending entries to consumer,
	// provided each has been idle for at least minIdle. Entries claimed by
	// another consumer in the meantime are silently skipped. Claiming
	// increments the entry's delivery count and resets its idle clock.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error)

	// Len returns the number of entries currently retained in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Groups reports the consumer groups registered on the stream.
	Groups(ctx context.Context, stream string) ([]GroupInfo, error)

	// Range reads up to count entries in ID order, inclusive of start and
	// end. The sentinels "-" and "+" select the stream's first and last IDs.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}
