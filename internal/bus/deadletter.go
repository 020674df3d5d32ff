package bus

import (
	"context"
	"strconv"
	"time"

	"github.com/tradekit/streambus/internal/bus/envelope"
	registrypkg "github.com/tradekit/streambus/internal/bus/registry"
)

// Extra fields stamped onto dead letter entries alongside the original
// envelope fields.
const (
	deadFieldOriginStream = "origin_stream"
	deadFieldOriginID     = "origin_id"
	deadFieldReason       = "reason"
	deadFieldRetryCount   = "retry_count"
	deadFieldMovedAt      = "moved_at"
)

// DeadLetter is one entry on a dead letter stream: the original envelope
// plus the metadata recorded when it was moved.
type DeadLetter struct {
	// ID is the entry id on the dead letter stream itself.
	ID string

	// OriginStream and OriginID locate the entry that failed.
	OriginStream string
	OriginID     string

	// Reason is the classified failure that exhausted the retry budget.
	Reason FailureKind

	// RetryCount is the number of handler invocations attempted before the
	// move. Zero for entries that could never be decoded.
	RetryCount int64

	// MovedAt is when the retry coordinator gave up on the entry.
	MovedAt time.Time

	// Envelope is the original payload, when it could be decoded. Nil for
	// entries dead-lettered because decoding failed; inspect Raw instead.
	Envelope *envelope.Envelope

	// Raw holds the stored field values verbatim.
	Raw map[string]string
}

// DeadLetters returns up to count entries from the dead letter stream of
// logicalStream, oldest first. It is a read-only inspection surface; entries
// stay on the stream until an operator replays or purges them.
func (b *Bus) DeadLetters(ctx context.Context, logicalStream string, count int64) ([]DeadLetter, error) {
	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return nil, err
	}

	entries, err := b.log.Range(ctx, registrypkg.DeadLetter(descriptor.Name), "-", "+", count)
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		letter := DeadLetter{
			ID:           entry.ID,
			OriginStream: entry.Values[deadFieldOriginStream],
			OriginID:     entry.Values[deadFieldOriginID],
			Reason:       FailureKind(entry.Values[deadFieldReason]),
			Raw:          entry.Values,
		}
		if n, parseErr := strconv.ParseInt(entry.Values[deadFieldRetryCount], 10, 64); parseErr == nil {
			letter.RetryCount = n
		}
		if ms, parseErr := strconv.ParseInt(entry.Values[deadFieldMovedAt], 10, 64); parseErr == nil {
			letter.MovedAt = time.UnixMilli(ms).UTC()
		}

		// Best effort: entries moved for deserialization failures will not
		// decode here either.
		if env, decodeErr := b.codec.Decode(letter.OriginID, entry.Values); decodeErr == nil {
			letter.Envelope = env
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// DeadLetterDepth reports how many entries sit on the dead letter stream of
// logicalStream.
func (b *Bus) DeadLetterDepth(ctx context.Context, logicalStream string) (int64, error) {
	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return 0, err
	}
	return b.log.Len(ctx, registrypkg.DeadLetter(descriptor.Name))
}
