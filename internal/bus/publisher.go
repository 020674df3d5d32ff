package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/tradekit/streambus/internal/bus/errors"
	"github.com/tradekit/streambus/internal/bus/envelope"
	"github.com/tradekit/streambus/internal/bus/ids"
	"github.com/tradekit/streambus/internal/bus/jsoncodec"
	"github.com/tradekit/streambus/store"
)

// PublishOption customises a single publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	correlationID string
	version       int
}

// WithCorrelationID links a command to its eventual result on a paired
// result stream. Callers expecting a reply must set it.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithVersion overrides the envelope schema version (default 1).
func WithVersion(version int) PublishOption {
	return func(o *publishOptions) { o.version = version }
}

// NewCorrelationID mints a correlation ID for callers that expect a reply.
func NewCorrelationID() string {
	return ids.NewULID()
}

// Publish appends an envelope of the given logical type to a stream and
// returns the log-assigned entry ID. The payload is marshalled to JSON
// unless it already is raw JSON bytes.
//
// The append is durable once acknowledged by the store. While the store is
// unreachable the call retries a bounded number of times and then fails with
// PublishUnavailableError; a crash between store accept and ack means the
// caller may republish, so producers are at-least-once too.
func (b *Bus) Publish(ctx context.Context, logicalStream, logicalType string, payload any, opts ...PublishOption) (string, error) {
	if b.closed.Load() {
		return "", errspkg.ErrBusClosed
	}
	if logicalType == "" {
		return "", errspkg.ErrTypeRequired
	}

	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return "", err
	}

	options := publishOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	env := &envelope.Envelope{
		UID:           ids.NewULID(),
		Type:          logicalType,
		Payload:       raw,
		CorrelationID: options.correlationID,
		Source:        b.conf.ServiceName,
		ProducedAt:    time.Now().UTC(),
		Version:       options.version,
	}

	values, err := b.codec.Encode(env)
	if err != nil {
		return "", err
	}

	appendOpts := store.AppendOptions{
		MaxLen:      descriptor.MaxLen,
		Approximate: descriptor.ApproximateTrim,
	}

	retryPolicy := backoff.NewExponentialBackOff()
	retryPolicy.InitialInterval = b.conf.PublishRetryInterval
	retryPolicy.MaxInterval = b.conf.PublishRetryInterval * 4

	id, err := backoff.Retry(ctx, func() (string, error) {
		assigned, appendErr := b.log.Append(ctx, descriptor.Name, values, appendOpts)
		if appendErr != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(appendErr)
			}
			return "", appendErr
		}
		return assigned, nil
	}, backoff.WithBackOff(retryPolicy), backoff.WithMaxTries(uint(b.conf.PublishAttempts)))
	if err != nil {
		b.logger.Error("publish failed", "stream", descriptor.Name, "type", logicalType, "error", err)
		return "", &errspkg.PublishUnavailableError{
			Stream:   descriptor.Name,
			Attempts: b.conf.PublishAttempts,
			Err:      err,
		}
	}

	b.metrics.recordPublished(descriptor.Name)
	b.logger.Debug("published envelope",
		"stream", descriptor.Name,
		"type", logicalType,
		"entry_id", id,
		"correlation_id", options.correlationID,
	)
	return id, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return jsoncodec.Marshal(payload)
	}
}
