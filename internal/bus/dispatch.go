package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/tradekit/streambus/internal/bus/errors"
	"github.com/tradekit/streambus/internal/bus/envelope"
	registrypkg "github.com/tradekit/streambus/internal/bus/registry"
	"github.com/tradekit/streambus/store"
)

// Start begins a dispatch loop for one (stream, consumer) pair reading on
// behalf of group. The loop runs until ctx is cancelled or the bus closes;
// it finishes the in-flight read/handler cycle on shutdown and leaves
// unacknowledged work pending for reclaim after restart.
func (b *Bus) Start(ctx context.Context, logicalStream, group, consumer string) error {
	if b.closed.Load() {
		return errspkg.ErrBusClosed
	}
	if consumer == "" {
		return errspkg.ErrConsumerRequired
	}

	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return err
	}
	if err := b.log.EnsureGroup(ctx, descriptor.Name, group); err != nil {
		return err
	}

	loopCtx, cancel := b.scopedContext(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		b.dispatchLoop(loopCtx, descriptor.Name, group, consumer)
	}()

	b.logger.Info("dispatch loop started",
		"stream", descriptor.Name, "group", group, "consumer", consumer)
	return nil
}

func (b *Bus) dispatchLoop(ctx context.Context, stream, group, consumer string) {
	logger := b.logger.With("stream", stream, "group", group, "consumer", consumer)

	// Read errors are treated as transient store outages: back off and keep
	// retrying rather than exiting the loop.
	readBackoff := backoff.NewExponentialBackOff()
	readBackoff.InitialInterval = 100 * time.Millisecond
	readBackoff.MaxInterval = 30 * time.Second

	// Bounded worker pool so one slow handler cannot starve the rest of the
	// batch.
	sem := make(chan struct{}, b.conf.DispatchConcurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := b.log.ReadGroup(ctx, stream, group, consumer, b.conf.DispatchBatchSize, b.conf.DispatchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, store.ErrNoGroup) {
				// The group can disappear if the store was rebuilt; recreate
				// and continue.
				ensureErr := b.log.EnsureGroup(ctx, stream, group)
				if ensureErr == nil {
					readBackoff.Reset()
					continue
				}
				// Fall through to the backoff wait so a half-up store does
				// not spin the loop hot.
				logger.Error("failed to recreate consumer group", "error", ensureErr)
			}

			wait := readBackoff.NextBackOff()
			logger.Error("read failed, backing off", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		readBackoff.Reset()

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}

			inflight.Add(1)
			go func(entry store.Entry) {
				defer inflight.Done()
				defer func() { <-sem }()
				b.processEntry(ctx, stream, group, entry)
			}(entry)
		}
	}
}

// processEntry decodes and handles one delivered entry. Success acknowledges
// it; failure records the classified reason and leaves it pending for the
// retry sweep. Undecodable entries short-circuit straight to the dead letter
// stream.
func (b *Bus) processEntry(ctx context.Context, stream, group string, entry store.Entry) {
	env, err := b.codec.Decode(entry.ID, entry.Values)
	if err != nil {
		b.logger.Error("malformed entry, dead-lettering",
			"stream", stream, "entry_id", entry.ID, "error", err)
		b.metrics.recordHandled(stream, FailureDeserialization, 0)
		if dlErr := b.deadLetterEntry(ctx, stream, group, entry, FailureDeserialization, 0); dlErr != nil {
			b.logger.Error("failed to dead-letter malformed entry",
				"stream", stream, "entry_id", entry.ID, "error", dlErr)
		}
		return
	}

	start := time.Now()
	err = b.invokeHandler(ctx, stream, env)
	elapsed := time.Since(start)

	if err == nil {
		b.metrics.recordHandled(stream, "", elapsed)
		b.clearFailure(stream, group, entry.ID)
		if ackErr := b.log.Ack(ctx, stream, group, entry.ID); ackErr != nil {
			// The handler succeeded but the ack was lost; the entry will be
			// redelivered, which idempotent handlers absorb.
			b.logger.Error("ack failed", "stream", stream, "entry_id", entry.ID, "error", ackErr)
		}
		return
	}

	kind := Classify(err)
	b.metrics.recordHandled(stream, kind, elapsed)
	b.recordFailure(stream, group, entry.ID, kind)
	b.logger.Error("handler failed, leaving entry pending",
		"stream", stream,
		"entry_id", entry.ID,
		"type", env.Type,
		"reason", string(kind),
		"retry_count", env.RetryCount,
		"error", err,
	)
}

// invokeHandler runs the registered handler for the envelope's logical type
// under the configured timeout, converting panics and missing handlers into
// classified failures.
func (b *Bus) invokeHandler(ctx context.Context, stream string, env *envelope.Envelope) error {
	handler, ok := b.handler(env.Type)
	if !ok {
		// A consumer deployed without this handler must not silently ack
		// the entry; leave it for retry and, eventually, the dead letter
		// stream.
		return Failf(FailureHandlerException, "no handler registered for type %q", env.Type)
	}

	handlerCtx, cancel := context.WithTimeout(ctx, b.conf.HandlerTimeout)
	defer cancel()

	tracer := otel.Tracer("streambus")
	handlerCtx, span := tracer.Start(handlerCtx, "streambus.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.stream", stream),
		attribute.String("messaging.type", env.Type),
		attribute.String("messaging.entry_id", env.ID),
		attribute.String("messaging.correlation_id", env.CorrelationID),
	)
	defer span.End()

	done := make(chan error, 1)
	go func() {
		done <- safeInvoke(handlerCtx, handler, env)
	}()

	var invokeErr error
	select {
	case invokeErr = <-done:
	case <-handlerCtx.Done():
		if errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			invokeErr = Fail(FailureTimeout, handlerCtx.Err())
		} else {
			invokeErr = handlerCtx.Err()
		}
	}
	if invokeErr != nil {
		span.RecordError(invokeErr)
		span.SetStatus(codes.Error, string(Classify(invokeErr)))
	}
	return invokeErr
}

func safeInvoke(ctx context.Context, handler Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = Failf(FailureUnknown, "handler panicked: %v", recovered)
		}
	}()
	return handler(ctx, env)
}

// deadLetterEntry copies the entry into the stream's dead letter sibling
// with failure metadata and acknowledges the original so it stops occupying
// the pending set.
func (b *Bus) deadLetterEntry(ctx context.Context, stream, group string, entry store.Entry, reason FailureKind, finalRetryCount int64) error {
	values := make(map[string]string, len(entry.Values)+5)
	for k, v := range entry.Values {
		values[k] = v
	}
	values[deadFieldOriginStream] = stream
	values[deadFieldOriginID] = entry.ID
	values[deadFieldReason] = string(reason)
	values[deadFieldRetryCount] = fmt.Sprintf("%d", finalRetryCount)
	values[deadFieldMovedAt] = fmt.Sprintf("%d", time.Now().UTC().UnixMilli())

	// Dead letter streams are never trimmed automatically; operators replay
	// or purge them explicitly.
	deadStream := registrypkg.DeadLetter(stream)
	if _, err := b.log.Append(ctx, deadStream, values, store.AppendOptions{}); err != nil {
		return err
	}

	b.metrics.recordDeadLetter(stream, reason)
	b.clearFailure(stream, group, entry.ID)
	return b.log.Ack(ctx, stream, group, entry.ID)
}
