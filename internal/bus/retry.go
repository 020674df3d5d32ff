package bus

import (
	"context"
	"errors"
	"time"

	"github.com/tradekit/streambus/store"
)

// sweepLoop periodically scans every registered stream for pending entries
// that went stale, redelivering those still inside the retry budget and
// dead-lettering the rest. One sweeper per bus instance is enough; multiple
// instances race safely because claims are atomic.
func (b *Bus) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.conf.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(ctx)
		}
	}
}

func (b *Bus) sweepOnce(ctx context.Context) {
	consumer := b.conf.ServiceName + "-sweeper"

	for _, stream := range b.registry.Streams() {
		group, err := b.registry.Group(stream)
		if err != nil || group == "" {
			continue
		}
		if err := b.sweepStream(ctx, stream, group, consumer); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, store.ErrNoGroup) {
				// No consumer has attached yet; nothing to sweep.
				continue
			}
			b.logger.Error("retry sweep failed", "stream", stream, "group", group, "error", err)
		}
	}
}

func (b *Bus) sweepStream(ctx context.Context, stream, group, consumer string) error {
	pending, err := b.log.Pending(ctx, stream, group, b.conf.IdleThreshold, b.conf.DispatchBatchSize)
	if err != nil {
		return err
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if p.DeliveryCount >= int64(b.conf.MaxAttempts) {
			b.escalate(ctx, stream, group, consumer, p.ID, p.DeliveryCount)
			continue
		}

		// Entries back off exponentially between redeliveries: the claim
		// only succeeds once the entry has idled past the delay for its
		// delivery count, so fresh failures are not hammered.
		minIdle := b.conf.IdleThreshold
		if delay := b.backoffFor(p.DeliveryCount); delay > minIdle {
			minIdle = delay
		}

		claimed, err := b.log.Claim(ctx, stream, group, consumer, minIdle, []string{p.ID})
		if err != nil {
			b.logger.Error("claim for redelivery failed",
				"stream", stream, "group", group, "entry_id", p.ID, "error", err)
			continue
		}
		if len(claimed) == 0 {
			// Still inside its backoff window, claimed by a competing
			// sweeper, or trimmed out from under the pending set.
			continue
		}

		b.metrics.recordReclaimed(stream, group, len(claimed))
		b.logger.Info("redelivering stale entry",
			"stream", stream, "group", group, "entry_id", p.ID,
			"delivery_count", p.DeliveryCount+1)
		b.processEntry(ctx, stream, group, claimed[0])
	}
	return nil
}

// escalate moves an entry that exhausted its retry budget onto the dead
// letter stream, claiming it first so the values travel with the move.
func (b *Bus) escalate(ctx context.Context, stream, group, consumer, id string, deliveryCount int64) {
	claimed, err := b.log.Claim(ctx, stream, group, consumer, b.conf.IdleThreshold, []string{id})
	if err != nil {
		b.logger.Error("claim for dead-letter failed",
			"stream", stream, "group", group, "entry_id", id, "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	reason := b.takeFailure(stream, group, id)
	b.logger.Warn("retry budget exhausted, dead-lettering",
		"stream", stream, "group", group, "entry_id", id,
		"delivery_count", deliveryCount, "reason", string(reason))

	if err := b.deadLetterEntry(ctx, stream, group, claimed[0], reason, deliveryCount); err != nil {
		b.logger.Error("failed to dead-letter entry",
			"stream", stream, "group", group, "entry_id", id, "error", err)
	}
}

// backoffFor returns the redelivery delay for an entry already delivered
// deliveryCount times: base doubled per prior delivery, capped.
func (b *Bus) backoffFor(deliveryCount int64) time.Duration {
	if deliveryCount < 1 {
		deliveryCount = 1
	}
	delay := b.conf.BackoffBase
	for i := int64(1); i < deliveryCount; i++ {
		delay *= 2
		if delay >= b.conf.BackoffCap {
			return b.conf.BackoffCap
		}
	}
	if delay > b.conf.BackoffCap {
		return b.conf.BackoffCap
	}
	return delay
}
