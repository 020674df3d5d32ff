package bus

import (
	"context"
	"time"

	"github.com/tradekit/streambus/internal/bus/envelope"
	"github.com/tradekit/streambus/store"
)

// EnsureGroup creates the durable consumer group for a stream. Creation is
// idempotent; a second call with the same arguments is a no-op. The group
// persists across consumer restarts so in-flight work is never silently
// dropped.
func (b *Bus) EnsureGroup(ctx context.Context, logicalStream, group string) error {
	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return err
	}
	return b.log.EnsureGroup(ctx, descriptor.Name, group)
}

// GroupLag reports how many entries were appended after the group's
// last-delivered position and remain undelivered.
func (b *Bus) GroupLag(ctx context.Context, logicalStream, group string) (int64, error) {
	info, err := b.groupInfo(ctx, logicalStream, group)
	if err != nil {
		return 0, err
	}
	return info.Lag, nil
}

// PendingCount reports the group's delivered-but-unacknowledged entries.
func (b *Bus) PendingCount(ctx context.Context, logicalStream, group string) (int64, error) {
	info, err := b.groupInfo(ctx, logicalStream, group)
	if err != nil {
		return 0, err
	}
	return info.Pending, nil
}

func (b *Bus) groupInfo(ctx context.Context, logicalStream, group string) (store.GroupInfo, error) {
	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return store.GroupInfo{}, err
	}

	groups, err := b.log.Groups(ctx, descriptor.Name)
	if err != nil {
		return store.GroupInfo{}, err
	}
	for _, info := range groups {
		if info.Name == group {
			return info, nil
		}
	}
	return store.GroupInfo{}, store.ErrNoGroup
}

// ReclaimStale transfers ownership of pending entries idle past the
// threshold to the calling consumer and returns the decoded envelopes.
// Concurrent reclaimers are safe: the store's claim is atomic per entry, so
// at most one reclaimer wins each.
//
// RetryCount on the returned envelopes reflects the store's delivery
// accounting, which survives consumer crashes, rather than the value
// encoded at publish time.
func (b *Bus) ReclaimStale(ctx context.Context, logicalStream, group, consumer string, idleThreshold time.Duration) ([]*envelope.Envelope, error) {
	descriptor, err := b.registry.Resolve(logicalStream)
	if err != nil {
		return nil, err
	}

	pending, err := b.log.Pending(ctx, descriptor.Name, group, idleThreshold, b.conf.DispatchBatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.DeliveryCount
		ids = append(ids, p.ID)
	}

	claimed, err := b.log.Claim(ctx, descriptor.Name, group, consumer, idleThreshold, ids)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		b.metrics.recordReclaimed(descriptor.Name, group, len(claimed))
	}

	envelopes := make([]*envelope.Envelope, 0, len(claimed))
	for _, entry := range claimed {
		env, err := b.codec.Decode(entry.ID, entry.Values)
		if err != nil {
			// Undecodable entries are handled by the dispatch path; skip
			// them here so one poison entry does not abort the reclaim.
			b.logger.Error("skipping malformed entry during reclaim",
				"stream", descriptor.Name, "entry_id", entry.ID, "error", err)
			continue
		}
		// Delivery count was incremented by the claim; retries so far equal
		// the pre-claim count.
		env.RetryCount = int(deliveries[entry.ID])
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}
