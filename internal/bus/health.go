package bus

import (
	"context"
	"sync"
	"time"

	registrypkg "github.com/tradekit/streambus/internal/bus/registry"
)

// Status summarises bus health for readiness probes.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// GroupHealth is the sampled state of one consumer group on a stream.
type GroupHealth struct {
	PendingCount  int64 `json:"pending_count"`
	Lag           int64 `json:"lag"`
	ConsumerCount int64 `json:"consumer_count"`
}

// StreamHealth is the sampled state of one registered stream.
type StreamHealth struct {
	Length          int64                  `json:"length"`
	DeadLetterDepth int64                  `json:"dead_letter_depth"`
	Groups          map[string]GroupHealth `json:"groups"`
}

// Snapshot is a point-in-time view of the bus and every registered stream.
type Snapshot struct {
	Status          Status                  `json:"status"`
	StoreReachable  bool                    `json:"store_reachable"`
	Streams         map[string]StreamHealth `json:"streams"`
	DeadLetterDepth int64                   `json:"dead_letter_depth"`
	SampledAt       time.Time               `json:"sampled_at"`
}

// HealthReporter samples stream depths, group lag and dead letter growth.
// Snapshots are cached briefly so probe endpoints polled by an orchestrator
// do not turn into store load.
type HealthReporter struct {
	bus *Bus

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time

	prevDeadDepth int64
	havePrev      bool
}

func newHealthReporter(b *Bus) *HealthReporter {
	return &HealthReporter{bus: b}
}

// Snapshot returns the current health view, reusing the last sample when it
// is younger than the configured cache TTL.
func (h *HealthReporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != nil && time.Since(h.cachedAt) < h.bus.conf.HealthCacheTTL {
		return h.cached, nil
	}

	snap, err := h.sample(ctx)
	if err != nil {
		return nil, err
	}
	h.cached = snap
	h.cachedAt = time.Now()
	return snap, nil
}

// run periodically refreshes the sample so metrics gauges stay current even
// when nothing polls the health surface.
func (h *HealthReporter) run(ctx context.Context) {
	ticker := time.NewTicker(h.bus.conf.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			snap, err := h.sample(ctx)
			if err == nil {
				h.cached = snap
				h.cachedAt = time.Now()
			} else if ctx.Err() == nil {
				h.bus.logger.Error("health sample failed", "error", err)
			}
			h.mu.Unlock()
		}
	}
}

// sample must be called with h.mu held.
func (h *HealthReporter) sample(ctx context.Context) (*Snapshot, error) {
	b := h.bus
	snap := &Snapshot{
		Status:    StatusHealthy,
		Streams:   make(map[string]StreamHealth),
		SampledAt: time.Now().UTC(),
	}

	if err := b.log.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.metrics.observeStoreUp(false)
		snap.Status = StatusUnhealthy
		snap.StoreReachable = false
		b.logger.Warn("store unreachable", "error", err)
		return snap, nil
	}
	snap.StoreReachable = true
	b.metrics.observeStoreUp(true)

	for _, stream := range b.registry.Streams() {
		sh := StreamHealth{Groups: make(map[string]GroupHealth)}

		if length, err := b.log.Len(ctx, stream); err == nil {
			sh.Length = length
			b.metrics.observeStream(stream, length)
		}
		if depth, err := b.log.Len(ctx, registrypkg.DeadLetter(stream)); err == nil {
			sh.DeadLetterDepth = depth
			snap.DeadLetterDepth += depth
			b.metrics.observeDeadLetterDepth(stream, depth)
		}

		groups, err := b.log.Groups(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for _, info := range groups {
			sh.Groups[info.Name] = GroupHealth{
				PendingCount:  info.Pending,
				Lag:           info.Lag,
				ConsumerCount: info.Consumers,
			}
			b.metrics.observeGroup(stream, info.Name, info.Pending, info.Lag)

			if info.Pending > b.conf.WarnPending || info.Lag > b.conf.WarnLag {
				snap.Status = StatusDegraded
				b.logger.Warn("consumer group falling behind",
					"stream", stream, "group", info.Name,
					"pending", info.Pending, "lag", info.Lag)
			}
		}

		snap.Streams[stream] = sh
	}

	// Dead letter growth between samples means entries are actively
	// exhausting their retries right now, not just historical residue.
	// That outranks any lag-based degradation.
	if h.havePrev && snap.DeadLetterDepth > h.prevDeadDepth {
		snap.Status = StatusUnhealthy
	}
	h.prevDeadDepth = snap.DeadLetterDepth
	h.havePrev = true

	return snap, nil
}
