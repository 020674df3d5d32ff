// Package bus implements the reliable inter-service event bus: publishing,
// competing consumer groups, bounded retry with exponential backoff,
// dead-letter escalation and health reporting, all on top of the append-only
// log primitive in the store package.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/tradekit/streambus/internal/bus/config"
	"github.com/tradekit/streambus/internal/bus/envelope"
	errspkg "github.com/tradekit/streambus/internal/bus/errors"
	registrypkg "github.com/tradekit/streambus/internal/bus/registry"
	"github.com/tradekit/streambus/store"
)

// Handler processes one decoded envelope. Handlers must be idempotent:
// redelivery after a crash-before-ack is normal operation, not an edge case.
// A nil return acknowledges the entry; an error leaves it pending for the
// retry sweep, classified by Classify.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Dependencies holds the optional collaborators for a Bus. Zero values fall
// back to the platform defaults.
type Dependencies struct {
	// Registry overrides the default stream catalog.
	Registry *registrypkg.Registry

	// Schemas registers typed payload validation per logical type.
	Schemas *envelope.Schemas

	// Registerer receives the Prometheus collectors when metrics are
	// enabled. Nil uses the default registerer.
	Registerer prometheus.Registerer
}

// Bus is the event bus handle. Construct one per process with New, pass it
// to every component that publishes or consumes, and release it with Close.
type Bus struct {
	conf     configpkg.Config
	log      store.Log
	logger   *slog.Logger
	registry *registrypkg.Registry
	codec    *envelope.Codec
	metrics  *Metrics
	health   *HealthReporter

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// failures records the classified reason of the most recent delivery
	// failure per pending entry, keyed stream|group|id. It is advisory: a
	// consumer restart loses it and the sweep falls back to "unknown".
	failures sync.Map

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New assembles a Bus over the given log store. The store must be non-nil;
// use store/redis for production and store/memory for tests and local
// development.
func New(conf configpkg.Config, log store.Log, logger *slog.Logger, deps Dependencies) (*Bus, error) {
	if log == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf = conf.Normalize()

	reg := deps.Registry
	if reg == nil {
		reg = registrypkg.Default()
	}

	metrics := NewMetrics(deps.Registerer)
	if conf.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			return nil, err
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		conf:     conf,
		log:      log,
		logger:   logger.With("component", "streambus", "service", conf.ServiceName),
		registry: reg,
		codec:    envelope.NewCodec(deps.Schemas),
		metrics:  metrics,
		handlers: make(map[string]Handler),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	b.health = newHealthReporter(b)

	b.logger.Info("event bus created", "config", conf.String())
	return b, nil
}

// RegisterHandler binds a handler to a logical message type. Registering the
// same type twice replaces the previous handler.
func (b *Bus) RegisterHandler(logicalType string, handler Handler) error {
	if logicalType == "" {
		return errspkg.ErrTypeRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[logicalType] = handler
	return nil
}

func (b *Bus) handler(logicalType string) (Handler, bool) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	h, ok := b.handlers[logicalType]
	return h, ok
}

// Run starts the retry sweep and health sampling loops and blocks until ctx
// is cancelled or the bus is closed. Dispatch loops are started separately
// with Start.
func (b *Bus) Run(ctx context.Context) error {
	if b.closed.Load() {
		return errspkg.ErrBusClosed
	}

	runCtx, cancel := b.scopedContext(ctx)
	defer cancel()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.sweepLoop(runCtx)
	}()
	go func() {
		defer b.wg.Done()
		b.health.run(runCtx)
	}()

	<-runCtx.Done()
	return nil
}

// Health returns the current health snapshot, cached briefly to bound load
// on the store under frequent polling.
func (b *Bus) Health(ctx context.Context) (*Snapshot, error) {
	return b.health.Snapshot(ctx)
}

// Close stops every loop, waits for in-flight handler cycles and releases
// the store connection. Entries whose handlers were interrupted mid-cycle
// stay pending and are reclaimed after restart.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	err := b.log.Close()
	b.logger.Info("event bus closed")
	return err
}

// scopedContext derives a context cancelled by either the caller's ctx or
// the bus lifecycle.
func (b *Bus) scopedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	scoped, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.baseCtx, cancel)
	return scoped, func() {
		stop()
		cancel()
	}
}

func failureKey(stream, group, id string) string {
	return stream + "|" + group + "|" + id
}

func (b *Bus) recordFailure(stream, group, id string, kind FailureKind) {
	b.failures.Store(failureKey(stream, group, id), kind)
}

func (b *Bus) takeFailure(stream, group, id string) FailureKind {
	value, ok := b.failures.LoadAndDelete(failureKey(stream, group, id))
	if !ok {
		return FailureUnknown
	}
	return value.(FailureKind)
}

func (b *Bus) clearFailure(stream, group, id string) {
	b.failures.Delete(failureKey(stream, group, id))
}
