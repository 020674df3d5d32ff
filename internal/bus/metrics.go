package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the bus under the streambus
// namespace. Collectors are always updated; Register only attaches them to a
// registerer when metrics are enabled.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	publishedTotal  *prometheus.CounterVec
	handledTotal    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	deadLetterTotal *prometheus.CounterVec
	reclaimedTotal  *prometheus.CounterVec

	streamLength    *prometheus.GaugeVec
	groupPending    *prometheus.GaugeVec
	groupLag        *prometheus.GaugeVec
	deadLetterDepth *prometheus.GaugeVec
	storeUp         prometheus.Gauge
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "streambus", Name: name, Help: help},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "streambus", Name: name, Help: help},
		labels,
	)
}

// NewMetrics creates the collector set. A nil registerer falls back to the
// default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		publishedTotal: newCounterVec("published_total", "Envelopes appended per stream", []string{"stream"}),
		handledTotal:   newCounterVec("handled_total", "Handler invocations per stream and result", []string{"stream", "result"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streambus",
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120},
			},
			[]string{"stream"},
		),
		deadLetterTotal: newCounterVec("dead_letter_total", "Envelopes moved to dead letter streams", []string{"stream", "reason"}),
		reclaimedTotal:  newCounterVec("reclaimed_total", "Pending entries reclaimed from stale consumers", []string{"stream", "group"}),
		streamLength:    newGaugeVec("stream_length", "Entries retained per stream", []string{"stream"}),
		groupPending:    newGaugeVec("group_pending", "Delivered-but-unacknowledged entries per group", []string{"stream", "group"}),
		groupLag:        newGaugeVec("group_lag", "Entries not yet delivered to the group", []string{"stream", "group"}),
		deadLetterDepth: newGaugeVec("dead_letter_depth", "Entries in dead letter streams", []string{"stream"}),
		storeUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streambus",
			Name:      "store_up",
			Help:      "Whether the log store is reachable",
		}),
	}
}

// Register attaches the collectors. Safe to call multiple times and tolerant
// of collectors that are already registered.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.handledTotal,
		m.handlerDuration,
		m.deadLetterTotal,
		m.reclaimedTotal,
		m.streamLength,
		m.groupPending,
		m.groupLag,
		m.deadLetterDepth,
		m.storeUp,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordPublished(stream string) {
	m.publishedTotal.WithLabelValues(stream).Inc()
}

func (m *Metrics) recordHandled(stream string, kind FailureKind, elapsed time.Duration) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.handledTotal.WithLabelValues(stream, result).Inc()
	m.handlerDuration.WithLabelValues(stream).Observe(elapsed.Seconds())
}

func (m *Metrics) recordDeadLetter(stream string, reason FailureKind) {
	m.deadLetterTotal.WithLabelValues(stream, string(reason)).Inc()
}

func (m *Metrics) recordReclaimed(stream, group string, count int) {
	m.reclaimedTotal.WithLabelValues(stream, group).Add(float64(count))
}

func (m *Metrics) observeStream(stream string, length int64) {
	m.streamLength.WithLabelValues(stream).Set(float64(length))
}

func (m *Metrics) observeGroup(stream, group string, pending, lag int64) {
	m.groupPending.WithLabelValues(stream, group).Set(float64(pending))
	m.groupLag.WithLabelValues(stream, group).Set(float64(lag))
}

func (m *Metrics) observeDeadLetterDepth(stream string, depth int64) {
	m.deadLetterDepth.WithLabelValues(stream).Set(float64(depth))
}

func (m *Metrics) observeStoreUp(up bool) {
	if up {
		m.storeUp.Set(1)
	} else {
		m.storeUp.Set(0)
	}
}
