package streambus

import (
	"log/slog"

	buspkg "github.com/tradekit/streambus/internal/bus"
	configpkg "github.com/tradekit/streambus/internal/bus/config"
	errspkg "github.com/tradekit/streambus/internal/bus/errors"
	envelopepkg "github.com/tradekit/streambus/internal/bus/envelope"
	idspkg "github.com/tradekit/streambus/internal/bus/ids"
	jsoncodec "github.com/tradekit/streambus/internal/bus/jsoncodec"
	registrypkg "github.com/tradekit/streambus/internal/bus/registry"
	"github.com/tradekit/streambus/store"
	redisstore "github.com/tradekit/streambus/store/redis"
)

type (
	Config       = configpkg.Config
	Bus          = buspkg.Bus
	Dependencies = buspkg.Dependencies
	Handler      = buspkg.Handler

	Envelope = envelopepkg.Envelope
	Schemas  = envelopepkg.Schemas
	Codec    = envelopepkg.Codec

	Registry   = registrypkg.Registry
	Descriptor = registrypkg.Descriptor

	PublishOption = buspkg.PublishOption

	FailureKind    = buspkg.FailureKind
	HandlerFailure = buspkg.HandlerFailure

	DeadLetter = buspkg.DeadLetter

	Status       = buspkg.Status
	Snapshot     = buspkg.Snapshot
	StreamHealth = buspkg.StreamHealth
	GroupHealth  = buspkg.GroupHealth

	Metrics = buspkg.Metrics

	// Log is the append-only store abstraction; store/redis and
	// store/memory ship implementations.
	Log = store.Log

	UnknownStreamError      = errspkg.UnknownStreamError
	MalformedEnvelopeError  = errspkg.MalformedEnvelopeError
	PublishUnavailableError = errspkg.PublishUnavailableError
)

const (
	FailureHandlerException = buspkg.FailureHandlerException
	FailureTimeout          = buspkg.FailureTimeout
	FailureDeserialization  = buspkg.FailureDeserialization
	FailureUnknown          = buspkg.FailureUnknown

	StatusHealthy   = buspkg.StatusHealthy
	StatusDegraded  = buspkg.StatusDegraded
	StatusUnhealthy = buspkg.StatusUnhealthy

	DeadLetterSuffix = registrypkg.DeadLetterSuffix
)

var (
	New        = buspkg.New
	NewMetrics = buspkg.NewMetrics

	WithCorrelationID = buspkg.WithCorrelationID
	WithVersion       = buspkg.WithVersion
	NewCorrelationID  = buspkg.NewCorrelationID

	Fail     = buspkg.Fail
	Failf    = buspkg.Failf
	Classify = buspkg.Classify

	NewRegistry        = registrypkg.New
	DefaultRegistry    = registrypkg.Default
	DefaultDescriptors = registrypkg.DefaultDescriptors
	DeadLetterStream   = registrypkg.DeadLetter
	ValidateStreamName = registrypkg.ValidateName
	GroupName          = registrypkg.GroupName

	NewSchemas = envelopepkg.NewSchemas
	NewCodec   = envelopepkg.NewCodec

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	NewULID = idspkg.NewULID

	ErrStoreRequired    = errspkg.ErrStoreRequired
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrHandlerRequired  = errspkg.ErrHandlerRequired
	ErrTypeRequired     = errspkg.ErrTypeRequired
	ErrConsumerRequired = errspkg.ErrConsumerRequired
	ErrBusClosed        = errspkg.ErrBusClosed
)

// RegisterSchema binds payload type T to a logical message type so decoded
// envelopes of that type are validated against it.
func RegisterSchema[T any](s *Schemas, logicalType string) {
	envelopepkg.RegisterSchema[T](s, logicalType)
}

// DecodePayload unmarshals an envelope payload into T.
func DecodePayload[T any](env *Envelope) (T, error) {
	return envelopepkg.DecodePayload[T](env)
}

// Open dials the Redis log store named by conf.RedisURL and assembles a Bus
// over it. The Bus owns the connection; Close releases it.
func Open(conf Config, logger *slog.Logger, deps Dependencies) (*Bus, error) {
	if conf.RedisURL == "" {
		return nil, ErrConfigRequired
	}
	log, err := redisstore.Open(conf.RedisURL)
	if err != nil {
		return nil, err
	}
	bus, err := New(conf, log, logger, deps)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return bus, nil
}
