// Package registry holds the static catalog of streams the bus is allowed to
// touch. Descriptors are loaded once at process start, not from user input,
// so a typo'd stream name fails fast instead of silently creating an
// unbounded new log.
package registry

import (
	"fmt"
	"strings"

	errspkg "github.com/tradekit/streambus/internal/bus/errors"
)

// DeadLetterSuffix is appended to a stream name to form its dead letter
// sibling. Other services depend on this being stable.
const DeadLetterSuffix = ":dead"

// Descriptor maps a logical channel name onto its physical stream, retention
// policy and the consumer group authorized to read it.
type Descriptor struct {
	// Name is both the logical and physical stream name, in the form
	// {producerDomain}:{consumerDomain}:{purpose}.
	Name string

	// MaxLen bounds the retained length of the stream. Zero disables
	// trimming.
	MaxLen int64

	// ApproximateTrim lets the store trim lazily for performance. Exact
	// trimming is reserved for streams where retained count matters.
	ApproximateTrim bool

	// Group is the consumer group authorized to read the stream, named
	// {consumerDomain}_consumers.
	Group string
}

// Registry is an immutable stream catalog.
type Registry struct {
	streams map[string]Descriptor
}

// New builds a registry from the given descriptors. Descriptor names must be
// unique and follow the namespacing convention.
func New(descriptors []Descriptor) (*Registry, error) {
	streams := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if err := ValidateName(d.Name); err != nil {
			return nil, err
		}
		if _, ok := streams[d.Name]; ok {
			return nil, fmt.Errorf("streambus: duplicate stream descriptor %q", d.Name)
		}
		if d.Group == "" {
			return nil, fmt.Errorf("streambus: stream %q has no consumer group", d.Name)
		}
		streams[d.Name] = d
	}
	return &Registry{streams: streams}, nil
}

// Default returns the registry for the platform's stream catalog.
func Default() *Registry {
	r, err := New(DefaultDescriptors())
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve looks up the descriptor for a logical stream name.
func (r *Registry) Resolve(logical string) (Descriptor, error) {
	d, ok := r.streams[logical]
	if !ok {
		return Descriptor{}, &errspkg.UnknownStreamError{Name: logical}
	}
	return d, nil
}

// Group returns the consumer group authorized to read the stream.
func (r *Registry) Group(stream string) (string, error) {
	d, err := r.Resolve(stream)
	if err != nil {
		return "", err
	}
	return d.Group, nil
}

// Streams lists every registered stream name.
func (r *Registry) Streams() []string {
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	return names
}

// DeadLetter returns the dead letter sibling for a stream.
func DeadLetter(stream string) string {
	return stream + DeadLetterSuffix
}

// ValidateName enforces the {producer}:{consumer}:{purpose} convention.
func ValidateName(name string) error {
	parts := strings.Split(name, ":")
	if len(parts) != 3 {
		return fmt.Errorf("streambus: stream name %q must have form {producer}:{consumer}:{purpose}", name)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("streambus: stream name %q has an empty segment", name)
		}
	}
	return nil
}

// GroupName derives the conventional consumer group name for a consuming
// domain.
func GroupName(consumerDomain string) string {
	return consumerDomain + "_consumers"
}

// DefaultDescriptors reproduces the platform catalog: command, result and
// status channels between the management, trading, backtesting and ML
// training services, plus the system and audit streams.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		// Management -> trading gateway.
		{Name: "mgmt:trading:commands", MaxLen: 10000, ApproximateTrim: false, Group: GroupName("trading")},
		{Name: "trading:mgmt:results", MaxLen: 50000, ApproximateTrim: true, Group: GroupName("mgmt")},
		{Name: "trading:mgmt:status", MaxLen: 50000, ApproximateTrim: true, Group: GroupName("mgmt")},

		// Management -> backtesting.
		{Name: "mgmt:backtesting:commands", MaxLen: 5000, ApproximateTrim: false, Group: GroupName("backtesting")},
		{Name: "backtesting:mgmt:results", MaxLen: 25000, ApproximateTrim: true, Group: GroupName("mgmt")},
		{Name: "backtesting:mgmt:status", MaxLen: 25000, ApproximateTrim: true, Group: GroupName("mgmt")},

		// Management -> ML training.
		{Name: "mgmt:freqai:commands", MaxLen: 5000, ApproximateTrim: false, Group: GroupName("freqai")},
		{Name: "freqai:mgmt:results", MaxLen: 25000, ApproximateTrim: true, Group: GroupName("mgmt")},
		{Name: "freqai:mgmt:status", MaxLen: 25000, ApproximateTrim: true, Group: GroupName("mgmt")},

		// Platform-wide channels.
		{Name: "system:all:events", MaxLen: 100000, ApproximateTrim: true, Group: GroupName("monitoring")},
		{Name: "system:all:health", MaxLen: 10000, ApproximateTrim: false, Group: GroupName("monitoring")},
		{Name: "audit:all:events", MaxLen: 500000, ApproximateTrim: true, Group: GroupName("audit")},
	}
}
