package envelope

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tradekit/streambus/internal/bus/jsoncodec"
)

// Schemas maps logical message types to strongly typed payload targets so
// payloads are validated at decode time instead of being trusted implicitly.
// Types without a registered schema only require syntactically valid JSON.
type Schemas struct {
	mu         sync.RWMutex
	validators map[string]func([]byte) error
}

func NewSchemas() *Schemas {
	return &Schemas{validators: make(map[string]func([]byte) error)}
}

// RegisterSchema declares T as the payload schema for logicalType. T must be
// a struct (not a pointer); decode allocates a fresh value per validation.
func RegisterSchema[T any](s *Schemas, logicalType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[logicalType] = func(data []byte) error {
		var target T
		return jsoncodec.Unmarshal(data, &target)
	}
}

// Validate checks payload against the schema registered for logicalType.
func (s *Schemas) Validate(logicalType string, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}

	s.mu.RLock()
	validator, ok := s.validators[logicalType]
	s.mu.RUnlock()

	if !ok {
		if !jsoncodec.Valid(payload) {
			return errors.New("payload is not valid JSON")
		}
		return nil
	}
	if err := validator(payload); err != nil {
		return fmt.Errorf("payload does not match schema for %q: %w", logicalType, err)
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env *Envelope) (T, error) {
	var target T
	if err := jsoncodec.Unmarshal(env.Payload, &target); err != nil {
		return target, err
	}
	return target, nil
}
