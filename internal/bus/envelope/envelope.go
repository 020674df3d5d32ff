// Package envelope defines the unit of transfer carried by every stream and
// the codec that maps it onto the flat field set stored in the log.
package envelope

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	errspkg "github.com/tradekit/streambus/internal/bus/errors"
	"github.com/tradekit/streambus/internal/bus/jsoncodec"
)

// Wire field names. Other services depend on these being stable.
const (
	fieldUID           = "uid"
	fieldType          = "type"
	fieldPayload       = "payload"
	fieldCorrelationID = "correlation_id"
	fieldSource        = "source"
	fieldProducedAt    = "produced_at"
	fieldRetryCount    = "retry_count"
	fieldVersion       = "version"
)

// Envelope is the unit of transfer. ID is assigned by the log on append and
// is not part of the wire field set. Payload is immutable after publish;
// RetryCount is the only field mutated across redeliveries, and only by
// republishing a copy, never by editing the original entry.
type Envelope struct {
	ID            string
	UID           string
	Type          string
	Payload       json.RawMessage
	CorrelationID string
	Source        string
	ProducedAt    time.Time
	RetryCount    int
	Version       int
}

// Codec serialises envelopes to and from wire fields, validating payloads
// against the schema registered for their logical type.
type Codec struct {
	schemas *Schemas
}

// NewCodec returns a codec using the given schema set. A nil schema set
// means payloads are only checked for being valid JSON.
func NewCodec(schemas *Schemas) *Codec {
	if schemas == nil {
		schemas = NewSchemas()
	}
	return &Codec{schemas: schemas}
}

// Encode maps the envelope onto wire fields. It is the exact inverse of
// Decode: decoding an entry and encoding it again yields an identical field
// set.
func (c *Codec) Encode(env *Envelope) (map[string]string, error) {
	if env.UID == "" {
		return nil, &errspkg.MalformedEnvelopeError{Field: fieldUID, Err: errors.New("missing")}
	}
	if env.Type == "" {
		return nil, &errspkg.MalformedEnvelopeError{Field: fieldType, Err: errors.New("missing")}
	}
	if env.Source == "" {
		return nil, &errspkg.MalformedEnvelopeError{Field: fieldSource, Err: errors.New("missing")}
	}
	if len(env.Payload) == 0 || !jsoncodec.Valid(env.Payload) {
		return nil, &errspkg.MalformedEnvelopeError{Field: fieldPayload, Err: errors.New("payload is not valid JSON")}
	}

	version := env.Version
	if version <= 0 {
		version = 1
	}

	values := map[string]string{
		fieldUID:        env.UID,
		fieldType:       env.Type,
		fieldPayload:    string(env.Payload),
		fieldSource:     env.Source,
		fieldProducedAt: strconv.FormatInt(env.ProducedAt.UnixMilli(), 10),
		fieldRetryCount: strconv.Itoa(env.RetryCount),
		fieldVersion:    strconv.Itoa(version),
	}
	if env.CorrelationID != "" {
		values[fieldCorrelationID] = env.CorrelationID
	}
	return values, nil
}

// Decode reconstructs an envelope from an entry's wire fields. entryID is the
// log-assigned ID of the entry being decoded; it is recorded on the envelope
// and in any returned MalformedEnvelopeError.
func (c *Codec) Decode(entryID string, values map[string]string) (*Envelope, error) {
	required := func(field string) (string, error) {
		v, ok := values[field]
		if !ok || v == "" {
			return "", &errspkg.MalformedEnvelopeError{EntryID: entryID, Field: field, Err: errors.New("missing")}
		}
		return v, nil
	}

	uid, err := required(fieldUID)
	if err != nil {
		return nil, err
	}
	typ, err := required(fieldType)
	if err != nil {
		return nil, err
	}
	source, err := required(fieldSource)
	if err != nil {
		return nil, err
	}
	payload, err := required(fieldPayload)
	if err != nil {
		return nil, err
	}
	producedRaw, err := required(fieldProducedAt)
	if err != nil {
		return nil, err
	}

	producedMilli, err := strconv.ParseInt(producedRaw, 10, 64)
	if err != nil {
		return nil, &errspkg.MalformedEnvelopeError{EntryID: entryID, Field: fieldProducedAt, Err: err}
	}

	retryCount := 0
	if raw, ok := values[fieldRetryCount]; ok {
		retryCount, err = strconv.Atoi(raw)
		if err != nil {
			return nil, &errspkg.MalformedEnvelopeError{EntryID: entryID, Field: fieldRetryCount, Err: err}
		}
	}

	version := 1
	if raw, ok := values[fieldVersion]; ok {
		version, err = strconv.Atoi(raw)
		if err != nil {
			return nil, &errspkg.MalformedEnvelopeError{EntryID: entryID, Field: fieldVersion, Err: err}
		}
	}

	if err := c.schemas.Validate(typ, []byte(payload)); err != nil {
		return nil, &errspkg.MalformedEnvelopeError{EntryID: entryID, Field: fieldPayload, Err: err}
	}

	return &Envelope{
		ID:            entryID,
		UID:           uid,
		Type:          typ,
		Payload:       json.RawMessage(payload),
		CorrelationID: values[fieldCorrelationID],
		Source:        source,
		ProducedAt:    time.UnixMilli(producedMilli).UTC(),
		RetryCount:    retryCount,
		Version:       version,
	}, nil
}
