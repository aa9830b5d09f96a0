// Package envelope defines the canonical on-wire message shape and the
// descriptor/route-key identity used to bind a message type to a schema.
package envelope

import (
	"encoding/json"
	"time"
)

// ReservedTimestamp and ReservedCorrelationID are server-settable-only meta
// keys. They must never survive inbound normalization and must never be
// declared by a descriptor's meta schema extension.
const (
	ReservedTimestamp     = "timestamp"
	ReservedCorrelationID = "correlationId"
)

// reservedKeys is the fixed set checked by Normalize and
// ValidateMetaSchema. Order is irrelevant; membership is what matters.
var reservedKeys = [...]string{ReservedTimestamp, ReservedCorrelationID}

// IsReserved reports whether key is one of the server-owned meta keys.
func IsReserved(key string) bool {
	for _, k := range reservedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ReservedKeys returns a copy of the reserved meta key set.
func ReservedKeys() []string {
	out := make([]string, len(reservedKeys))
	copy(out, reservedKeys[:])
	return out
}

// Envelope is the canonical wire object: { type, meta?, payload? }.
//
// Payload is kept as raw bytes so the validator contract (package
// validator) owns decoding into a concrete value; Meta is decoded eagerly
// since normalization and reserved-key stripping must run before the
// message reaches a route handler.
type Envelope struct {
	Type    string          `json:"type"`
	Meta    map[string]any  `json:"meta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses raw bytes into an Envelope. It does not normalize or
// validate; callers must call Normalize before using Meta and must run
// the message through a validator.Validator before dispatch.
//
// A meta that is not an object (an array, a scalar) is treated the
// same as a missing meta and decodes to nil, rather than failing the
// whole frame: Normalize then coerces it to an empty mapping. A
// missing or non-string type does fail, at the caller's BAD_ENVELOPE
// check.
func Decode(raw []byte) (*Envelope, error) {
	var wire struct {
		Type    string          `json:"type"`
		Meta    json.RawMessage `json:"meta"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	e := &Envelope{Type: wire.Type, Payload: wire.Payload}
	if len(wire.Meta) > 0 {
		var m map[string]any
		if err := json.Unmarshal(wire.Meta, &m); err == nil {
			e.Meta = m
		}
	}
	return e, nil
}

// Encode serializes the envelope back to wire bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Normalize enforces the reserved-key security boundary. It runs in place
// and is O(|reserved|), never O(|meta|):
//
//  1. a missing or non-object Meta (nil after Decode) is replaced with
//     an empty mapping, so downstream code never sees a nil meta.
//  2. every reserved key is deleted from Meta, regardless of its value.
//
// Normalize must run after decode and before the envelope reaches a
// validator or route handler; it is not configurable or skippable.
func (e *Envelope) Normalize() {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
		return
	}
	for _, k := range reservedKeys {
		delete(e.Meta, k)
	}
}

// EnsureMeta guarantees Meta is a non-nil map, replacing it if it is
// currently nil.
func (e *Envelope) EnsureMeta() map[string]any {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	return e.Meta
}

// StampServerMeta sets the server-owned reserved keys on an outbound
// envelope. now is the server clock at send time; correlationID, when
// non-empty, is copied from the inbound request that triggered this
// response.
func (e *Envelope) StampServerMeta(now time.Time, correlationID string) {
	m := e.EnsureMeta()
	m[ReservedTimestamp] = now.UnixMilli()
	if correlationID != "" {
		m[ReservedCorrelationID] = correlationID
	}
}

// CorrelationID returns the correlationId meta value, if present.
func (e *Envelope) CorrelationID() (string, bool) {
	if e.Meta == nil {
		return "", false
	}
	v, ok := e.Meta[ReservedCorrelationID].(string)
	return v, ok
}

// New builds a fresh outbound envelope for typ with the given payload
// value, which is marshaled to JSON. Use NewRaw when payload is already
// encoded.
func New(typ string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typ, Payload: raw}, nil
}

// NewRaw builds an outbound envelope from already-encoded payload bytes.
func NewRaw(typ string, payload json.RawMessage) *Envelope {
	return &Envelope{Type: typ, Payload: payload}
}

