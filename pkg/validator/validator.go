// Package validator implements the abstract schema-validation contract:
// parse(descriptor, raw) -> { ok, value } | { ok: false, issues }. It does
// not mandate a schema language -- envelope.Descriptor carries an opaque
// envelope.Schema, and a Validator implementation is free to interpret it
// however it likes. This package ships two concrete schemas (ObjectSchema
// for small hand-declared payloads, JSONSchema for the real
// santhosh-tekuri/jsonschema/v6-backed case) plus the Strict Validator
// that every wskit server wires by default.
package validator

import (
	"encoding/json"
	"fmt"

	"github.com/wskit/wskit/pkg/envelope"
)

// Issue describes one validation failure, in the spirit of a JSON-pointer
// path plus a human-readable message.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of Parse: exactly one of Value or Issues is
// meaningful, selected by OK.
type Result struct {
	OK     bool
	Value  any
	Issues []Issue
}

// Validator is the abstract capability every router wires in once.
type Validator interface {
	Parse(descriptor *envelope.Descriptor, raw json.RawMessage) Result
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(descriptor *envelope.Descriptor, raw json.RawMessage) Result

// Parse implements Validator.
func (f ValidatorFunc) Parse(descriptor *envelope.Descriptor, raw json.RawMessage) Result {
	return f(descriptor, raw)
}

func reject(path, msg string) Result {
	return Result{OK: false, Issues: []Issue{{Path: path, Message: msg}}}
}

// isEmptyPayload treats a missing payload and an explicit `{}` as
// equivalent, matching the wire contract's `payload?` optionality.
func isEmptyPayload(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return len(m) == 0
}

// Strict is the default Validator. It enforces these invariants
// regardless of schema language:
//
//   - a nil schema (a "PING"-style no-payload descriptor) rejects any
//     non-empty payload
//   - for schemas that declare an explicit field set (ObjectSchema,
//     JSONSchema), unknown payload properties are rejected even when the
//     underlying engine would otherwise allow them
//
// Strict does not compare the envelope type with descriptor.Type():
// Parse receives only the payload, and the server engine passes the
// descriptor it looked up under that same type.
type Strict struct{}

// NewStrict returns the default Strict validator. It has no state and a
// single instance may be shared by every route.
func NewStrict() Strict { return Strict{} }

// Parse implements Validator.
func (Strict) Parse(descriptor *envelope.Descriptor, raw json.RawMessage) Result {
	schema := descriptor.PayloadSchema()

	if schema == nil {
		if !isEmptyPayload(raw) {
			return reject("payload", fmt.Sprintf("type %q accepts no payload", descriptor.Type()))
		}
		return Result{OK: true, Value: map[string]any{}}
	}

	switch s := schema.(type) {
	case ObjectSchema:
		return s.parse(raw)
	case *ObjectSchema:
		return s.parse(raw)
	case *JSONSchema:
		return s.parse(raw)
	default:
		// Unknown schema shape: fall back to decode-only, still subject
		// to the type check performed by the route dispatcher before
		// Parse is ever called.
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return reject("payload", err.Error())
		}
		return Result{OK: true, Value: v}
	}
}
