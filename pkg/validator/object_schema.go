package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// FieldKind enumerates the scalar shapes ObjectSchema can check without
// reaching for a full schema engine.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldBool
	FieldAny
)

// Field describes one property of an ObjectSchema payload.
type Field struct {
	Kind     FieldKind
	Required bool
	// Pattern, when set, is matched against string values (e.g. a
	// "jwt-like" shape check: three dot-separated segments).
	Pattern *regexp.Regexp
}

// ObjectSchema is a small, hand-declared payload shape: a fixed set of
// named fields, each with a kind, optional required-ness, and an
// optional pattern. It rejects unknown properties regardless of what a
// caller might expect from a permissive map decode. It exists for
// payloads too small to warrant compiling a full JSON Schema document;
// richer shapes belong in JSONSchema.
//
// ObjectSchema implements envelope.MetaKeyDeclarer trivially (it declares
// no meta keys of its own; payload fields are unrelated to meta).
type ObjectSchema struct {
	Fields map[string]Field
}

// NewObjectSchema builds an ObjectSchema from a field map.
func NewObjectSchema(fields map[string]Field) ObjectSchema {
	return ObjectSchema{Fields: fields}
}

// DeclaredMetaKeys implements envelope.MetaKeyDeclarer. ObjectSchema only
// ever describes payload shape, never meta, so it declares nothing.
func (ObjectSchema) DeclaredMetaKeys() []string { return nil }

func (s ObjectSchema) parse(raw json.RawMessage) Result {
	var m map[string]json.RawMessage
	if len(raw) == 0 {
		m = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(raw, &m); err != nil {
		return reject("payload", "payload must be a JSON object: "+err.Error())
	}

	var issues []Issue
	value := make(map[string]any, len(s.Fields))

	for name, field := range s.Fields {
		raw, present := m[name]
		if !present {
			if field.Required {
				issues = append(issues, Issue{Path: name, Message: "missing required field"})
			}
			continue
		}
		v, err := decodeField(field, raw)
		if err != nil {
			issues = append(issues, Issue{Path: name, Message: err.Error()})
			continue
		}
		value[name] = v
	}

	for name := range m {
		if _, known := s.Fields[name]; !known {
			issues = append(issues, Issue{Path: name, Message: "unknown property"})
		}
	}

	if len(issues) > 0 {
		return Result{OK: false, Issues: issues}
	}
	return Result{OK: true, Value: value}
}

func decodeField(field Field, raw json.RawMessage) (any, error) {
	switch field.Kind {
	case FieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected string")
		}
		if field.Pattern != nil && !field.Pattern.MatchString(s) {
			return nil, fmt.Errorf("does not match required pattern")
		}
		return s, nil
	case FieldNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("expected number")
		}
		return f, nil
	case FieldBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("expected bool")
		}
		return b, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("invalid value")
		}
		return v, nil
	}
}

// JWTLikePattern matches the three-dot-separated-segment shape used by
// the "AUTH { token: jwt-like }" seed scenario. It is intentionally loose
// (base64url alphabet, non-empty segments) -- it is a shape check, not a
// signature check.
var JWTLikePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)
