package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchema wraps a compiled github.com/santhosh-tekuri/jsonschema/v6
// schema for descriptors whose payload shape is richer than ObjectSchema
// can express declaratively (nested objects, enums, formats). The
// wrapper tightens the compiled schema's default behavior to strict
// mode: unknown top-level properties are rejected even when the source
// schema document omits "additionalProperties": false, because the
// validator contract requires strictness regardless of what the
// underlying library defaults to.
type JSONSchema struct {
	compiled    *jsonschema.Schema
	declaredTop map[string]struct{}
	declaredMeta []string
}

// CompileJSONSchema parses and compiles a JSON Schema document. topLevel
// additionally supplies the set of recognized top-level property names
// for the strict-unknown-property check (jsonschema/v6 validates against
// the document's own "properties"/"additionalProperties" as written, but
// does not expose the compiled property set for us to re-derive it).
func CompileJSONSchema(name string, doc []byte, topLevel []string) (*JSONSchema, error) {
	var raw any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("validator: invalid schema document: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, raw); err != nil {
		return nil, fmt.Errorf("validator: add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("validator: compile schema: %w", err)
	}

	top := make(map[string]struct{}, len(topLevel))
	for _, k := range topLevel {
		top[k] = struct{}{}
	}

	return &JSONSchema{compiled: schema, declaredTop: top}, nil
}

// WithDeclaredMetaKeys records meta-extension keys this schema declares,
// for envelope.ValidateMetaSchema to check against the reserved set at
// registration time.
func (s *JSONSchema) WithDeclaredMetaKeys(keys ...string) *JSONSchema {
	s.declaredMeta = keys
	return s
}

// DeclaredMetaKeys implements envelope.MetaKeyDeclarer.
func (s *JSONSchema) DeclaredMetaKeys() []string { return s.declaredMeta }

func (s *JSONSchema) parse(raw json.RawMessage) Result {
	var decoded any
	if len(raw) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(raw, &decoded); err != nil {
		return reject("payload", "payload must be valid JSON: "+err.Error())
	}

	if m, ok := decoded.(map[string]any); ok && len(s.declaredTop) > 0 {
		var unknown []string
		for k := range m {
			if _, known := s.declaredTop[k]; !known {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			return reject("payload", "unknown propert(y/ies): "+strings.Join(unknown, ", "))
		}
	}

	if err := s.compiled.Validate(decoded); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return Result{OK: false, Issues: flattenValidationError(verr)}
		}
		return reject("payload", err.Error())
	}

	return Result{OK: true, Value: decoded}
}

func flattenValidationError(verr *jsonschema.ValidationError) []Issue {
	issues := []Issue{{
		Path:    strings.Join(verr.InstanceLocation, "/"),
		Message: verr.Error(),
	}}
	for _, cause := range verr.Causes {
		issues = append(issues, flattenValidationError(cause)...)
	}
	return issues
}
