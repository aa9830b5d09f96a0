package wsclient

import (
	"errors"
	"fmt"
)

// ErrNoTypeLiteral is returned by ExtractType when the given value
// declares no literal message type.
var ErrNoTypeLiteral = errors.New("wsclient: schema declares no literal message type")

// typeCarrier is any wrapped descriptor exposing its message type
// directly, envelope.Descriptor included.
type typeCarrier interface {
	Type() string
}

// ExtractType reads the literal message type out of a descriptor or a
// raw schema document. Two shapes are supported: a wrapped descriptor
// carrying a public Type accessor, and a decoded JSON Schema document
// whose "type" property is declared as a string literal
// (properties.type.const). The extractor must never surface the
// document's own "type": "object" annotation -- that is the schema
// kind, not the message type -- so an extraction landing on "object"
// is rejected.
func ExtractType(schema any) (string, error) {
	if carrier, ok := schema.(typeCarrier); ok {
		return checkExtracted(carrier.Type())
	}

	doc, ok := schema.(map[string]any)
	if !ok {
		return "", ErrNoTypeLiteral
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return "", ErrNoTypeLiteral
	}
	typeProp, ok := props["type"].(map[string]any)
	if !ok {
		return "", ErrNoTypeLiteral
	}
	if lit, ok := typeProp["const"].(string); ok {
		return checkExtracted(lit)
	}
	// "enum": ["X"] with a single member is the other way schema
	// authors spell a literal.
	if enum, ok := typeProp["enum"].([]any); ok && len(enum) == 1 {
		if lit, ok := enum[0].(string); ok {
			return checkExtracted(lit)
		}
	}
	return "", ErrNoTypeLiteral
}

func checkExtracted(typ string) (string, error) {
	if typ == "" {
		return "", ErrNoTypeLiteral
	}
	if typ == "object" {
		return "", fmt.Errorf("wsclient: extracted type %q is the schema kind, not a message type", typ)
	}
	return typ, nil
}
