package wsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/validator"
)

func pingSchema() validator.ObjectSchema {
	return validator.NewObjectSchema(map[string]validator.Field{
		"text": {Kind: validator.FieldString, Required: true},
	})
}

func mustDescriptor(t *testing.T, typ string, schema envelope.Schema) *envelope.Descriptor {
	t.Helper()
	d, err := envelope.NewDescriptor(typ, schema)
	require.NoError(t, err)
	return d
}

func TestExtractType_WrappedDescriptor(t *testing.T) {
	d := mustDescriptor(t, "PING", nil)
	typ, err := ExtractType(d)
	require.NoError(t, err)
	assert.Equal(t, "PING", typ)
}

func TestExtractType_RawSchemaConstLiteral(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":    map[string]any{"const": "CHAT_MESSAGE"},
			"payload": map[string]any{"type": "object"},
		},
	}
	typ, err := ExtractType(doc)
	require.NoError(t, err)
	assert.Equal(t, "CHAT_MESSAGE", typ)
}

func TestExtractType_RawSchemaSingleEnumLiteral(t *testing.T) {
	doc := map[string]any{
		"properties": map[string]any{
			"type": map[string]any{"enum": []any{"JOIN"}},
		},
	}
	typ, err := ExtractType(doc)
	require.NoError(t, err)
	assert.Equal(t, "JOIN", typ)
}

// the document's own "type": "object" annotation is the schema kind,
// never the message type: a document without a literal must fail, and
// an extraction landing on "object" must fail even when it is a
// genuine literal.
func TestExtractType_NeverSurfacesObjectKind(t *testing.T) {
	noLiteral := map[string]any{"type": "object"}
	_, err := ExtractType(noLiteral)
	require.Error(t, err)

	objectLiteral := map[string]any{
		"properties": map[string]any{
			"type": map[string]any{"const": "object"},
		},
	}
	_, err = ExtractType(objectLiteral)
	require.Error(t, err)
}

func TestExtractType_UnsupportedShape(t *testing.T) {
	_, err := ExtractType(42)
	assert.ErrorIs(t, err, ErrNoTypeLiteral)
}
