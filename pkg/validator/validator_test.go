package validator

import (
	"encoding/json"
	"testing"

	"github.com/wskit/wskit/pkg/envelope"
)

func TestStrictNoPayloadSchemaRejectsNonEmptyPayload(t *testing.T) {
	d, err := envelope.NewDescriptor("PING", nil)
	if err != nil {
		t.Fatal(err)
	}
	v := NewStrict()

	r := v.Parse(d, json.RawMessage(`{"text":"hi"}`))
	if r.OK {
		t.Fatal("expected rejection of non-empty payload for no-payload descriptor")
	}

	r = v.Parse(d, nil)
	if !r.OK {
		t.Fatalf("expected empty payload to be accepted, got issues=%v", r.Issues)
	}
}

func TestObjectSchemaRejectsUnknownProperties(t *testing.T) {
	schema := NewObjectSchema(map[string]Field{
		"text": {Kind: FieldString, Required: true},
	})
	d, err := envelope.NewDescriptor("PING", schema)
	if err != nil {
		t.Fatal(err)
	}
	v := NewStrict()

	r := v.Parse(d, json.RawMessage(`{"text":"hi","extra":1}`))
	if r.OK {
		t.Fatal("expected rejection of unknown property")
	}
}

func TestObjectSchemaRequiresRequiredFields(t *testing.T) {
	schema := NewObjectSchema(map[string]Field{
		"text": {Kind: FieldString, Required: true},
	})
	d, err := envelope.NewDescriptor("PING", schema)
	if err != nil {
		t.Fatal(err)
	}
	v := NewStrict()

	r := v.Parse(d, json.RawMessage(`{}`))
	if r.OK {
		t.Fatal("expected rejection of missing required field")
	}
}

func TestObjectSchemaPatternRejectsNonJWT(t *testing.T) {
	schema := NewObjectSchema(map[string]Field{
		"token": {Kind: FieldString, Required: true, Pattern: JWTLikePattern},
	})
	d, err := envelope.NewDescriptor("AUTH", schema)
	if err != nil {
		t.Fatal(err)
	}
	v := NewStrict()

	r := v.Parse(d, json.RawMessage(`{"token":"not-a-jwt"}`))
	if r.OK {
		t.Fatal("expected rejection of non-jwt-shaped token")
	}

	r = v.Parse(d, json.RawMessage(`{"token":"aaa.bbb.ccc"}`))
	if !r.OK {
		t.Fatalf("expected jwt-shaped token to pass, got issues=%v", r.Issues)
	}
}
