package envelope

import (
	"fmt"
	"sort"
)

// Kind distinguishes a fire-and-forget event descriptor from one that
// expects a correlated response.
type Kind string

const (
	KindEvent Kind = "event"
	KindRPC   Kind = "rpc"
)

// Schema is opaque to the envelope package: it is whatever the chosen
// validator implementation needs to parse and check a payload. The
// validator package (component B) is the only consumer that must know its
// concrete shape.
//
// A Schema may optionally implement MetaKeyDeclarer to participate in the
// reserved-key registration check below.
type Schema interface{}

// MetaKeyDeclarer is implemented by schemas that declare additional meta
// fields beyond the reserved set. ValidateMetaSchema uses it to catch a
// schema author accidentally shadowing a server-owned key.
type MetaKeyDeclarer interface {
	DeclaredMetaKeys() []string
}

// Descriptor is an identifier + schema pair. Identity is Type: two
// descriptors with the same Type are the same route key regardless of
// any other field. Descriptors are immutable after New returns one --
// Mount produces a clone rather than mutating Type in place.
type Descriptor struct {
	typ                string
	kind               Kind
	payloadSchema      Schema
	responseDescriptor *Descriptor
}

// NewDescriptor constructs an event descriptor. Use NewRPC for
// request/response pairs.
func NewDescriptor(typ string, schema Schema) (*Descriptor, error) {
	return newDescriptor(typ, KindEvent, schema, nil)
}

// NewRPC constructs a descriptor whose Kind is "rpc" and whose matching
// response is described by response.
func NewRPC(typ string, schema Schema, response *Descriptor) (*Descriptor, error) {
	return newDescriptor(typ, KindRPC, schema, response)
}

func newDescriptor(typ string, kind Kind, schema Schema, response *Descriptor) (*Descriptor, error) {
	if typ == "" {
		return nil, fmt.Errorf("envelope: descriptor type must be non-empty")
	}
	if err := ValidateMetaSchema(schema); err != nil {
		return nil, err
	}
	return &Descriptor{
		typ:                typ,
		kind:               kind,
		payloadSchema:      schema,
		responseDescriptor: response,
	}, nil
}

// Type returns the discriminator string, which is also the route key.
func (d *Descriptor) Type() string { return d.typ }

// Kind reports whether this is a plain event or an RPC descriptor.
func (d *Descriptor) Kind() Kind { return d.kind }

// PayloadSchema returns the opaque schema used by the validator.
func (d *Descriptor) PayloadSchema() Schema { return d.payloadSchema }

// ResponseDescriptor returns the descriptor for the matching RPC
// response, or nil for event descriptors.
func (d *Descriptor) ResponseDescriptor() *Descriptor { return d.responseDescriptor }

// WithType returns a clone of d with Type rewritten, used by route-table
// Mount to prefix every descriptor without mutating the original. All
// other fields are copied by reference (schemas and response descriptors
// are themselves immutable).
func (d *Descriptor) WithType(typ string) *Descriptor {
	clone := *d
	clone.typ = typ
	return &clone
}

// ValidateMetaSchema fails fast, at registration time, if schema declares
// one of the reserved meta keys as part of its own meta extension. It
// lists every offending key in the returned error so the caller can fix
// all of them in one pass.
func ValidateMetaSchema(schema Schema) error {
	declarer, ok := schema.(MetaKeyDeclarer)
	if !ok {
		return nil
	}
	var offending []string
	for _, k := range declarer.DeclaredMetaKeys() {
		if IsReserved(k) {
			offending = append(offending, k)
		}
	}
	if len(offending) == 0 {
		return nil
	}
	sort.Strings(offending)
	return fmt.Errorf("envelope: schema declares reserved meta key(s): %v", offending)
}
