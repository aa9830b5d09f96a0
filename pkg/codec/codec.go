// Package codec provides the pluggable value codecs the distributed
// pub/sub drivers serialize envelopes with: JSON by default, MessagePack
// for deployments that want a compact binary channel.
package codec

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownCodec is returned when a registry lookup names a codec that
// was never registered.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec serializes and deserializes a value.
type Codec interface {
	// Encode serializes v to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v, which must be a pointer.
	Decode(data []byte, v any) error

	// Name returns the codec name.
	Name() string

	// ContentType returns the MIME type.
	ContentType() string
}

// JSON implements Codec using encoding/json. Good for debugging and the
// wire-contract default.
type JSON struct{}

// NewJSON creates a JSON codec.
func NewJSON() *JSON { return &JSON{} }

func (c *JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSON) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSON) Name() string { return "json" }

func (c *JSON) ContentType() string { return "application/json" }

// MsgPack implements Codec using MessagePack. More compact than JSON
// for broker channels carrying high message volume.
type MsgPack struct{}

// NewMsgPack creates a MessagePack codec.
func NewMsgPack() *MsgPack { return &MsgPack{} }

func (c *MsgPack) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgPack) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgPack) Name() string { return "msgpack" }

func (c *MsgPack) ContentType() string { return "application/msgpack" }

// Registry manages available codecs by name.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	def    Codec
}

// NewRegistry creates a registry preloaded with the JSON and MsgPack
// codecs, defaulting to JSON.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(NewJSON())
	r.Register(NewMsgPack())
	r.def = r.codecs["json"]
	return r
}

// Register adds a codec to the registry.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Get retrieves a codec by name.
func (r *Registry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

// Default returns the default codec.
func (r *Registry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetDefault sets the default codec by name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codecs[name]
	if !ok {
		return ErrUnknownCodec
	}
	r.def = c
	return nil
}

// DefaultRegistry is the process-wide codec registry.
var DefaultRegistry = NewRegistry()
