package pubsub

import (
	"context"
	"encoding/json"
)

// Capability reports whether a driver's publish result reflects the true
// global subscriber count ("exact", only possible in-process) or cannot
// know it ("unknown", true of any driver fronting a distributed broker).
type Capability string

const (
	CapabilityExact   Capability = "exact"
	CapabilityUnknown Capability = "unknown"
)

// PublishEnvelope is the payload handed to a driver's Publish operation.
type PublishEnvelope struct {
	Topic   string
	Type    string
	Payload json.RawMessage
	Meta    map[string]any
}

// PublishOptions are recognized by every driver, though a given driver
// may reject combinations it cannot honor.
type PublishOptions struct {
	// ExcludeSelf asks the driver to skip delivering to the publishing
	// client. Only the Memory driver (which knows the sender's identity
	// as a local subscriber) can honor this; Broker rejects it.
	ExcludeSelf bool
	// SenderID identifies the publishing client, required when
	// ExcludeSelf is set.
	SenderID string
}

// PublishResult is returned by every driver's Publish call.
type PublishResult struct {
	OK           bool
	MatchedLocal *int // nil when the driver cannot count local matches
	Capability   Capability
	Error        string
	Retryable    bool
}

// Driver is the uniform contract every pub/sub back-end implements.
// subscribe/unsubscribe are idempotent; getSubscribers (Subscribers) is a
// lazy-in-spirit sequence realized here as a snapshot slice, since Go
// has no first-class lazy sequence type that would outlive the lock.
type Driver interface {
	Publish(ctx context.Context, env PublishEnvelope, opts PublishOptions) PublishResult
	Subscribe(clientID, topic string) error
	Unsubscribe(clientID, topic string) error
	Subscribers(topic string) []string

	// Optional capabilities, always implemented (never nil) so callers
	// need not type-assert; back-ends that cannot support an operation
	// return a zero value or a no-op.
	ListTopics() []string
	HasTopic(topic string) bool
	Replace(clientID string, topics []string) ReplaceResult
	Close() error
}

// Consumer is the inbound side of a distributed driver: a function the
// engine registers to receive envelopes that originated on another
// instance (via the broker or a topic shard) and must be delivered to
// this instance's local subscribers.
type Consumer func(env PublishEnvelope)
