package pubsub

import "context"

// MemoryDriver maintains the subscription index in-process and never
// touches sockets itself: the server engine reads Subscribers and
// performs delivery.
type MemoryDriver struct {
	index *Index
}

// NewMemoryDriver creates a Memory driver with a fresh subscription
// index.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{index: NewIndex()}
}

// Publish reports MatchedLocal as the exact number of local subscribers
// to env.Topic -- the Memory driver is always authoritative about its
// own subscriber set.
func (d *MemoryDriver) Publish(_ context.Context, env PublishEnvelope, _ PublishOptions) PublishResult {
	n := d.index.SubscriberCount(env.Topic)
	return PublishResult{OK: true, MatchedLocal: &n, Capability: CapabilityExact}
}

func (d *MemoryDriver) Subscribe(clientID, topic string) error {
	d.index.Subscribe(clientID, topic)
	return nil
}

func (d *MemoryDriver) Unsubscribe(clientID, topic string) error {
	d.index.Unsubscribe(clientID, topic)
	return nil
}

func (d *MemoryDriver) Subscribers(topic string) []string {
	return d.index.Subscribers(topic)
}

func (d *MemoryDriver) ListTopics() []string {
	return d.index.ListTopics()
}

func (d *MemoryDriver) HasTopic(topic string) bool {
	return d.index.HasTopic(topic)
}

// Replace computes the set-difference efficiently via Index.Replace; when
// the current and new sets are equal it returns a zero ReplaceResult
// without mutating anything.
func (d *MemoryDriver) Replace(clientID string, topics []string) ReplaceResult {
	return d.index.Replace(clientID, topics)
}

func (d *MemoryDriver) Close() error {
	return nil
}
