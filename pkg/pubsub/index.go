// Package pubsub implements the subscription index and the pluggable
// driver contract that spans in-process, cross-process broker, and
// per-topic-sharded back-ends. Drivers never touch sockets: they
// maintain the subscription bijection and hand Subscribers to the
// engine, which performs delivery.
package pubsub

import "sync"

// Index maintains the bijection between topic -> set<clientId> and
// clientId -> set<topic>. For every (c, t) pair, t is a member of
// clientTopics[c] iff c is a member of topics[t]. Empty sets are deleted
// rather than left as zombie keys.
//
// A single mutex guards both maps. The operations here are called at
// subscribe/unsubscribe/disconnect rate, not per-message-publish rate
// (publish only reads, via Subscribers), so a single lock is adequate.
type Index struct {
	mu           sync.RWMutex
	topics       map[string]map[string]struct{}
	clientTopics map[string]map[string]struct{}
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{
		topics:       make(map[string]map[string]struct{}),
		clientTopics: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds (clientID, topic) to the index. Idempotent: subscribing
// twice to the same topic is equivalent to subscribing once.
func (idx *Index) Subscribe(clientID, topic string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.subscribeLocked(clientID, topic)
}

func (idx *Index) subscribeLocked(clientID, topic string) {
	if idx.topics[topic] == nil {
		idx.topics[topic] = make(map[string]struct{})
	}
	idx.topics[topic][clientID] = struct{}{}

	if idx.clientTopics[clientID] == nil {
		idx.clientTopics[clientID] = make(map[string]struct{})
	}
	idx.clientTopics[clientID][topic] = struct{}{}
}

// Unsubscribe removes (clientID, topic). Idempotent: unsubscribing a
// pair that is not present is a no-op.
func (idx *Index) Unsubscribe(clientID, topic string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unsubscribeLocked(clientID, topic)
}

func (idx *Index) unsubscribeLocked(clientID, topic string) {
	if subs, ok := idx.topics[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(idx.topics, topic)
		}
	}
	if topics, ok := idx.clientTopics[clientID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(idx.clientTopics, clientID)
		}
	}
}

// ReplaceResult reports how many subscriptions Replace added and
// removed.
type ReplaceResult struct {
	Added   int
	Removed int
}

// Replace sets clientID's subscription set to exactly newTopics,
// computing the set difference so only the delta is mutated. Calling
// Replace twice with the same set is a no-op the second time (Added and
// Removed are both zero and the index is not touched).
func (idx *Index) Replace(clientID string, newTopics []string) ReplaceResult {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	want := make(map[string]struct{}, len(newTopics))
	for _, t := range newTopics {
		want[t] = struct{}{}
	}
	have := idx.clientTopics[clientID]

	var toAdd, toRemove []string
	for t := range want {
		if _, ok := have[t]; !ok {
			toAdd = append(toAdd, t)
		}
	}
	for t := range have {
		if _, ok := want[t]; !ok {
			toRemove = append(toRemove, t)
		}
	}

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return ReplaceResult{}
	}

	for _, t := range toAdd {
		idx.subscribeLocked(clientID, t)
	}
	for _, t := range toRemove {
		idx.unsubscribeLocked(clientID, t)
	}

	return ReplaceResult{Added: len(toAdd), Removed: len(toRemove)}
}

// Subscribers returns a snapshot of clientIDs subscribed to topic. The
// slice is a copy; mutating the index afterward does not affect it.
func (idx *Index) Subscribers(topic string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	set := idx.topics[topic]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SubscriberCount returns |topics[topic]| without allocating a
// snapshot slice; used for the Memory driver's matchedLocal count.
func (idx *Index) SubscriberCount(topic string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.topics[topic])
}

// HasTopic reports whether any client is subscribed to topic.
func (idx *Index) HasTopic(topic string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.topics[topic]
	return ok
}

// ListTopics returns a snapshot of every topic with at least one
// subscriber.
func (idx *Index) ListTopics() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.topics))
	for t := range idx.topics {
		out = append(out, t)
	}
	return out
}

// Drop removes every subscription held by clientID, e.g. on disconnect.
// It is the bulk equivalent of Replace(clientID, nil).
func (idx *Index) Drop(clientID string) {
	idx.Replace(clientID, nil)
}
