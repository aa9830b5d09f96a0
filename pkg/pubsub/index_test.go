package pubsub

import "testing"

func TestSubscribeIsIdempotent(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", "room:1")
	idx.Subscribe("c1", "room:1")

	if got := idx.SubscriberCount("room:1"); got != 1 {
		t.Fatalf("expected 1 subscriber after duplicate subscribe, got %d", got)
	}
}

func TestSubscribeThenUnsubscribeReturnsToPreState(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", "room:1")
	idx.Unsubscribe("c1", "room:1")

	if idx.HasTopic("room:1") {
		t.Fatal("expected empty topic to be deleted, not left as a zombie key")
	}
	if subs := idx.Subscribers("room:1"); len(subs) != 0 {
		t.Fatalf("expected no subscribers, got %v", subs)
	}
}

func TestBijectionInvariant(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", "room:1")
	idx.Subscribe("c1", "room:2")
	idx.Subscribe("c2", "room:1")

	for _, topic := range []string{"room:1", "room:2"} {
		for _, client := range idx.Subscribers(topic) {
			found := false
			for _, t2 := range idx.clientTopicsSnapshot(client) {
				if t2 == topic {
					found = true
				}
			}
			if !found {
				t.Fatalf("client %s in topics[%s] but topic missing from clientTopics", client, topic)
			}
		}
	}
}

// clientTopicsSnapshot is a private test helper exposing the reverse map
// without widening the exported API.
func (idx *Index) clientTopicsSnapshot(clientID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.clientTopics[clientID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func TestReplaceTwiceWithSameSetIsNoopSecondTime(t *testing.T) {
	idx := NewIndex()
	topics := []string{"a", "b"}

	first := idx.Replace("c1", topics)
	if first.Added != 2 {
		t.Fatalf("expected first replace to add 2, got %d", first.Added)
	}

	second := idx.Replace("c1", topics)
	if second.Added != 0 || second.Removed != 0 {
		t.Fatalf("expected second replace with same set to be a no-op, got %+v", second)
	}
}

func TestReplaceComputesSetDifference(t *testing.T) {
	idx := NewIndex()
	idx.Replace("c1", []string{"a", "b"})

	r := idx.Replace("c1", []string{"b", "c"})
	if r.Added != 1 || r.Removed != 1 {
		t.Fatalf("expected 1 added 1 removed, got %+v", r)
	}
	if idx.HasTopic("a") {
		t.Fatal("expected topic a to be dropped")
	}
	if !idx.HasTopic("c") {
		t.Fatal("expected topic c to be added")
	}
}

func TestDropRemovesAllSubscriptions(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("c1", "a")
	idx.Subscribe("c1", "b")
	idx.Drop("c1")

	if idx.HasTopic("a") || idx.HasTopic("b") {
		t.Fatal("expected all topics to be empty after Drop")
	}
}
