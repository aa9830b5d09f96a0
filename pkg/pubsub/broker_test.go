package pubsub

import (
	"context"
	"testing"
)

// Publish with ExcludeSelf is rejected before anything touches the
// broker, so this needs no live Redis.
func TestBrokerPublishRejectsExcludeSelf(t *testing.T) {
	d, err := NewBrokerDriver(DefaultBrokerConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	result := d.Publish(context.Background(), PublishEnvelope{Topic: "t"}, PublishOptions{ExcludeSelf: true, SenderID: "c1"})
	if result.OK {
		t.Fatal("excludeSelf must be rejected by the broker driver")
	}
	if result.Retryable {
		t.Fatal("excludeSelf rejection is not retryable")
	}
}

// Subscription bookkeeping is purely local: it never requires broker
// connectivity, and channel naming honors the configured prefix.
func TestBrokerLocalIndexAndChannelPrefix(t *testing.T) {
	cfg := DefaultBrokerConfig()
	cfg.ChannelPrefix = "wskit:"
	d, err := NewBrokerDriver(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.Subscribe("c1", "room:1"); err != nil {
		t.Fatal(err)
	}
	if got := d.Subscribers("room:1"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("unexpected subscribers: %v", got)
	}
	if !d.HasTopic("room:1") {
		t.Fatal("HasTopic should see the local subscription")
	}

	if got := d.channel("room:1"); got != "wskit:room:1" {
		t.Fatalf("unexpected channel name %q", got)
	}
	if got := d.channelPattern(); got != "wskit:*" {
		t.Fatalf("unexpected channel pattern %q", got)
	}

	res := d.Replace("c1", nil)
	if res.Removed != 1 {
		t.Fatalf("expected Replace to remove the one subscription, got %+v", res)
	}
	if d.HasTopic("room:1") {
		t.Fatal("empty topic must be deleted, not left as a zombie key")
	}
}
