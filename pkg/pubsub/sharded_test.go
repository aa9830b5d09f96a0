package pubsub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wskit/wskit/pkg/codec"
)

func TestShardForIsDeterministicAndInRange(t *testing.T) {
	d, err := NewShardedDriver(ShardedConfig{
		ShardURLs: []string{"http://shard-0", "http://shard-1", "http://shard-2"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, topic := range []string{"room:1", "room:2", "presence", ""} {
		first := d.ShardFor(topic)
		for i := 0; i < 10; i++ {
			if got := d.ShardFor(topic); got != first {
				t.Fatalf("shard for %q changed between calls: %q then %q", topic, first, got)
			}
		}
		if !strings.HasPrefix(first, "http://shard-") {
			t.Fatalf("shard URL %q not from the configured pool", first)
		}
	}
}

func TestShardedPublishPostsToOwningShard(t *testing.T) {
	var gotPath string
	var gotEnv PublishEnvelope
	shard := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := codec.NewJSON().Decode(mustReadAll(t, r), &gotEnv); err != nil {
			t.Errorf("shard received undecodable body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer shard.Close()

	d, err := NewShardedDriver(ShardedConfig{ShardURLs: []string{shard.URL}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result := d.Publish(context.Background(), PublishEnvelope{Topic: "room:1", Type: "MSG"}, PublishOptions{})
	if !result.OK {
		t.Fatalf("publish failed: %s", result.Error)
	}
	if result.Capability != CapabilityUnknown {
		t.Fatalf("sharded driver must report capability unknown, got %q", result.Capability)
	}
	if result.MatchedLocal != nil {
		t.Fatal("sharded driver cannot count local matches")
	}
	if gotPath != "/pubsub/publish" {
		t.Fatalf("unexpected publish path %q", gotPath)
	}
	if gotEnv.Topic != "room:1" || gotEnv.Type != "MSG" {
		t.Fatalf("unexpected envelope at shard: %+v", gotEnv)
	}
}

func TestShardedPublishRejectsExcludeSelf(t *testing.T) {
	d, err := NewShardedDriver(ShardedConfig{ShardURLs: []string{"http://unused"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result := d.Publish(context.Background(), PublishEnvelope{Topic: "t"}, PublishOptions{ExcludeSelf: true, SenderID: "c1"})
	if result.OK {
		t.Fatal("excludeSelf must be rejected")
	}
	if result.Retryable {
		t.Fatal("excludeSelf rejection is not retryable")
	}
}

func TestShardedPublishRetryableOn5xx(t *testing.T) {
	shard := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shard overloaded", http.StatusServiceUnavailable)
	}))
	defer shard.Close()

	d, err := NewShardedDriver(ShardedConfig{ShardURLs: []string{shard.URL}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	result := d.Publish(context.Background(), PublishEnvelope{Topic: "t"}, PublishOptions{})
	if result.OK || !result.Retryable {
		t.Fatalf("5xx must be a retryable failure, got %+v", result)
	}
}

func TestShardedInboundHandlerDeliversToConsumer(t *testing.T) {
	var consumed []PublishEnvelope
	d, err := NewShardedDriver(ShardedConfig{ShardURLs: []string{"http://unused"}}, func(env PublishEnvelope) {
		consumed = append(consumed, env)
	})
	if err != nil {
		t.Fatal(err)
	}

	body, _ := codec.NewJSON().Encode(PublishEnvelope{Topic: "room:1", Type: "MSG"})
	req := httptest.NewRequest(http.MethodPost, "/pubsub/publish", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	d.InboundHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(consumed) != 1 || consumed[0].Topic != "room:1" {
		t.Fatalf("consumer did not receive the envelope: %+v", consumed)
	}

	// garbage body is rejected without reaching the consumer
	req = httptest.NewRequest(http.MethodPost, "/pubsub/publish", strings.NewReader("not an envelope"))
	rec = httptest.NewRecorder()
	d.InboundHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for garbage body, got %d", rec.Code)
	}
	if len(consumed) != 1 {
		t.Fatal("garbage body must not reach the consumer")
	}
}

func mustReadAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
