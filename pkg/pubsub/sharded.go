package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/wskit/wskit/pkg/codec"
)

// ShardedConfig configures the per-topic-sharded driver: one actor (a
// durable object, an isolated worker) owns each topic and fans out to
// every instance that registered interest. ShardURLs is the fixed pool
// of shard endpoints; the shard owning a topic is chosen
// deterministically by hashing the topic name. Codec controls envelope
// serialization on the shard channel; nil means JSON.
type ShardedConfig struct {
	ShardURLs   []string
	PublishPath string
	Codec       codec.Codec
	HTTPClient  *http.Client
}

// DefaultShardedConfig returns sensible defaults; callers must still
// supply ShardURLs.
func DefaultShardedConfig() ShardedConfig {
	return ShardedConfig{
		PublishPath: "/pubsub/publish",
		Codec:       codec.NewJSON(),
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

// ShardedDriver sends publishes as an HTTP POST to the shard that owns
// the topic. Envelopes the shard fans back out to this instance arrive
// through InboundHandler, which decodes them and hands them to the
// Consumer registered at construction.
type ShardedDriver struct {
	cfg     ShardedConfig
	local   *MemoryDriver
	consume Consumer
}

// NewShardedDriver constructs a Sharded driver. consume receives
// envelopes pushed to this instance by a shard; it may be nil if this
// instance only ever publishes. The caller mounts InboundHandler on
// whatever HTTP surface the shards push to.
func NewShardedDriver(cfg ShardedConfig, consume Consumer) (*ShardedDriver, error) {
	if len(cfg.ShardURLs) == 0 {
		return nil, fmt.Errorf("pubsub: sharded driver requires at least one shard URL")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = DefaultShardedConfig().HTTPClient
	}
	if cfg.PublishPath == "" {
		cfg.PublishPath = DefaultShardedConfig().PublishPath
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.NewJSON()
	}
	return &ShardedDriver{cfg: cfg, local: NewMemoryDriver(), consume: consume}, nil
}

// ShardFor deterministically derives the shard URL that owns topic.
func (d *ShardedDriver) ShardFor(topic string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	idx := int(h.Sum32()) % len(d.cfg.ShardURLs)
	if idx < 0 {
		idx += len(d.cfg.ShardURLs)
	}
	return d.cfg.ShardURLs[idx]
}

// Publish POSTs the envelope to the owning shard. The shard is
// responsible for fanning out to every subscriber it knows about
// globally; this driver cannot report a subscriber count, so
// MatchedLocal is left nil and Capability is "unknown".
func (d *ShardedDriver) Publish(ctx context.Context, env PublishEnvelope, opts PublishOptions) PublishResult {
	if opts.ExcludeSelf {
		return PublishResult{OK: false, Error: ErrExcludeSelfUnsupported.Error(), Retryable: false}
	}

	body, err := d.cfg.Codec.Encode(env)
	if err != nil {
		return PublishResult{OK: false, Error: err.Error(), Retryable: false}
	}

	url := d.ShardFor(env.Topic) + d.cfg.PublishPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PublishResult{OK: false, Error: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", d.cfg.Codec.ContentType())

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return PublishResult{OK: false, Error: fmt.Sprintf("shard publish: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return PublishResult{OK: false, Error: fmt.Sprintf("shard returned %d", resp.StatusCode), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return PublishResult{OK: false, Error: fmt.Sprintf("shard returned %d", resp.StatusCode), Retryable: false}
	}

	return PublishResult{OK: true, Capability: CapabilityUnknown}
}

// InboundHandler returns the http.Handler the shards push fan-out
// deliveries to. Each request body is one encoded PublishEnvelope; it
// is decoded with the driver's codec and handed to the Consumer for
// local delivery.
func (d *ShardedDriver) InboundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		var env PublishEnvelope
		if err := d.cfg.Codec.Decode(body, &env); err != nil {
			http.Error(w, "undecodable envelope", http.StatusBadRequest)
			return
		}
		if d.consume != nil {
			d.consume(env)
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (d *ShardedDriver) Subscribe(clientID, topic string) error   { return d.local.Subscribe(clientID, topic) }
func (d *ShardedDriver) Unsubscribe(clientID, topic string) error { return d.local.Unsubscribe(clientID, topic) }
func (d *ShardedDriver) Subscribers(topic string) []string        { return d.local.Subscribers(topic) }
func (d *ShardedDriver) ListTopics() []string                     { return d.local.ListTopics() }
func (d *ShardedDriver) HasTopic(topic string) bool               { return d.local.HasTopic(topic) }
func (d *ShardedDriver) Replace(clientID string, topics []string) ReplaceResult {
	return d.local.Replace(clientID, topics)
}
func (d *ShardedDriver) Close() error { return nil }
