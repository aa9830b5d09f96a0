package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wskit/wskit/pkg/breaker"
	"github.com/wskit/wskit/pkg/codec"
)

// ErrExcludeSelfUnsupported is returned by the distributed drivers'
// Publish when PublishOptions.ExcludeSelf is set: neither a broker nor
// a topic shard has a notion of which instance is "self" for
// subscribers it cannot enumerate.
var ErrExcludeSelfUnsupported = errors.New("pubsub: excludeSelf is unsupported by this driver")

// BrokerConfig configures the Redis-backed cross-process driver.
// ChannelPrefix gives multiple wskit deployments sharing one Redis
// instance their own channel namespace. Codec controls how envelopes
// are serialized onto the broker channel; nil means JSON.
type BrokerConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	ChannelPrefix string
	Codec         codec.Codec
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultBrokerConfig returns sensible defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		Codec:        codec.NewJSON(),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// BrokerDriver wraps a Memory driver for the local subscription index
// and hands outbound publishes to a real Redis client. Because
// distributed subscriber counts cannot be known, Publish always reports
// Capability "unknown". A circuit breaker (pkg/breaker) wraps every
// PUBLISH call so a flapping broker degrades to a retryable error
// instead of blocking the dispatch pipeline.
type BrokerDriver struct {
	local   *MemoryDriver
	client  *redis.Client
	cfg     BrokerConfig
	cb      *breaker.Breaker
	consume Consumer
	cancel  context.CancelFunc
}

// NewBrokerDriver connects to Redis and starts the subscription loop
// that feeds consume with envelopes published by other instances.
// consume may be nil if this instance only ever publishes.
func NewBrokerDriver(cfg BrokerConfig, consume Consumer) (*BrokerDriver, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.NewJSON()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &BrokerDriver{
		local:   NewMemoryDriver(),
		client:  client,
		cfg:     cfg,
		cb:      breaker.New(nil),
		consume: consume,
		cancel:  cancel,
	}

	if consume != nil {
		sub := client.PSubscribe(ctx, d.channelPattern())
		go d.consumeLoop(ctx, sub)
	}

	return d, nil
}

func (d *BrokerDriver) channel(topic string) string {
	return d.cfg.ChannelPrefix + topic
}

func (d *BrokerDriver) channelPattern() string {
	return d.cfg.ChannelPrefix + "*"
}

func (d *BrokerDriver) consumeLoop(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env PublishEnvelope
			if err := d.cfg.Codec.Decode([]byte(msg.Payload), &env); err != nil {
				continue
			}
			d.consume(env)
		}
	}
}

// Publish serializes env with the configured codec and hands it to the
// Redis client's PUBLISH, guarded by the circuit breaker. excludeSelf is
// rejected outright: the broker cannot identify "self" among
// subscribers it does not enumerate.
func (d *BrokerDriver) Publish(ctx context.Context, env PublishEnvelope, opts PublishOptions) PublishResult {
	if opts.ExcludeSelf {
		return PublishResult{OK: false, Error: ErrExcludeSelfUnsupported.Error(), Retryable: false}
	}

	if err := d.cb.Allow(); err != nil {
		return PublishResult{OK: false, Error: err.Error(), Retryable: true}
	}

	data, err := d.cfg.Codec.Encode(env)
	if err != nil {
		d.cb.RecordError()
		return PublishResult{OK: false, Error: err.Error(), Retryable: false}
	}

	if err := d.client.Publish(ctx, d.channel(env.Topic), data).Err(); err != nil {
		d.cb.RecordError()
		return PublishResult{OK: false, Error: fmt.Sprintf("broker publish: %v", err), Retryable: true}
	}
	d.cb.RecordSuccess()

	return PublishResult{OK: true, Capability: CapabilityUnknown}
}

// Subscribe, Unsubscribe, Subscribers, ListTopics, HasTopic, and Replace
// all operate on the local subscription index only: the broker's job is
// fanning published envelopes out to every instance, not tracking who is
// subscribed where.
func (d *BrokerDriver) Subscribe(clientID, topic string) error   { return d.local.Subscribe(clientID, topic) }
func (d *BrokerDriver) Unsubscribe(clientID, topic string) error { return d.local.Unsubscribe(clientID, topic) }
func (d *BrokerDriver) Subscribers(topic string) []string        { return d.local.Subscribers(topic) }
func (d *BrokerDriver) ListTopics() []string                     { return d.local.ListTopics() }
func (d *BrokerDriver) HasTopic(topic string) bool               { return d.local.HasTopic(topic) }
func (d *BrokerDriver) Replace(clientID string, topics []string) ReplaceResult {
	return d.local.Replace(clientID, topics)
}

// Close stops the consume loop and closes the Redis client.
func (d *BrokerDriver) Close() error {
	d.cancel()
	return d.client.Close()
}
