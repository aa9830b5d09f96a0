package wsclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskit/wskit/pkg/envelope"
)

// scenario: queue at capacity under DropOldest evicts the head to admit
// the newest message, fires the overflow callback once, and a later
// flush hands the survivors to the transport in FIFO order.
func TestQueue_DropOldestEvictsHeadAndFlushesInOrder(t *testing.T) {
	cfg := DefaultConfig("ws://example.invalid/ws")
	cfg.QueueCapacity = 3
	cfg.OverflowPolicy = DropOldest
	c := New(cfg)

	var mu sync.Mutex
	var events []OverflowEvent
	c.OnOverflow(func(ev OverflowEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	for _, typ := range []string{"m1", "m2", "m3", "m4"} {
		sent, err := c.Send(typ, nil)
		require.NoError(t, err)
		assert.True(t, sent, "DropOldest always admits the new message")
	}

	var flushed []string
	n, err := c.queue.Flush(func(env *envelope.Envelope) error {
		flushed = append(flushed, env.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"m2", "m3", "m4"}, flushed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].Dropped.Type)
	assert.Equal(t, DropOldest, events[0].Policy)
	assert.Equal(t, 3, events[0].MaxSize)
}

// DropNewest keeps everything already queued and discards only the
// message that would have overflowed.
func TestQueue_DropNewestKeepsQueue(t *testing.T) {
	cfg := DefaultConfig("ws://example.invalid/ws")
	cfg.QueueCapacity = 2
	cfg.OverflowPolicy = DropNewest
	c := New(cfg)

	var dropped []string
	c.OnOverflow(func(ev OverflowEvent) {
		dropped = append(dropped, ev.Dropped.Type)
	})

	for _, typ := range []string{"a", "b"} {
		sent, err := c.Send(typ, nil)
		require.NoError(t, err)
		assert.True(t, sent)
	}
	sent, err := c.Send("c", nil)
	require.NoError(t, err)
	assert.False(t, sent, "the overflowing message is the one dropped")

	var flushed []string
	_, err = c.queue.Flush(func(env *envelope.Envelope) error {
		flushed = append(flushed, env.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, flushed)
	assert.Equal(t, []string{"c"}, dropped)
}

// OverflowOff means no queue at all: every disconnected send is refused
// and the queue size stays zero.
func TestQueue_OffNeverEnqueues(t *testing.T) {
	cfg := DefaultConfig("ws://example.invalid/ws")
	cfg.QueueCapacity = 8
	cfg.OverflowPolicy = OverflowOff
	c := New(cfg)

	var drops int
	c.OnOverflow(func(OverflowEvent) { drops++ })

	for i := 0; i < 3; i++ {
		sent, err := c.Send("x", nil)
		require.NoError(t, err)
		assert.False(t, sent)
	}
	assert.Equal(t, 0, c.QueueDepth())
	assert.Equal(t, 3, drops)
}

// a transport failure mid-flush abandons the failed frame without
// re-queueing it; frames not yet attempted stay queued.
func TestQueue_FlushStopsAtTransportFailure(t *testing.T) {
	q := newOutboundQueue(DropOldest, 4)
	for _, typ := range []string{"a", "b", "c"} {
		q.Enqueue(envelope.NewRaw(typ, nil))
	}

	calls := 0
	n, err := q.Flush(func(env *envelope.Envelope) error {
		calls++
		if env.Type == "b" {
			return assert.AnError
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, n, "only the frame written before the failure counts")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, q.Size(), "the frame never attempted stays queued")
}

// a panicking overflow callback does not stop the remaining callbacks
// from firing.
func TestOverflowCallbackPanicIsolation(t *testing.T) {
	cfg := DefaultConfig("ws://example.invalid/ws")
	cfg.QueueCapacity = 1
	cfg.OverflowPolicy = DropNewest
	c := New(cfg)

	secondRan := false
	c.OnOverflow(func(OverflowEvent) { panic("boom") })
	c.OnOverflow(func(OverflowEvent) { secondRan = true })

	_, err := c.Send("a", nil)
	require.NoError(t, err)
	_, err = c.Send("b", nil) // overflows
	require.NoError(t, err)

	assert.True(t, secondRan)
}

// outbound payloads of a registered descriptor are validated before
// they are sent or queued.
func TestSend_ValidatesRegisteredDescriptor(t *testing.T) {
	c := New(DefaultConfig("ws://example.invalid/ws"))

	d := mustDescriptor(t, "PING", pingSchema())
	require.NoError(t, c.RegisterDescriptor(d))

	_, err := c.Send("PING", map[string]any{"text": 42})
	require.Error(t, err, "wrong field type must be rejected locally")

	sent, err := c.Send("PING", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.True(t, sent)
}

// a late resolvePending after the pending entry was already removed by a
// timeout is a no-op: the response is dropped, not double-delivered.
func TestRPC_LateResponseAfterTimeoutIsDropped(t *testing.T) {
	c := New(DefaultConfig("ws://example.invalid/ws"))

	const corrID = "corr-1"
	p := &pendingRPC{responseCh: make(chan rpcResult, 1)}
	c.pendingMu.Lock()
	c.pending[corrID] = p
	c.pendingMu.Unlock()

	c.removePending(corrID)

	delivered := c.resolvePending(corrID, nil)
	assert.False(t, delivered, "a response after removePending must not be delivered")

	select {
	case <-p.responseCh:
		t.Fatal("responseCh must stay empty once removePending has already won the race")
	case <-time.After(10 * time.Millisecond):
	}
}

// the first of removePending/resolvePending to run wins; the second is a
// no-op regardless of call order.
func TestRPC_ResolveBeforeRemoveWins(t *testing.T) {
	c := New(DefaultConfig("ws://example.invalid/ws"))

	const corrID = "corr-2"
	p := &pendingRPC{responseCh: make(chan rpcResult, 1)}
	c.pendingMu.Lock()
	c.pending[corrID] = p
	c.pendingMu.Unlock()

	delivered := c.resolvePending(corrID, envelope.NewRaw("PONG", nil))
	assert.True(t, delivered)

	c.removePending(corrID)

	select {
	case <-p.responseCh:
	default:
		t.Fatal("resolvePending must have queued a result before removePending ran")
	}
}

// a response that fails validation against the registered response
// descriptor resolves the call with an error, not a value.
func TestRPC_ResponseValidatedAgainstDescriptor(t *testing.T) {
	c := New(DefaultConfig("ws://example.invalid/ws"))

	pong := mustDescriptor(t, "PONG", pingSchema())
	const corrID = "corr-3"
	p := &pendingRPC{responseCh: make(chan rpcResult, 1), respDesc: pong}
	c.pendingMu.Lock()
	c.pending[corrID] = p
	c.pendingMu.Unlock()

	delivered := c.resolvePending(corrID, envelope.NewRaw("WRONG_TYPE", nil))
	require.True(t, delivered)

	res := <-p.responseCh
	require.Error(t, res.err)
	assert.Nil(t, res.env)
}
