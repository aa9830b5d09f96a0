package wsclient

import (
	"sync"

	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/pool"
)

// outboundQueue is the bounded FIFO of encoded-but-unsent envelopes a
// disconnected client accumulates, backed by pool.RingBuffer. The
// OverflowOff policy disables queueing entirely: Enqueue always refuses
// and the size stays zero.
type outboundQueue struct {
	mu      sync.Mutex
	ring    *pool.RingBuffer[*envelope.Envelope]
	policy  OverflowPolicy
	maxSize int
}

func newOutboundQueue(policy OverflowPolicy, capacity int) *outboundQueue {
	q := &outboundQueue{policy: policy, maxSize: capacity}
	if policy != OverflowOff && capacity > 0 {
		q.ring = pool.NewRingBuffer[*envelope.Envelope](capacity)
	}
	return q
}

// Enqueue admits env under the queue's policy. queued reports whether
// env is now in the queue; dropped is the envelope the policy discarded
// to decide that (env itself under DropNewest and OverflowOff, the
// evicted head under DropOldest at capacity, nil when nothing was
// dropped).
func (q *outboundQueue) Enqueue(env *envelope.Envelope) (queued bool, dropped *envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ring == nil {
		return false, env
	}
	if q.ring.IsFull() {
		switch q.policy {
		case DropOldest:
			dropped, _ = q.ring.Pop()
			q.ring.Push(env)
			return true, dropped
		case DropNewest:
			return false, env
		}
	}
	q.ring.Push(env)
	return true, nil
}

// Flush drains the queue in FIFO order through write, stopping at the
// first write error. Frames already handed to a failing transport are
// gone, not re-queued: delivery after enqueue is at most once.
func (q *outboundQueue) Flush(write func(*envelope.Envelope) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ring == nil {
		return 0, nil
	}
	n := 0
	for {
		env, ok := q.ring.Pop()
		if !ok {
			return n, nil
		}
		if err := write(env); err != nil {
			return n, err
		}
		n++
	}
}

// Clear discards every queued envelope.
func (q *outboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring != nil {
		q.ring.Clear()
	}
}

// Size reports the number of queued envelopes.
func (q *outboundQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring == nil {
		return 0
	}
	return q.ring.Len()
}
