// Package wstesting provides test doubles for route.Context, so route
// handlers can be unit-tested without a live connection or router:
// handlers under test call ctx.Send/Publish/Subscribe the same way they
// would against a real server connection, and the mock records every
// call for assertion.
//
// There is deliberately no mock pub/sub driver or mock clock here:
// pubsub.MemoryDriver is already a real, in-process Driver suitable for
// handler tests, and clockwork.NewFakeClock covers controllable time.
package wstesting

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wskit/wskit/pkg/route"
)

// Sent records a single outbound call a handler made through Context.
type Sent struct {
	Type    string
	Payload any
}

// Published records a single Publish call a handler made.
type Published struct {
	Topic       string
	Type        string
	Payload     any
	ExcludeSelf bool
}

// MockContext implements route.Context for unit-testing route handlers
// without a live connection or router.
type MockContext struct {
	clientID string
	meta     map[string]any
	data     map[string]any

	mu          sync.Mutex
	sent        []Sent
	published   []Published
	subscribed  []string
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
}

var _ route.Context = (*MockContext)(nil)

// NewMockContext creates a MockContext with a generated client ID. Pass
// meta to simulate the inbound message's meta mapping (as the handler
// would see it after reserved-key stripping).
func NewMockContext(meta map[string]any) *MockContext {
	if meta == nil {
		meta = map[string]any{}
	}
	return &MockContext{
		clientID: "test-client-" + uuid.New().String()[:8],
		meta:     meta,
		data:     map[string]any{},
	}
}

func (m *MockContext) ClientID() string     { return m.clientID }
func (m *MockContext) Meta() map[string]any { return m.meta }
func (m *MockContext) Data() map[string]any { return m.data }

// SetSendError makes the next Send call (and every one after it) fail
// with err, simulating a write failure on a dead connection.
func (m *MockContext) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockContext) Send(typ string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, Sent{Type: typ, Payload: payload})
	return nil
}

func (m *MockContext) Publish(topic, typ string, payload any, excludeSelf bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, Published{Topic: topic, Type: typ, Payload: payload, ExcludeSelf: excludeSelf})
	return nil
}

func (m *MockContext) Subscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, topic)
	return nil
}

func (m *MockContext) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.subscribed {
		if t == topic {
			m.subscribed = append(m.subscribed[:i], m.subscribed[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockContext) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCode = code
	m.closeReason = reason
	return nil
}

// SentMessages returns a snapshot of every Send call recorded so far.
func (m *MockContext) SentMessages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent Send call, or the zero value if none
// happened.
func (m *MockContext) LastSent() Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Sent{}
	}
	return m.sent[len(m.sent)-1]
}

// AssertSent reports whether a message of the given type was sent.
func (m *MockContext) AssertSent(typ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		if s.Type == typ {
			return true
		}
	}
	return false
}

// Subscriptions returns a snapshot of currently-subscribed topics.
func (m *MockContext) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subscribed))
	copy(out, m.subscribed)
	return out
}

// Closed reports whether Close was called, along with the code/reason.
func (m *MockContext) Closed() (closed bool, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode, m.closeReason
}
