package wsserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/ratelimit"
	"github.com/wskit/wskit/pkg/route"
	"github.com/wskit/wskit/pkg/validator"
)

// fakeTransport is a transport double that records every outbound
// envelope and lets a test feed inbound frames directly, without a real
// coder/websocket connection.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []*envelope.Envelope
	recvCh chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recvCh: make(chan []byte, 8)}
}

func (f *fakeTransport) Recv() <-chan []byte { return f.recvCh }

func (f *fakeTransport) Send(env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return !f.closed }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) CloseWithStatus(code int, reason string) error {
	return f.Close()
}

func (f *fakeTransport) push(raw []byte) { f.recvCh <- raw }

func (f *fakeTransport) last() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestConnection(t *testing.T, router *Router) (*Connection, *fakeTransport, *Server) {
	t.Helper()
	srv := NewServer(router)
	tr := newFakeTransport()
	conn := newConnection("conn-1", map[string]any{}, tr, srv)
	srv.registerConnection(conn)
	return conn, tr, srv
}

func echoDescriptor(t *testing.T) *envelope.Descriptor {
	t.Helper()
	schema := validator.NewObjectSchema(map[string]validator.Field{
		"message": {Kind: validator.FieldString, Required: true},
	})
	d, err := envelope.NewDescriptor("echo", schema)
	require.NoError(t, err)
	return d
}

// scenario 1: a well-formed message reaches its handler and the handler's
// reply goes out over the transport.
func TestDispatch_EchoRoundTrip(t *testing.T) {
	router := New()
	d := echoDescriptor(t)
	err := router.Register(d, route.HandlerFunc(func(ctx route.Context, payload any) error {
		fields := payload.(map[string]any)
		return ctx.Send("echo.reply", map[string]any{"message": fields["message"]})
	}))
	require.NoError(t, err)

	conn, tr, _ := newTestConnection(t, router)
	raw, err := json.Marshal(map[string]any{"type": "echo", "payload": map[string]any{"message": "hi"}})
	require.NoError(t, err)

	conn.dispatch(context.Background(), raw)

	got := tr.last()
	require.NotNil(t, got)
	assert.Equal(t, "echo.reply", got.Type)
}

// scenario 2: a payload missing a required field is rejected before the
// handler ever runs, and the client gets a VALIDATION_FAILED frame.
func TestDispatch_ValidationRejection(t *testing.T) {
	router := New()
	d := echoDescriptor(t)
	called := false
	err := router.Register(d, route.HandlerFunc(func(ctx route.Context, payload any) error {
		called = true
		return nil
	}))
	require.NoError(t, err)

	conn, tr, _ := newTestConnection(t, router)
	raw, err := json.Marshal(map[string]any{"type": "echo", "payload": map[string]any{}})
	require.NoError(t, err)

	conn.dispatch(context.Background(), raw)

	assert.False(t, called, "handler must not run when validation fails")
	got := tr.last()
	require.NotNil(t, got)
	assert.Equal(t, "VALIDATION_FAILED", got.Type)

	var frame errorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &frame))
	assert.NotEmpty(t, frame.Issues)
}

// scenario 3: once a route's rate limit is exhausted, further frames of
// that type are denied with RESOURCE_EXHAUSTED without reaching the
// handler, and frames within the bucket still succeed.
func TestDispatch_RateLimitExhausted(t *testing.T) {
	router := New()
	d := echoDescriptor(t)
	var handled int
	err := router.Register(d, route.HandlerFunc(func(ctx route.Context, payload any) error {
		handled++
		return nil
	}), WithRateLimit(ratelimit.Policy{Capacity: 2, TokensPerSecond: 0.001}))
	require.NoError(t, err)

	conn, tr, _ := newTestConnection(t, router)
	raw, err := json.Marshal(map[string]any{"type": "echo", "payload": map[string]any{"message": "x"}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		conn.dispatch(context.Background(), raw)
	}
	assert.Equal(t, 2, handled)

	conn.dispatch(context.Background(), raw)
	assert.Equal(t, 2, handled, "third frame must not reach the handler")

	got := tr.last()
	require.NotNil(t, got)
	assert.Equal(t, "RESOURCE_EXHAUSTED", got.Type)

	var frame rateExhaustedPayload
	require.NoError(t, json.Unmarshal(got.Payload, &frame))
	assert.Equal(t, "token-bucket", frame.Policy)
	assert.Greater(t, frame.RetryAfterMs, int64(0))
}

// a malformed frame never reaches route lookup and answers with
// BAD_ENVELOPE, leaving the connection open for the next frame.
func TestDispatch_BadEnvelope(t *testing.T) {
	router := New()
	conn, tr, _ := newTestConnection(t, router)

	conn.dispatch(context.Background(), []byte("not json"))

	got := tr.last()
	require.NotNil(t, got)
	assert.Equal(t, "BAD_ENVELOPE", got.Type)
}

// an unregistered type is silently dropped under the default policy, and
// answered with UNKNOWN_TYPE when a router opts into UnknownTypeEmit.
func TestDispatch_UnknownType(t *testing.T) {
	t.Run("drop by default", func(t *testing.T) {
		router := New()
		conn, tr, _ := newTestConnection(t, router)
		raw, _ := json.Marshal(map[string]any{"type": "nope"})
		conn.dispatch(context.Background(), raw)
		assert.Equal(t, 0, tr.count())
	})

	t.Run("emit when configured", func(t *testing.T) {
		router := New(WithUnknownTypePolicy(UnknownTypeEmit))
		conn, tr, _ := newTestConnection(t, router)
		raw, _ := json.Marshal(map[string]any{"type": "nope"})
		conn.dispatch(context.Background(), raw)

		got := tr.last()
		require.NotNil(t, got)
		assert.Equal(t, "UNKNOWN_TYPE", got.Type)
	})
}

// Reserved meta keys are stripped before the handler runs, so a client
// can never smuggle a timestamp or correlationId into handler-visible
// meta. The correlationId is still captured by the engine first and
// copied onto the reply, which is what ties an RPC response back to its
// request; the timestamp on the reply is the server's own stamp, not
// the client's.
func TestDispatch_ReservedMetaBoundary(t *testing.T) {
	router := New()
	d := echoDescriptor(t)
	var handlerMeta map[string]any
	err := router.Register(d, route.HandlerFunc(func(ctx route.Context, payload any) error {
		handlerMeta = ctx.Meta()
		return ctx.Send("echo.reply", map[string]any{})
	}))
	require.NoError(t, err)

	conn, tr, _ := newTestConnection(t, router)
	raw, _ := json.Marshal(map[string]any{
		"type":    "echo",
		"payload": map[string]any{"message": "x"},
		"meta":    map[string]any{"correlationId": "rpc-1", "timestamp": "client-forged"},
	})
	conn.dispatch(context.Background(), raw)

	require.NotNil(t, handlerMeta)
	_, hasTS := handlerMeta[envelope.ReservedTimestamp]
	_, hasCorr := handlerMeta[envelope.ReservedCorrelationID]
	assert.False(t, hasTS, "handler must not see a client-supplied timestamp")
	assert.False(t, hasCorr, "handler must not see the correlationId")

	got := tr.last()
	require.NotNil(t, got)
	corrID, ok := got.CorrelationID()
	assert.True(t, ok, "reply must carry the request's correlationId")
	assert.Equal(t, "rpc-1", corrID)
	assert.NotEqual(t, "client-forged", got.Meta[envelope.ReservedTimestamp])
}
