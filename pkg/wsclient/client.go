// Package wsclient is the client engine: dial-side connection lifecycle
// with exponential-backoff reconnection, an outbound queue with
// configurable overflow policy, RPC request/response correlation, and a
// multi-handler event registry with per-handler error isolation.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/validator"
	"github.com/wskit/wskit/pkg/wserrors"
	"github.com/wskit/wskit/pkg/wslog"
	"github.com/wskit/wskit/pkg/wsmetrics"
)

// State is the client connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OverflowPolicy controls what happens to a message sent while
// disconnected.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to make room for the new
	// message once the queue is at capacity. This is the default.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the message that would have overflowed the
	// queue, keeping everything already queued.
	DropNewest
	// OverflowOff disables queueing: a message sent while disconnected
	// is refused outright and the queue size stays zero.
	OverflowOff
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case OverflowOff:
		return "off"
	default:
		return "unknown"
	}
}

// OverflowEvent is handed to every registered overflow callback when a
// message is dropped.
type OverflowEvent struct {
	Dropped *envelope.Envelope
	Policy  OverflowPolicy
	MaxSize int
}

// OverflowFunc is called synchronously, once per dropped message, from
// the goroutine that tried to send it. Each callback's panic is caught
// independently; a panicking callback neither blocks the others nor
// changes the drop decision that already happened.
type OverflowFunc func(OverflowEvent)

// Config configures a Client.
type Config struct {
	URL     string
	Headers http.Header

	QueueCapacity  int
	OverflowPolicy OverflowPolicy

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// ReconnectEnabled turns on automatic reconnection with exponential
	// backoff and jitter on unexpected disconnects.
	ReconnectEnabled    bool
	ReconnectMaxElapsed time.Duration

	RPCDefaultTimeout time.Duration

	Logger  wslog.Logger
	Metrics *wsmetrics.Metrics
}

// DefaultConfig returns sane client defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                 url,
		QueueCapacity:       256,
		OverflowPolicy:      DropOldest,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		MaxMessageSize:      1 << 20,
		ReconnectEnabled:    true,
		ReconnectMaxElapsed: 0, // retry forever
		RPCDefaultTimeout:   30 * time.Second,
		Logger:              wslog.Default,
	}
}

type pendingRPC struct {
	responseCh chan rpcResult
	respDesc   *envelope.Descriptor
	removed    bool
}

type rpcResult struct {
	env *envelope.Envelope
	err error
}

// Client is one logical connection to a wskit server, including its
// reconnect loop, outbound queue, descriptor registry, and handler
// registry.
type Client struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	cancelRun context.CancelFunc

	queue *outboundQueue

	overflowMu sync.Mutex
	overflowFn []OverflowFunc

	handlers *Registry

	descMu      sync.RWMutex
	descriptors map[string]*envelope.Descriptor
	validate    validator.Strict

	pendingMu sync.Mutex
	pending   map[string]*pendingRPC

	closeOnce sync.Once
	closedCh  chan struct{}
}

// New constructs an unconnected Client. Call Connect to start dialing.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = wslog.Default
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig(cfg.URL).QueueCapacity
	}
	c := &Client{
		cfg:         cfg,
		state:       StateIdle,
		queue:       newOutboundQueue(cfg.OverflowPolicy, cfg.QueueCapacity),
		handlers:    NewRegistry(),
		descriptors: make(map[string]*envelope.Descriptor),
		validate:    validator.NewStrict(),
		pending:     make(map[string]*pendingRPC),
		closedCh:    make(chan struct{}),
	}
	c.handlers.OnPanic = func(typ string, rec any) {
		cfg.Logger.Error("wsclient: handler panicked", wslog.String("type", typ), wslog.Any("recovered", rec))
	}
	return c
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// QueueDepth reports the number of messages waiting for a connection.
func (c *Client) QueueDepth() int { return c.queue.Size() }

// RegisterDescriptor adds d to the client's schema registry. A
// registered type's outbound payloads are validated before they leave
// the process, and RPC calls of that type validate their responses
// against d's response descriptor.
func (c *Client) RegisterDescriptor(d *envelope.Descriptor) error {
	c.descMu.Lock()
	defer c.descMu.Unlock()
	if _, exists := c.descriptors[d.Type()]; exists {
		return fmt.Errorf("wsclient: descriptor %q already registered", d.Type())
	}
	c.descriptors[d.Type()] = d
	return nil
}

func (c *Client) descriptorFor(typ string) (*envelope.Descriptor, bool) {
	c.descMu.RLock()
	defer c.descMu.RUnlock()
	d, ok := c.descriptors[typ]
	return d, ok
}

// OnOverflow registers a callback fired whenever the outbound queue
// drops a message. Safe to call before or after Connect.
func (c *Client) OnOverflow(fn OverflowFunc) {
	c.overflowMu.Lock()
	defer c.overflowMu.Unlock()
	c.overflowFn = append(c.overflowFn, fn)
}

// fireOverflow snapshots the callback list before iterating, so a
// callback unregistering (or a concurrent OnOverflow) never mutates the
// in-progress iteration.
func (c *Client) fireOverflow(ev OverflowEvent) {
	c.overflowMu.Lock()
	fns := append([]OverflowFunc(nil), c.overflowFn...)
	c.overflowMu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ClientQueueDrops.WithLabelValues(ev.Policy.String()).Inc()
	}

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.cfg.Logger.Error("overflow callback panicked", wslog.Any("recovered", r))
				}
			}()
			fn(ev)
		}()
	}
}

// Handle registers h for every inbound message of type typ. It returns
// an unsubscribe thunk that removes exactly this registration.
func (c *Client) Handle(typ string, h HandlerFunc) func() {
	return c.handlers.Add(typ, h)
}

// Connect is idempotent: calling it while already connecting or open is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return wserrors.New(wserrors.KindConnectionClosed, "client is closing or closed")
	}
	c.state = StateConnecting
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.mu.Unlock()

	conn, err := c.dial(runCtx)
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop(runCtx, conn)
	if c.cfg.ReconnectEnabled {
		go c.reconnectLoop(runCtx)
	}

	c.flushQueue(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Headers})
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	return conn, nil
}

// Close transitions the client to Closed, tears down the socket, rejects
// every pending RPC with KindConnectionClosed, and is safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.mu.Lock()
		conn := c.conn
		if c.cancelRun != nil {
			c.cancelRun()
		}
		c.mu.Unlock()

		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "closing")
		}
		c.rejectAllPending(wserrors.New(wserrors.KindConnectionClosed, "connection closed"))
		c.setState(StateClosed)
		close(c.closedCh)
	})
	return err
}

// Done returns a channel closed once the client reaches StateClosed.
func (c *Client) Done() <-chan struct{} { return c.closedCh }

func (c *Client) rejectAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pending {
		if !p.removed {
			p.removed = true
			p.responseCh <- rpcResult{err: err}
		}
		delete(c.pending, id)
	}
}

// Send delivers an outbound event-kind message: written immediately when
// the connection is open, enqueued under the overflow policy otherwise.
// The boolean reports whether the message was sent or queued; false
// means the policy dropped it. If a descriptor is registered for typ,
// the payload is validated before anything else happens.
func (c *Client) Send(typ string, payload any) (bool, error) {
	env, err := c.buildEnvelope(typ, payload)
	if err != nil {
		return false, err
	}
	return c.deliver(env), nil
}

func (c *Client) buildEnvelope(typ string, payload any) (*envelope.Envelope, error) {
	env, err := envelope.New(typ, payload)
	if err != nil {
		return nil, fmt.Errorf("wsclient: encoding %q payload: %w", typ, err)
	}
	if d, ok := c.descriptorFor(typ); ok {
		if result := c.validate.Parse(d, env.Payload); !result.OK {
			return nil, wserrors.New(wserrors.KindValidationFailed,
				fmt.Sprintf("wsclient: %q payload rejected by schema: %v", typ, result.Issues))
		}
	}
	return env, nil
}

// deliver writes env now if the connection is open, enqueues it
// otherwise, and fires overflow callbacks for anything dropped along
// the way.
func (c *Client) deliver(env *envelope.Envelope) bool {
	c.mu.Lock()
	st, conn := c.state, c.conn
	c.mu.Unlock()

	if st == StateOpen && conn != nil {
		if err := c.write(context.Background(), conn, env); err == nil {
			return true
		}
		// The write failed; the read loop will notice the dead socket.
		// Fall through and queue the frame for the next connection.
	}

	queued, dropped := c.queue.Enqueue(env)
	if dropped != nil {
		c.fireOverflow(OverflowEvent{Dropped: dropped, Policy: c.cfg.OverflowPolicy, MaxSize: c.cfg.QueueCapacity})
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ClientQueueDepth.Set(float64(c.queue.Size()))
	}
	return queued
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// flushQueue drains everything queued while disconnected, in FIFO
// order. Frames the transport fails on mid-drain are not re-queued.
func (c *Client) flushQueue(ctx context.Context, conn *websocket.Conn) {
	n, err := c.queue.Flush(func(env *envelope.Envelope) error {
		return c.write(ctx, conn, env)
	})
	if err != nil {
		c.cfg.Logger.Warn("wsclient: flush aborted by transport failure",
			wslog.Int("flushed", n), wslog.Err(err))
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ClientQueueDepth.Set(float64(c.queue.Size()))
	}
}

// Call sends an RPC-kind request and blocks until a correlated response
// arrives, ctx is done, or timeout elapses (zero uses
// Config.RPCDefaultTimeout). The pending entry is removed atomically on
// whichever of those happens first, so a response that arrives late
// after a timeout finds no pending entry and is dropped rather than
// double-delivered. When a descriptor registered for typ names a
// response descriptor, the response is validated against it before the
// call resolves.
func (c *Client) Call(ctx context.Context, typ string, payload any, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = c.cfg.RPCDefaultTimeout
	}
	env, err := c.buildEnvelope(typ, payload)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.New().String()
	env.EnsureMeta()[envelope.ReservedCorrelationID] = correlationID

	p := &pendingRPC{responseCh: make(chan rpcResult, 1)}
	if d, ok := c.descriptorFor(typ); ok {
		p.respDesc = d.ResponseDescriptor()
	}
	c.pendingMu.Lock()
	c.pending[correlationID] = p
	c.pendingMu.Unlock()

	if !c.deliver(env) {
		c.removePending(correlationID)
		return nil, wserrors.New(wserrors.KindQueueOverflow, "rpc request dropped by outbound queue: "+typ)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.responseCh:
		return res.env, res.err
	case <-timer.C:
		c.removePending(correlationID)
		return nil, wserrors.New(wserrors.KindTimedOut, "rpc timed out: "+typ)
	case <-ctx.Done():
		c.removePending(correlationID)
		return nil, ctx.Err()
	}
}

func (c *Client) removePending(correlationID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if p, ok := c.pending[correlationID]; ok && !p.removed {
		p.removed = true
		delete(c.pending, correlationID)
	}
}

// resolvePending hands env to the pending RPC waiting on correlationID,
// validating it against the registered response descriptor first. It
// reports whether a pending call claimed the envelope.
func (c *Client) resolvePending(correlationID string, env *envelope.Envelope) bool {
	c.pendingMu.Lock()
	p, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.pendingMu.Unlock()
	if !ok || p.removed {
		return false
	}
	p.removed = true

	if p.respDesc != nil {
		if env.Type != p.respDesc.Type() {
			p.responseCh <- rpcResult{err: wserrors.New(wserrors.KindValidationFailed,
				fmt.Sprintf("rpc response type %q does not match expected %q", env.Type, p.respDesc.Type()))}
			return true
		}
		if result := c.validate.Parse(p.respDesc, env.Payload); !result.OK {
			p.responseCh <- rpcResult{err: wserrors.New(wserrors.KindValidationFailed,
				fmt.Sprintf("rpc response payload rejected by schema: %v", result.Issues))}
			return true
		}
	}

	p.responseCh <- rpcResult{env: env}
	return true
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.handleDisconnect(conn)

	for {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			c.cfg.Logger.Warn("wsclient: dropping malformed frame", wslog.Err(err))
			continue
		}

		// No Normalize here: the reserved-key boundary applies to client
		// frames entering the server, not to server frames entering the
		// client -- the server-stamped timestamp and correlationId are
		// exactly what this side needs to read.
		if correlationID, ok := env.CorrelationID(); ok {
			if c.resolvePending(correlationID, env) {
				continue
			}
		}
		c.handlers.Dispatch(env.Type, env)
	}
}

// handleDisconnect marks the client idle (unless it is shutting down)
// so the reconnect loop observes the drop and starts its backoff cycle.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	alreadyTerminal := c.state == StateClosing || c.state == StateClosed
	if !alreadyTerminal {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// reconnectLoop watches for an unexpected drop back to Idle and redials
// with exponential backoff and jitter until it succeeds, the client is
// closed, or ReconnectMaxElapsed (when non-zero) runs out. Each successful reconnect flushes whatever queued up while
// disconnected.
func (c *Client) reconnectLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.ReconnectMaxElapsed

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateIdle {
				continue
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				c.cfg.Logger.Error("wsclient: giving up reconnecting")
				return
			}
			time.Sleep(wait)
			if c.State() != StateIdle {
				continue
			}

			c.setState(StateConnecting)
			conn, err := c.dial(ctx)
			if err != nil {
				c.cfg.Logger.Warn("wsclient: reconnect attempt failed", wslog.Err(err))
				c.setState(StateIdle)
				continue
			}

			c.mu.Lock()
			c.conn = conn
			c.state = StateOpen
			c.mu.Unlock()
			b.Reset()

			go c.readLoop(ctx, conn)
			c.flushQueue(ctx, conn)
		}
	}
}
