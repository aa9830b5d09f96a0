package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wskit/wskit/pkg/audit"
	"github.com/wskit/wskit/pkg/connlimit"
	"github.com/wskit/wskit/pkg/health"
	"github.com/wskit/wskit/pkg/pubsub"
	"github.com/wskit/wskit/pkg/shutdown"
	"github.com/wskit/wskit/pkg/wslog"
	"github.com/wskit/wskit/pkg/wsmetrics"
)

// Server owns everything a single wskit process needs to accept
// connections and run the dispatch pipeline against one Router: the
// pub/sub Driver, the live clientID -> *Connection registry local
// delivery needs (pubsub.Driver.Subscribers never touches sockets
// itself), and the operational stack (logger, audit sink, metrics,
// health checks, graceful shutdown).
type Server struct {
	Router *Router
	Driver pubsub.Driver

	Logger  wslog.Logger
	Audit   audit.Logger
	Metrics *wsmetrics.Metrics
	Health  *health.Checker

	ConnLimit *connlimit.Composite
	Shutdown  *shutdown.Handler

	clock clockwork.Clock

	mu          sync.RWMutex
	connections map[string]*Connection
	clientIPs   map[string]string

	subMu sync.Mutex
	subs  map[string]map[string]struct{} // clientID -> set of topics
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithDriver overrides the default in-process pubsub.MemoryDriver.
func WithDriver(d pubsub.Driver) ServerOption {
	return func(s *Server) { s.Driver = d }
}

// WithClock overrides the real wall clock, for deterministic tests of
// timestamp stamping and dispatch latency.
func WithClock(c clockwork.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// WithServerLogger overrides wslog.Default.
func WithServerLogger(l wslog.Logger) ServerOption {
	return func(s *Server) { s.Logger = l }
}

// WithServerAudit overrides audit.NewNopLogger().
func WithServerAudit(a audit.Logger) ServerOption {
	return func(s *Server) { s.Audit = a }
}

// WithServerMetrics attaches a wsmetrics.Metrics collector.
func WithServerMetrics(m *wsmetrics.Metrics) ServerOption {
	return func(s *Server) { s.Metrics = m }
}

// WithConnLimit attaches a connection admission limiter ahead of the WS
// upgrade handshake.
func WithConnLimit(cl *connlimit.Composite) ServerOption {
	return func(s *Server) { s.ConnLimit = cl }
}

// NewServer builds a Server around router. A fresh in-process
// pubsub.MemoryDriver, the real wall clock, wslog.Default, and a nop
// audit sink are used unless overridden by an option.
func NewServer(router *Router, opts ...ServerOption) *Server {
	s := &Server{
		Router:      router,
		Driver:      pubsub.NewMemoryDriver(),
		Logger:      wslog.Default,
		Audit:       audit.NewNopLogger(),
		Health:      health.NewChecker(),
		Shutdown:    shutdown.NewHandler(shutdown.DefaultConfig()),
		clock:       clockwork.NewRealClock(),
		connections: make(map[string]*Connection),
		clientIPs:   make(map[string]string),
		subs:        make(map[string]map[string]struct{}),
	}
	if router.Metrics != nil {
		s.Metrics = router.Metrics
	}
	if router.Logger != nil {
		s.Logger = router.Logger
	}
	if router.Audit != nil {
		s.Audit = router.Audit
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) now() time.Time { return s.clock.Now() }

// registerConnection adds c to the live registry so broker/sharded
// consume callbacks and local Publish calls can find it by ClientID.
func (s *Server) registerConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.id] = c
}

func (s *Server) unregisterConnection(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	delete(s.clientIPs, id)
}

func (s *Server) clientIP(c *Connection) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientIPs[c.id]
}

func (s *Server) setClientIP(id, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientIPs[id] = ip
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Server) connectionByID(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	return c, ok
}

func (s *Server) trackSubscription(clientID, topic string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	set, ok := s.subs[clientID]
	if !ok {
		set = make(map[string]struct{})
		s.subs[clientID] = set
	}
	set[topic] = struct{}{}
	if s.Metrics != nil {
		s.Metrics.SubscriptionsActive.Set(float64(len(s.Driver.ListTopics())))
	}
}

func (s *Server) untrackSubscription(clientID, topic string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if set, ok := s.subs[clientID]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(s.subs, clientID)
		}
	}
	if s.Metrics != nil {
		s.Metrics.SubscriptionsActive.Set(float64(len(s.Driver.ListTopics())))
	}
}

// untrackAllSubscriptions unsubscribes clientID from every topic it was
// on, via Driver.Replace(clientID, nil), so a connection that dies
// without explicitly unsubscribing does not leak subscriber-index
// entries.
func (s *Server) untrackAllSubscriptions(clientID string) {
	s.Driver.Replace(clientID, nil)
	s.subMu.Lock()
	delete(s.subs, clientID)
	s.subMu.Unlock()
}

func (s *Server) snapshotOnOpen() []ConnectHandler {
	return s.Router.snapshotHooks().onOpen
}

func (s *Server) snapshotOnClose() []DisconnectHandler {
	return s.Router.snapshotHooks().onClose
}

// publish sends typ/payload to every subscriber of topic. It always
// calls through to Driver.Publish first (so a Broker/Sharded driver
// fans the message out to other instances), then performs local
// delivery itself by reading Driver.Subscribers and writing directly to
// any of those client IDs that are connections on this process --
// pubsub.Driver never touches sockets, per pkg/pubsub/memory.go's
// package doc.
func (s *Server) publish(topic, typ string, payload any, excludeSelf bool, senderID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsserver: encoding publish payload: %w", err)
	}

	opts := pubsub.PublishOptions{}
	if excludeSelf {
		opts.ExcludeSelf = true
		opts.SenderID = senderID
	}

	pubEnv := pubsub.PublishEnvelope{Topic: topic, Type: typ, Payload: raw}
	result := s.Driver.Publish(context.Background(), pubEnv, opts)
	if s.Metrics != nil {
		s.Metrics.PublishTotal.WithLabelValues(string(result.Capability)).Inc()
	}
	if !result.OK {
		return fmt.Errorf("wsserver: publish to %q failed: %s", topic, result.Error)
	}

	s.deliverLocal(pubEnv, senderID, excludeSelf)
	return nil
}

// deliverLocal writes env to every local connection subscribed to
// env.Topic, skipping senderID when excludeSelf is set. Bound with no
// receiver args via Consumer, it is also the callback Broker/Sharded
// drivers invoke for envelopes that originated on another instance; in
// that case senderID is "" and excludeSelf is false, since a remote
// sender is never one of this process's local connections.
func (s *Server) deliverLocal(env pubsub.PublishEnvelope, senderID string, excludeSelf bool) {
	for _, clientID := range s.Driver.Subscribers(env.Topic) {
		if excludeSelf && clientID == senderID {
			continue
		}
		conn, ok := s.connectionByID(clientID)
		if !ok {
			continue
		}
		conn.deliverTo(env.Type, env.Payload, env.Meta)
	}
}

// Consumer returns the pubsub.Consumer callback for this Server's local
// delivery, to be passed into pubsub.NewBrokerDriver (or a sharded
// driver's inbound hook) before the driver is attached with WithDriver.
// Since deliverLocal only touches Server's own registries, the callback
// is valid as soon as the Server value exists -- callers do not need to
// wait for NewServer's option processing to finish.
func (s *Server) Consumer() pubsub.Consumer {
	return func(env pubsub.PublishEnvelope) {
		s.deliverLocal(env, "", false)
	}
}

// newClientID generates a fresh connection identity.
func newClientID() string {
	return uuid.New().String()
}
