package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wskit/wskit/pkg/audit"
	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/route"
	"github.com/wskit/wskit/pkg/wserrors"
	"github.com/wskit/wskit/pkg/wslog"
)

// transport is the subset of *wsconn.Conn a Connection needs. Declared as
// an interface so wstesting (or a future in-process transport) can stand
// in without pulling in a real socket.
type transport interface {
	Recv() <-chan []byte
	Send(env *envelope.Envelope) error
	IsConnected() bool
	Close() error
	CloseWithStatus(code int, reason string) error
}

// Connection is one live WebSocket connection's server-side state: the
// transport, subscribed topics bookkeeping (delegated to the Driver),
// and the inbound dispatch pipeline. It implements route.Context so
// route handlers never see the transport directly.
type Connection struct {
	id     string
	data   map[string]any
	conn   transport
	server *Server

	// msgMeta and msgCorrID belong to the message currently being
	// dispatched. Safe without a lock: dispatch is strictly sequential
	// per connection.
	msgMeta   map[string]any
	msgCorrID string

	msgsIn       atomic.Int64
	msgsOut      atomic.Int64
	errsOut      atomic.Int64
	lastActivity atomic.Int64 // unix millis
}

// Stats is a snapshot of one connection's activity counters.
type Stats struct {
	MessagesIn   int64
	MessagesOut  int64
	Errors       int64
	LastActivity time.Time
}

// Stats returns the connection's activity counters.
func (c *Connection) Stats() Stats {
	return Stats{
		MessagesIn:   c.msgsIn.Load(),
		MessagesOut:  c.msgsOut.Load(),
		Errors:       c.errsOut.Load(),
		LastActivity: time.UnixMilli(c.lastActivity.Load()),
	}
}

var _ route.Context = (*Connection)(nil)

func newConnection(id string, data map[string]any, conn transport, srv *Server) *Connection {
	return &Connection{id: id, data: data, conn: conn, server: srv}
}

// ClientID implements route.Context.
func (c *Connection) ClientID() string { return c.id }

// Meta implements route.Context: the inbound message's meta, reserved
// keys already stripped.
func (c *Connection) Meta() map[string]any { return c.msgMeta }

// Data implements route.Context: the user-defined per-connection
// attachment.
func (c *Connection) Data() map[string]any { return c.data }

// Send implements route.Context: frames typ/payload as an outbound
// envelope, stamps server-owned meta, and writes it to the transport.
// When the message being dispatched carried a correlationId, the reply
// carries it too; handler code cannot override either reserved key.
func (c *Connection) Send(typ string, payload any) error {
	return c.sendCorrelated(typ, payload, c.msgCorrID)
}

// sendCorrelated frames typ/payload as an outbound envelope, stamps the
// server clock, and copies correlationID (when non-empty) onto the
// reserved meta keys before writing to the transport.
func (c *Connection) sendCorrelated(typ string, payload any, correlationID string) error {
	env, err := envelope.New(typ, payload)
	if err != nil {
		return fmt.Errorf("wsserver: encoding %q payload: %w", typ, err)
	}
	env.StampServerMeta(c.server.now(), correlationID)
	if err := c.conn.Send(env); err != nil {
		return err
	}
	c.msgsOut.Add(1)
	if c.server.Metrics != nil {
		c.server.Metrics.MessagesSent.WithLabelValues(typ).Inc()
	}
	return nil
}

// Publish implements route.Context, delegating to the server's Driver and
// then performing local delivery for the subset of subscribers that are
// connections of this process.
func (c *Connection) Publish(topic, typ string, payload any, excludeSelf bool) error {
	return c.server.publish(topic, typ, payload, excludeSelf, c.id)
}

// Subscribe implements route.Context.
func (c *Connection) Subscribe(topic string) error {
	if err := c.server.Driver.Subscribe(c.id, topic); err != nil {
		return err
	}
	c.server.trackSubscription(c.id, topic)
	return nil
}

// Unsubscribe implements route.Context.
func (c *Connection) Unsubscribe(topic string) error {
	if err := c.server.Driver.Unsubscribe(c.id, topic); err != nil {
		return err
	}
	c.server.untrackSubscription(c.id, topic)
	return nil
}

// Close implements route.Context, sending code and reason on the close
// frame. Handlers use the wserrors.Close* codes for application-level
// closures; a zero code falls back to a normal closure.
func (c *Connection) Close(code int, reason string) error {
	if code == 0 {
		return c.conn.Close()
	}
	if reason == "" {
		reason = wserrors.NewCloseError(code, "").Error()
	}
	return c.conn.CloseWithStatus(code, reason)
}

// Error frames use the wserrors.Kind string as the envelope type itself
// (BAD_ENVELOPE, VALIDATION_FAILED, ...); those type strings are part of
// the wire contract. The payload carries the human-readable message plus
// whatever structured detail the kind defines.
type errorPayload struct {
	Message string       `json:"message"`
	Issues  []issueFrame `json:"issues,omitempty"`
}

type issueFrame struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// rateExhaustedPayload is the RESOURCE_EXHAUSTED frame's payload shape.
type rateExhaustedPayload struct {
	Policy       string `json:"policy"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

func (c *Connection) sendError(kind wserrors.Kind, message string, correlationID string) {
	c.errsOut.Add(1)
	_ = c.sendCorrelated(string(kind), errorPayload{Message: message}, correlationID)
	if c.server.Metrics != nil {
		c.server.Metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (c *Connection) sendValidationError(issues []issueFrame, correlationID string) {
	kind := wserrors.KindValidationFailed
	c.errsOut.Add(1)
	_ = c.sendCorrelated(string(kind), errorPayload{Message: "validation failed", Issues: issues}, correlationID)
	if c.server.Metrics != nil {
		c.server.Metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (c *Connection) sendRateExhausted(retryAfterMs int64, correlationID string) {
	kind := wserrors.KindRateExhausted
	c.errsOut.Add(1)
	_ = c.sendCorrelated(string(kind), rateExhaustedPayload{Policy: "token-bucket", RetryAfterMs: retryAfterMs}, correlationID)
	if c.server.Metrics != nil {
		c.server.Metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	}
}

// serve runs the dispatch loop for this connection until the transport's
// Recv channel closes, then tears down its subscriptions and fires
// onClose hooks. It is meant to be called from its own goroutine per
// accepted connection.
func (c *Connection) serve(ctx context.Context) {
	srv := c.server
	log := srv.Logger.With(wslog.String("client_id", c.id))

	srv.registerConnection(c)
	audit.ConnectionOpened(srv.Audit, c.id, srv.clientIP(c))
	if srv.Metrics != nil {
		srv.Metrics.ConnectionsActive.Inc()
		srv.Metrics.ConnectionsTotal.Inc()
	}

	for _, h := range srv.snapshotOnOpen() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("onOpen hook panicked", wslog.Any("recovered", r))
				}
			}()
			h(c)
		}()
	}

	for raw := range c.conn.Recv() {
		c.dispatch(ctx, raw)
	}

	srv.untrackAllSubscriptions(c.id)
	srv.unregisterConnection(c.id)
	if srv.Metrics != nil {
		srv.Metrics.ConnectionsActive.Dec()
	}
	audit.ConnectionClosed(srv.Audit, c.id, "transport closed")

	for _, h := range srv.snapshotOnClose() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("onClose hook panicked", wslog.Any("recovered", r))
				}
			}()
			h(c, "transport closed")
		}()
	}
}

// dispatch runs one inbound frame through the pipeline:
//
//  1. decode raw bytes into an envelope; on failure emit BAD_ENVELOPE and
//     continue (the connection stays open).
//  2. normalize: strip reserved meta keys.
//  3. reject a missing/non-string type the same way as a decode failure.
//  4. look up a route for the type; on miss, apply the router's
//     UnknownTypePolicy.
//  5. consume a token from the route's rate limiter, if one is attached;
//     on denial emit RESOURCE_EXHAUSTED.
//  6. validate the payload against the route's descriptor; on failure
//     emit VALIDATION_FAILED with the issue list.
//  7. run the route's middleware chain around the handler.
//  8. invoke the handler, recovering from any panic into INTERNAL_ERROR
//     when the handler has not already sent a response.
//  9. nothing further: the handler itself calls ctx.Send/Publish for any
//     response it wants to produce.
func (c *Connection) dispatch(ctx context.Context, raw []byte) {
	srv := c.server
	start := srv.clock.Now()
	c.msgsIn.Add(1)
	c.lastActivity.Store(start.UnixMilli())
	defer func() {
		if srv.Metrics != nil {
			srv.Metrics.DispatchLatency.Observe(srv.clock.Now().Sub(start).Seconds())
		}
	}()

	env, err := envelope.Decode(raw)
	if err != nil {
		c.sendError(wserrors.KindBadEnvelope, "malformed envelope: "+err.Error(), "")
		srv.Audit.Log(audit.Event{EventType: audit.EventBadEnvelope, ClientID: c.id, Severity: audit.SeverityWarning})
		return
	}

	// The engine captures correlationId before Normalize strips the
	// reserved keys: the id must round-trip onto the response frame, but
	// must never be visible to validation or handler code.
	correlationID, _ := env.CorrelationID()
	env.Normalize()

	if env.Type == "" {
		c.sendError(wserrors.KindBadEnvelope, "missing or empty type", "")
		srv.Audit.Log(audit.Event{EventType: audit.EventBadEnvelope, ClientID: c.id, Severity: audit.SeverityWarning})
		return
	}

	if srv.Metrics != nil {
		srv.Metrics.MessagesReceived.WithLabelValues(env.Type).Inc()
	}

	entry, ok := srv.Router.table.Get(env.Type)
	if !ok {
		if srv.Router.unknownTypePolicy == UnknownTypeEmit {
			c.sendError(wserrors.KindUnknownType, "no route registered for type "+env.Type, correlationID)
		}
		srv.Audit.Log(audit.Event{EventType: audit.EventUnknownType, ClientID: c.id, MessageType: env.Type, Severity: audit.SeverityWarning})
		return
	}

	if limiter, ok := srv.Router.limiterFor(env.Type); ok {
		result := limiter.Allow(c.id)
		if !result.Allowed {
			c.sendRateExhausted(result.RetryAfterMs, correlationID)
			audit.RateLimitExceeded(srv.Audit, c.id, env.Type)
			if srv.Metrics != nil {
				srv.Metrics.RateLimited.WithLabelValues(env.Type).Inc()
			}
			return
		}
	}

	result := srv.Router.validator.Parse(entry.Descriptor, env.Payload)
	if !result.OK {
		issues := make([]issueFrame, len(result.Issues))
		for i, iss := range result.Issues {
			issues[i] = issueFrame{Path: iss.Path, Message: iss.Message}
		}
		c.sendValidationError(issues, correlationID)
		audit.ValidationFailed(srv.Audit, c.id, env.Type, len(result.Issues))
		return
	}

	handler := entry.Handler
	for i := len(entry.Middleware) - 1; i >= 0; i-- {
		handler = entry.Middleware[i](handler)
	}

	c.msgMeta = env.Meta
	c.msgCorrID = correlationID
	c.invoke(handler, result.Value, env.Type, correlationID)
	c.msgMeta = nil
	c.msgCorrID = ""
}

func (c *Connection) invoke(handler route.Handler, payload any, msgType, correlationID string) {
	srv := c.server
	// An error frame goes out only when the handler has not already sent
	// a response of its own for this message.
	sentBefore := c.msgsOut.Load()
	defer func() {
		if r := recover(); r != nil {
			srv.Logger.Error("route handler panicked",
				wslog.String("client_id", c.id),
				wslog.String("type", msgType),
				wslog.Any("recovered", r))
			audit.HandlerPanic(srv.Audit, c.id, msgType, r)
			if srv.Metrics != nil {
				srv.Metrics.HandlerPanics.Inc()
			}
			if c.msgsOut.Load() == sentBefore {
				c.sendError(wserrors.KindHandlerError, "internal error", correlationID)
			}
		}
	}()

	if err := handler.Handle(c, payload); err != nil {
		srv.Logger.Error("route handler returned error",
			wslog.String("client_id", c.id),
			wslog.String("type", msgType),
			wslog.Err(err))
		if c.msgsOut.Load() == sentBefore {
			c.sendError(wserrors.KindOf(err), err.Error(), correlationID)
		}
	}
}

// deliverTo writes a publish-originated envelope to this connection
// directly, bypassing the dispatch pipeline (it is outbound, not
// inbound).
func (c *Connection) deliverTo(typ string, payload json.RawMessage, meta map[string]any) {
	env := envelope.NewRaw(typ, payload)
	env.Meta = meta
	env.StampServerMeta(c.server.now(), "")
	_ = c.conn.Send(env)
	if c.server.Metrics != nil {
		c.server.Metrics.MessagesSent.WithLabelValues(typ).Inc()
	}
}
