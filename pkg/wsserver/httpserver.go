package wsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wskit/wskit/internal/wsconn"
	"github.com/wskit/wskit/pkg/connlimit"
	"github.com/wskit/wskit/pkg/health"
	"github.com/wskit/wskit/pkg/shutdown"
	"github.com/wskit/wskit/pkg/wslog"
)

// HTTPConfig configures Server.Handler: the path the upgrade lives at,
// the wsconn.Config each accepted connection is built with, and which
// middleware wraps the mux.
type HTTPConfig struct {
	UpgradePath string
	HealthPath  string
	MetricsPath string
	ConnConfig  wsconn.Config

	DisableRequestID     bool
	DisableLogging       bool
	DisableRecovery      bool
	DisableSecureHeaders bool
	CORS                 *CORSConfig
}

// DefaultHTTPConfig returns a config with the conventional paths and a
// production-safe wsconn.Config.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		UpgradePath: "/ws",
		HealthPath:  "/healthz",
		MetricsPath: "/metrics",
		ConnConfig:  wsconn.DefaultConfig(),
	}
}

// Handler builds the process-wide http.Handler: the WS upgrade endpoint,
// /healthz (health.Checker's readiness handler: 503 when a critical
// check fails), and /metrics (promhttp.Handler, which serves the default
// Prometheus registry; collectors that s.Metrics registered on another
// registry are not exposed there). Middleware order: RequestID, Logger, Recovery,
// SecureHeaders, CORS, [connection limit], then the route itself --
// matching the order pkg/router/middleware.go composes its own chain in.
func (s *Server) Handler(cfg HTTPConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, s.Health.ReadinessHandler())
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.UpgradePath, s.upgrade(cfg.ConnConfig))

	var mws []HTTPMiddleware
	if !cfg.DisableRequestID {
		mws = append(mws, RequestIDMiddleware())
	}
	if !cfg.DisableLogging {
		mws = append(mws, LoggerMiddleware(s.Logger))
	}
	if !cfg.DisableRecovery {
		mws = append(mws, RecoveryMiddleware(s.Logger))
	}
	if !cfg.DisableSecureHeaders {
		mws = append(mws, SecureHeadersMiddleware(DefaultSecureHeadersConfig()))
	}
	if cfg.CORS != nil {
		mws = append(mws, CORSMiddleware(*cfg.CORS))
	}
	if s.ConnLimit != nil {
		mws = append(mws, s.ConnLimit.Middleware())
	}

	return Chain(mux, mws...)
}

// upgrade builds the http.HandlerFunc that accepts a WebSocket, registers
// the resulting Connection, and runs its dispatch loop until the socket
// closes. The handler goroutine is the connection's goroutine.
func (s *Server) upgrade(connCfg wsconn.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Accept(w, r, connCfg)
		if err != nil {
			s.Logger.Warn("websocket upgrade failed", wslog.Err(err))
			return
		}

		id := newClientID()
		data := map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"user_agent": r.UserAgent(),
		}
		s.setClientIP(id, connlimit.ClientIP(r))

		// serve runs on the upgrade request's own goroutine: the request
		// context must stay alive for the lifetime of the hijacked
		// socket, and coder/websocket cancels it when this handler
		// returns.
		c := newConnection(id, data, conn, s)
		c.serve(r.Context())
	}
}

// RegisterHealthChecks adds the standard readiness checks: a ping and a
// connection-pool saturation check against maxConnections (0 disables
// the pool check).
func (s *Server) RegisterHealthChecks(maxConnections int) {
	s.Health.AddCheck("ping", health.PingCheck(), time.Second)
	if maxConnections > 0 {
		s.Health.AddCheck("connection_pool", health.WebSocketPoolCheck(s.ConnectionCount, maxConnections), time.Second)
	}
}

// RegisterShutdownHooks wires listener-close and connection-drain
// behavior into s.Shutdown at the priorities pkg/shutdown/shutdown.go
// documents for an HTTP(S) listener and a WebSocket connection set
// respectively.
func (s *Server) RegisterShutdownHooks(srv *http.Server) {
	s.Shutdown.Register(shutdown.HTTPServerHook("wsserver-http", srv.Shutdown))
	s.Shutdown.RegisterFunc("wsserver-connections", shutdown.PriorityWebSocket, func(ctx context.Context) error {
		s.closeAllConnections()
		return nil
	})
}

func (s *Server) closeAllConnections() {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close(1001, "server shutting down")
	}
}
