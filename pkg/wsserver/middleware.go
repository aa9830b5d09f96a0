package wsserver

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wskit/wskit/pkg/wslog"
)

// HTTPMiddleware wraps an http.Handler, scoped to the upgrade endpoint
// and the /healthz and /metrics surface.
type HTTPMiddleware func(http.Handler) http.Handler

// Chain applies middlewares in order, so the first one listed is the
// outermost wrapper.
func Chain(h http.Handler, mws ...HTTPMiddleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type requestIDKey struct{}

// RequestIDMiddleware stamps every request with an ID, reusing an
// upstream X-Request-ID header when present.
func RequestIDMiddleware() HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.New().String()
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext retrieves the ID RequestIDMiddleware stamped.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// LoggerMiddleware logs one line per request on the HTTP surface.
func LoggerMiddleware(logger wslog.Logger) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("http request",
				wslog.String("method", r.Method),
				wslog.String("path", r.URL.Path),
				wslog.Int("status", rw.status),
				wslog.Duration("duration", time.Since(start)),
				wslog.String("remote_addr", r.RemoteAddr),
				wslog.String("request_id", RequestIDFromContext(r.Context())))
		})
	}
}

// RecoveryMiddleware recovers from a panic in the upgrade handler itself
// (not the per-connection dispatch loop, which has its own recovery in
// Connection.invoke) and responds 500 instead of crashing the process.
func RecoveryMiddleware(logger wslog.Logger) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("http handler panicked",
						wslog.Any("recovered", rec),
						wslog.String("stack", string(debug.Stack())))
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeadersConfig lists the headers SecureHeadersMiddleware sets:
// the subset that makes sense for a WS upgrade + health/metrics surface
// (no CSP/HSTS, since this endpoint never serves HTML).
type SecureHeadersConfig struct {
	FrameOptions       string
	ContentTypeNosniff bool
	ReferrerPolicy     string
}

// DefaultSecureHeadersConfig returns conservative defaults.
func DefaultSecureHeadersConfig() SecureHeadersConfig {
	return SecureHeadersConfig{
		FrameOptions:       "DENY",
		ContentTypeNosniff: true,
		ReferrerPolicy:     "no-referrer",
	}
}

// SecureHeadersMiddleware sets a handful of defensive response headers.
func SecureHeadersMiddleware(cfg SecureHeadersConfig) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.FrameOptions != "" {
				w.Header().Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ContentTypeNosniff {
				w.Header().Set("X-Content-Type-Options", "nosniff")
			}
			if cfg.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSConfig configures CORSMiddleware.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowAllOrigins  bool
	AllowCredentials bool
}

// CORSMiddleware implements the origin-echo behavior the WS upgrade
// path needs; preflight requests never reach a WebSocket upgrade so
// there is no OPTIONS branch here.
func CORSMiddleware(cfg CORSConfig) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if cfg.AllowAllOrigins || containsOrigin(cfg.AllowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func containsOrigin(list []string, origin string) bool {
	for _, o := range list {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
