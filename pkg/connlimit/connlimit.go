// Package connlimit bounds concurrent WebSocket connections per remote
// IP and process-wide. wsserver's upgrade handler acquires a slot
// before accepting a connection and releases it in the connection's
// close path; this guards the resource the token-bucket rate limiter
// does not (connection count rather than message rate).
package connlimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// PerIP limits concurrent connections per IP address.
type PerIP struct {
	maxPerIP    int
	connections sync.Map // map[string]*atomic.Int32

	totalBlocked atomic.Int64
	totalAllowed atomic.Int64
}

// NewPerIP creates a per-IP connection limiter. maxPerIP <= 0 defaults
// to 100.
func NewPerIP(maxPerIP int) *PerIP {
	if maxPerIP <= 0 {
		maxPerIP = 100
	}
	return &PerIP{maxPerIP: maxPerIP}
}

// Acquire attempts to reserve a connection slot for ip.
func (cl *PerIP) Acquire(ip string) bool {
	counter, _ := cl.connections.LoadOrStore(ip, &atomic.Int32{})
	c := counter.(*atomic.Int32)

	for {
		cur := c.Load()
		if int(cur) >= cl.maxPerIP {
			cl.totalBlocked.Add(1)
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			cl.totalAllowed.Add(1)
			return true
		}
	}
}

// Release gives back a connection slot for ip.
func (cl *PerIP) Release(ip string) {
	if counter, ok := cl.connections.Load(ip); ok {
		c := counter.(*atomic.Int32)
		c.Add(-1)
		if c.Load() <= 0 {
			cl.connections.Delete(ip)
		}
	}
}

// Count returns the current connection count for ip.
func (cl *PerIP) Count(ip string) int {
	if counter, ok := cl.connections.Load(ip); ok {
		return int(counter.(*atomic.Int32).Load())
	}
	return 0
}

func (cl *PerIP) TotalBlocked() int64 { return cl.totalBlocked.Load() }
func (cl *PerIP) TotalAllowed() int64 { return cl.totalAllowed.Load() }

// Global limits total concurrent connections across all IPs.
type Global struct {
	max     int32
	current atomic.Int32
}

// NewGlobal creates a process-wide connection limiter.
func NewGlobal(max int) *Global {
	return &Global{max: int32(max)}
}

func (gl *Global) Acquire() bool {
	for {
		cur := gl.current.Load()
		if cur >= gl.max {
			return false
		}
		if gl.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (gl *Global) Release()        { gl.current.Add(-1) }
func (gl *Global) Count() int      { return int(gl.current.Load()) }
func (gl *Global) Available() int  { return int(gl.max - gl.current.Load()) }

// Composite combines a per-IP and a global limit; both slots must be
// available for Acquire to succeed, and both are held or both released
// together.
type Composite struct {
	perIP  *PerIP
	global *Global
}

// NewComposite creates a combined per-IP + global connection limiter.
func NewComposite(maxPerIP, maxGlobal int) *Composite {
	return &Composite{perIP: NewPerIP(maxPerIP), global: NewGlobal(maxGlobal)}
}

func (cl *Composite) Acquire(ip string) bool {
	if !cl.global.Acquire() {
		return false
	}
	if !cl.perIP.Acquire(ip) {
		cl.global.Release()
		return false
	}
	return true
}

func (cl *Composite) Release(ip string) {
	cl.perIP.Release(ip)
	cl.global.Release()
}

// Middleware returns HTTP middleware that applies the composite limit
// ahead of the WebSocket upgrade, rejecting with 429 before a
// connection slot is ever opened.
func (cl *Composite) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !cl.Acquire(ip) {
				http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
				return
			}
			defer cl.Release(ip)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from an HTTP request, preferring
// X-Forwarded-For / X-Real-IP over RemoteAddr when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
