// Package wsconn wraps a single accepted WebSocket connection for use
// by pkg/wsserver: origin validation, the upgrade handshake, and the
// read/write/ping loops. The accept path only -- wsclient owns its own
// dial-side connection lifecycle, whose reconnection semantics do not
// fit this type.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/pool"
)

// Common connection errors.
var (
	ErrNotConnected     = errors.New("wsconn: not connected")
	ErrConnectionClosed = errors.New("wsconn: connection closed")
	ErrSendTimeout      = errors.New("wsconn: send timeout")
	ErrOriginNotAllowed = errors.New("wsconn: origin not allowed")
)

// Config holds per-connection timing and size limits.
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBufferSize int
	RecvBufferSize int

	// AllowedOrigins restricts cross-origin upgrades; empty means
	// same-origin only unless InsecureDevMode is set.
	AllowedOrigins  []string
	InsecureDevMode bool
}

// DefaultConfig returns production-safe defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1 << 20, // 1 MiB
		SendBufferSize: 256,
		RecvBufferSize: 256,
	}
}

func isOriginAllowed(cfg Config, origin, requestHost string) bool {
	if cfg.InsecureDevMode {
		return true
	}
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Host == requestHost {
		return true
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if allowedURL, err := url.Parse(allowed); err == nil && allowedURL.Host == originURL.Host {
			return true
		}
	}
	return false
}

// Conn is one accepted WebSocket connection. The engine reads inbound
// raw frames from Recv() and writes outbound envelope.Envelope values
// with Send(); Close tears down the socket and the loop goroutines
// exactly once.
type Conn struct {
	cfg  Config
	conn *websocket.Conn

	sendCh    chan *envelope.Envelope
	recvCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	connected bool
}

// Accept upgrades an HTTP request to a WebSocket connection and starts
// its read/write/ping loops. The caller is responsible for reading from
// Recv() and eventually calling Close.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	origin := r.Header.Get("Origin")
	if !isOriginAllowed(cfg, origin, r.Host) {
		http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
		return nil, ErrOriginNotAllowed
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: cfg.InsecureDevMode,
	})
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}
	wsConn.SetReadLimit(cfg.MaxMessageSize)

	c := newConn(wsConn, cfg)
	go c.readLoop()
	go c.writeLoop()
	go c.pingLoop()
	return c, nil
}

func newConn(wsConn *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		cfg:       cfg,
		conn:      wsConn,
		sendCh:    make(chan *envelope.Envelope, cfg.SendBufferSize),
		recvCh:    make(chan []byte, cfg.RecvBufferSize),
		closeCh:   make(chan struct{}),
		connected: true,
	}
}

// Recv returns the channel of inbound raw frames. Decoding into an
// envelope.Envelope -- and reacting to a decode failure -- is the
// engine's job, not the transport's, so this channel carries undecoded
// bytes. It is closed when the connection closes.
func (c *Conn) Recv() <-chan []byte { return c.recvCh }

// Send enqueues an outbound envelope, blocking until buffer space is
// available, the connection closes, or WriteTimeout elapses.
func (c *Conn) Send(env *envelope.Envelope) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.sendCh <- env:
		return nil
	case <-c.closeCh:
		return ErrConnectionClosed
	case <-time.After(c.cfg.WriteTimeout):
		return ErrSendTimeout
	}
}

// IsConnected reports whether the connection is still open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close terminates the connection with a normal closure. Safe to call
// more than once and from any goroutine.
func (c *Conn) Close() error {
	return c.CloseWithStatus(int(websocket.StatusNormalClosure), "closing")
}

// CloseWithStatus terminates the connection, sending code and reason on
// the close frame. Application-level closures use the 4000-4999 range
// (see pkg/wserrors.CloseError). Only the first close wins; later calls
// return the first call's error.
func (c *Conn) CloseWithStatus(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		conn := c.conn
		c.mu.Unlock()

		close(c.closeCh)
		if conn != nil {
			c.closeErr = conn.Close(websocket.StatusCode(code), reason)
		}
	})
	return c.closeErr
}

func (c *Conn) readLoop() {
	defer c.Close()
	defer close(c.recvCh)

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReadTimeout)
		_, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			return
		}

		select {
		case c.recvCh <- data:
		case <-c.closeCh:
			return
		}
	}
}

// writeLoop encodes each outbound envelope into a pooled buffer rather
// than letting json.Marshal allocate a fresh byte slice per message.
func (c *Conn) writeLoop() {
	for {
		select {
		case env := <-c.sendCh:
			buf := pool.GetBuffer()
			err := json.NewEncoder(buf).Encode(env)
			if err != nil {
				pool.PutBuffer(buf)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			err = c.conn.Write(ctx, websocket.MessageText, buf.Bytes())
			cancel()
			pool.PutBuffer(buf)
			if err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			_ = c.conn.Ping(ctx)
			cancel()
		case <-c.closeCh:
			return
		}
	}
}
