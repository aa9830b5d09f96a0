// Package audit provides structured audit logging for router-level
// security and operational events: connection open/close, rate-limit
// denials, validation failures, handler panics, blocked origins.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Event types for router audit logging.
const (
	EventConnectionOpened   = "connection_opened"
	EventConnectionClosed   = "connection_closed"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventValidationFailed   = "validation_failed"
	EventUnknownType        = "unknown_type"
	EventBadEnvelope        = "bad_envelope"
	EventSubscribed         = "subscribed"
	EventUnsubscribed       = "unsubscribed"
	EventHandlerPanic       = "handler_panic"
	EventOriginBlocked      = "origin_blocked"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event represents a single audit-relevant occurrence on the router.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   string                 `json:"event_type"`
	ClientID    string                 `json:"client_id,omitempty"`
	SourceIP    string                 `json:"source_ip,omitempty"`
	MessageType string                 `json:"message_type,omitempty"`
	Topic       string                 `json:"topic,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Severity    string                 `json:"severity"`
}

// Logger is the interface for audit logging implementations.
type Logger interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Close() error
}

// JSONLogger logs audit events as JSON to an io.Writer.
type JSONLogger struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
}

// NewJSONLogger creates a new JSON audit logger.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{encoder: json.NewEncoder(w), writer: w}
}

// NewFileLogger creates a logger that appends to a file.
func NewFileLogger(path string) (*JSONLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return NewJSONLogger(f), nil
}

// NewStdLogger creates a logger that writes to stdout.
func NewStdLogger() *JSONLogger { return NewJSONLogger(os.Stdout) }

func (l *JSONLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := l.encoder.Encode(event); err != nil {
		log.Printf("audit: failed to encode event: %v", err)
	}
}

func (l *JSONLogger) LogWithContext(ctx context.Context, event Event) {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok && event.RequestID == "" {
		event.RequestID = reqID
	}
	l.Log(event)
}

func (l *JSONLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type requestIDKey struct{}

// MultiLogger fans out audit events to multiple destinations.
type MultiLogger struct {
	loggers []Logger
}

func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

func (m *MultiLogger) LogWithContext(ctx context.Context, event Event) {
	for _, l := range m.loggers {
		l.LogWithContext(ctx, event)
	}
}

func (m *MultiLogger) Close() error {
	var errs *multierror.Error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// NopLogger discards every event.
type NopLogger struct{}

func NewNopLogger() *NopLogger                             { return &NopLogger{} }
func (n *NopLogger) Log(Event)                             {}
func (n *NopLogger) LogWithContext(context.Context, Event) {}
func (n *NopLogger) Close() error                          { return nil }

// AsyncLogger wraps a Logger with a buffered worker so a slow sink (disk,
// a log-shipping socket) never stalls the dispatch pipeline that reports
// the event.
type AsyncLogger struct {
	logger Logger
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewAsyncLogger(logger Logger, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	l := &AsyncLogger{logger: logger, events: make(chan Event, bufferSize), done: make(chan struct{})}
	l.wg.Add(1)
	go l.worker()
	return l
}

func (a *AsyncLogger) worker() {
	defer a.wg.Done()
	for {
		select {
		case event := <-a.events:
			a.logger.Log(event)
		case <-a.done:
			for {
				select {
				case event := <-a.events:
					a.logger.Log(event)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncLogger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case a.events <- event:
	default:
		// Buffer full; log synchronously rather than drop the event.
		a.logger.Log(event)
	}
}

func (a *AsyncLogger) LogWithContext(ctx context.Context, event Event) {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok && event.RequestID == "" {
		event.RequestID = reqID
	}
	a.Log(event)
}

func (a *AsyncLogger) Close() error {
	close(a.done)
	a.wg.Wait()
	return a.logger.Close()
}

// Helper constructors for the events wsserver emits most often.

func ConnectionOpened(logger Logger, clientID, ip string) {
	logger.Log(Event{EventType: EventConnectionOpened, ClientID: clientID, SourceIP: ip, Severity: SeverityInfo})
}

func ConnectionClosed(logger Logger, clientID, reason string) {
	logger.Log(Event{EventType: EventConnectionClosed, ClientID: clientID, Severity: SeverityInfo,
		Details: map[string]interface{}{"reason": reason}})
}

func RateLimitExceeded(logger Logger, clientID, msgType string) {
	logger.Log(Event{EventType: EventRateLimitExceeded, ClientID: clientID, MessageType: msgType, Severity: SeverityWarning})
}

func ValidationFailed(logger Logger, clientID, msgType string, issueCount int) {
	logger.Log(Event{EventType: EventValidationFailed, ClientID: clientID, MessageType: msgType, Severity: SeverityWarning,
		Details: map[string]interface{}{"issues": issueCount}})
}

func HandlerPanic(logger Logger, clientID, msgType string, recovered interface{}) {
	logger.Log(Event{EventType: EventHandlerPanic, ClientID: clientID, MessageType: msgType, Severity: SeverityCritical,
		Details: map[string]interface{}{"recovered": recovered}})
}
