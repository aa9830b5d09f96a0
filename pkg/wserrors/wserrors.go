// Package wserrors centralizes the router's error taxonomy: a Kind
// enum plus sentinel errors. Server and client share this one
// vocabulary instead of each growing a private set of sentinels, since
// the Kind strings are part of the wire contract.
package wserrors

import "errors"

// Kind classifies an error for the purposes of wire-frame emission and
// connection lifecycle decisions. It deliberately mirrors the taxonomy's
// "kinds, not types" framing: callers switch on Kind, not on a growing
// list of Go error types.
type Kind string

const (
	// KindConfig — schema declares a reserved meta key, invalid rate
	// policy, duplicate route without a conflict policy. Raised at
	// setup; never reaches the wire.
	KindConfig Kind = "CONFIG_ERROR"
	// KindBadEnvelope — frame not decodable, or missing/non-string type.
	// The connection stays open; an error frame is emitted.
	KindBadEnvelope Kind = "BAD_ENVELOPE"
	// KindUnknownType — no route registered for the inbound type.
	KindUnknownType Kind = "UNKNOWN_TYPE"
	// KindValidationFailed — the validator rejected the payload.
	KindValidationFailed Kind = "VALIDATION_FAILED"
	// KindRateExhausted — the rate limiter denied the call.
	KindRateExhausted Kind = "RESOURCE_EXHAUSTED"
	// KindHandlerError — a route handler returned or panicked with an
	// error; caught, logged, surfaced as INTERNAL_ERROR if no response
	// was already sent.
	KindHandlerError Kind = "INTERNAL_ERROR"
	// KindTransport — connection-fatal; triggers the close path.
	KindTransport Kind = "TRANSPORT_ERROR"
	// KindQueueOverflow (client) — non-fatal; triggers the overflow
	// callback.
	KindQueueOverflow Kind = "QUEUE_OVERFLOW"
	// KindTimedOut (client RPC) — rejects the pending request.
	KindTimedOut Kind = "TIMED_OUT"
	// KindConnectionClosed (client RPC) — rejects all pending requests.
	KindConnectionClosed Kind = "CONNECTION_CLOSED"
)

// Error is a Kind-tagged error that also carries the data an outbound
// error frame needs (see pkg/wsserver for the frame shapes keyed by
// these same type strings).
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs a Kind-tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a Kind-tagged error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error,
// defaulting to KindHandlerError for anything else -- an un-kinded
// failure surfacing from handler code is exactly the INTERNAL_ERROR case.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindHandlerError
}

// Sentinel errors for conditions that do not need a dynamic message.
var (
	ErrDuplicateRoute    = errors.New("wserrors: duplicate route")
	ErrNoRoute           = errors.New("wserrors: no route registered")
	ErrConnectionClosed  = errors.New("wserrors: connection closed")
	ErrTimedOut          = errors.New("wserrors: timed out")
	ErrQueueOverflow     = errors.New("wserrors: outbound queue overflow")
	ErrReconnectDisabled = errors.New("wserrors: reconnect is disabled")
)
