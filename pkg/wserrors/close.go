package wserrors

import "fmt"

// Application-level WebSocket close codes. The 4000-4999 range is
// reserved for applications by RFC 6455; these are the codes the router
// itself uses.
const (
	CloseAuthRequired = 4401
	CloseRateLimited  = 4429
	CloseInternal     = 4500
)

// CloseError is a structured connection-close reason carried alongside
// the WebSocket close frame.
type CloseError struct {
	Code   int
	Reason string
}

// NewCloseError builds a CloseError. When reason is empty, Error()
// falls back to a message derived from the code alone.
func NewCloseError(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Connection closed with code %d", e.Code)
	}
	return e.Reason
}

// IsApplication reports whether the code is in the application-reserved
// 4000-4999 range.
func (e *CloseError) IsApplication() bool {
	return e.Code >= 4000 && e.Code <= 4999
}
