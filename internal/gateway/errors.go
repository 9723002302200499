package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect is returned when the handshake or subprotocol negotiation fails.
	ErrConnect = errors.New("gateway connect failed")
	// ErrTransport wraps write failures; the pending transaction is resolved with it.
	ErrTransport = errors.New("gateway transport error")
	// ErrConnectionClosed resolves transactions still pending when the connection goes away.
	ErrConnectionClosed = errors.New("gateway connection closed")
	ErrNotConnected     = errors.New("gateway not connected")
	ErrNoSession        = errors.New("gateway session not created")
	ErrSessionExists    = errors.New("gateway session already created")
	ErrMalformedReply   = errors.New("malformed gateway reply")
)

// GatewayError is the error object of a gateway "error" reply.
type GatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Reason)
}
