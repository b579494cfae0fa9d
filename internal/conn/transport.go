package conn

import (
	"context"
	"errors"
	"fmt"

	"github.com/livechat/pkg/models"
)

// Close codes with protocol meaning
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
)

// Transport is one established duplex connection
type Transport interface {
	// Read blocks until a frame arrives. A finished connection returns
	// an error; use CloseCode to classify it.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close starts a close handshake with the given code. It must not
	// block waiting for the peer.
	Close(code int, reason string) error
}

// Dialer opens a Transport for a counterparty
type Dialer interface {
	Dial(ctx context.Context, counterparty models.CounterpartyID, token string) (Transport, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, counterparty models.CounterpartyID, token string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, counterparty models.CounterpartyID, token string) (Transport, error) {
	return f(ctx, counterparty, token)
}

// CloseError reports a close frame received from the peer
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from a read or write error. Errors
// without a close frame count as an abnormal closure.
func CloseCode(err error) int {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return CloseAbnormal
}

// IsTerminalClose reports whether a close code ends the session without a retry
func IsTerminalClose(code int) bool {
	return code == CloseNormal || code == ClosePolicyViolation
}
