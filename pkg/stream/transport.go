package stream

import (
	"context"
	"fmt"
	"net/http"
)

// TokenSource supplies the credential passed as a connection parameter
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Transport opens one event connection for a run
type Transport interface {
	Open(ctx context.Context, runID string) (Conn, error)
}

// Conn yields raw event payloads until it fails or is closed. Close must be
// safe to call concurrently with a blocked Next.
type Conn interface {
	Next() ([]byte, error)
	Close() error
}

// TransportError is returned by Open when the connection could not be established
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("stream: HTTP %d: %v", e.StatusCode, e.Err)
		}
		return fmt.Sprintf("stream: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("stream: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Fatal reports whether retrying cannot help
func (e *TransportError) Fatal() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
