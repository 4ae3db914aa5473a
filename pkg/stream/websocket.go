package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport reads a run's events from {base}/agent-run/{id}/ws.
// An http(s) base URL is rewritten to ws(s).
type WebSocketTransport struct {
	baseURL string
	tokens  TokenSource
	dialer  *websocket.Dialer
}

func NewWebSocketTransport(baseURL string, tokens TokenSource, dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &WebSocketTransport{
		baseURL: websocketBase(strings.TrimRight(baseURL, "/")),
		tokens:  tokens,
		dialer:  dialer,
	}
}

func websocketBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// Open implements Transport
func (t *WebSocketTransport) Open(ctx context.Context, runID string) (Conn, error) {
	u := fmt.Sprintf("%s/agent-run/%s/ws", t.baseURL, url.PathEscape(runID))
	if t.tokens != nil {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			return nil, &TransportError{Err: fmt.Errorf("get stream token: %w", err)}
		}
		u += "?" + url.Values{"token": {token}}.Encode()
	}

	conn, resp, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		te := &TransportError{Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, te
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next text or binary frame. A normal close from the server
// returns errClosedByServer.
func (c *wsConn) Next() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil, errClosedByServer
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

var errClosedByServer = errors.New("stream closed by server")
