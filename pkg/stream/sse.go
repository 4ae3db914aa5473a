package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBody = 1 << 10

// SSETransport reads a run's events from GET {base}/agent-run/{id}/stream
type SSETransport struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewSSETransport builds a server-sent events transport. httpClient must not
// carry a request timeout; the stream lives as long as the run.
func NewSSETransport(baseURL string, tokens TokenSource, httpClient *http.Client) *SSETransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSETransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

func (t *SSETransport) streamURL(ctx context.Context, runID string) (string, error) {
	u := fmt.Sprintf("%s/agent-run/%s/stream", t.baseURL, url.PathEscape(runID))
	if t.tokens == nil {
		return u, nil
	}
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("get stream token: %w", err)
	}
	return u + "?" + url.Values{"token": {token}}.Encode(), nil
}

// Open implements Transport
func (t *SSETransport) Open(ctx context.Context, runID string) (Conn, error) {
	u, err := t.streamURL(ctx, runID)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		te := &TransportError{StatusCode: resp.StatusCode}
		if msg := strings.TrimSpace(string(body)); msg != "" {
			te.Err = errors.New(msg)
		}
		return nil, te
	}
	return newSSEConn(resp.Body), nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newSSEConn(body io.ReadCloser) *sseConn {
	return &sseConn{body: body, reader: bufio.NewReader(body)}
}

// Next returns the data of the next event. Comment lines and events without
// data are skipped; multi-line data is joined with newlines.
func (c *sseConn) Next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && hasData {
				return data.Bytes(), nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if hasData {
				return data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			hasData = true
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
