// Package api is the HTTP client for the run, message and history
// endpoints the coordinator depends on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/agentstream/pkg/chat"
	"github.com/killallgit/agentstream/pkg/logger"
	"github.com/tidwall/gjson"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:8000/api".
	BaseURL string

	// Tokens supplies the bearer token. Nil sends unauthenticated requests.
	Tokens TokenSource

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	log     *logger.ComponentLogger
}

// NewClient returns an error if BaseURL is empty or unparsable.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  cfg.Tokens,
		client:  httpClient,
		log:     logger.WithComponent("api"),
	}, nil
}

// BaseURL returns the API root without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StartRun asks the server to start an agent run on the thread.
func (c *Client) StartRun(ctx context.Context, threadID string, opts RunOptions) (*StartRunResponse, error) {
	body := StartRunRequest{ThreadID: threadID, Options: opts}
	var resp StartRunResponse
	if err := c.post(ctx, "/threads/"+url.PathEscape(threadID)+"/agent/start", body, &resp); err != nil {
		return nil, err
	}
	if resp.AgentRunID == "" {
		return nil, errors.New("api: start run: response has no agent_run_id")
	}
	return &resp, nil
}

// StopRun asks the server to stop a run. Stopping a finished run succeeds.
func (c *Client) StopRun(ctx context.Context, runID string) error {
	return c.post(ctx, "/agent-run/"+url.PathEscape(runID)+"/stop", nil, nil)
}

// PersistMessage stores a user message. The returned message is nil when the
// server acknowledges without echoing the stored record.
func (c *Client) PersistMessage(ctx context.Context, threadID, text string) (*chat.Message, error) {
	body := PersistMessageRequest{ThreadID: threadID, Message: text}
	var raw json.RawMessage
	if err := c.post(ctx, "/threads/"+url.PathEscape(threadID)+"/messages", body, &raw); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	doc := gjson.ParseBytes(raw)
	if m := doc.Get("message"); m.IsObject() {
		doc = m
	}
	msg, err := chat.DecodeMessage([]byte(doc.Raw))
	if err != nil {
		c.log.Debug("Persist response for thread %s carries no message: %v", threadID, err)
		return nil, nil
	}
	if msg.ThreadID == "" {
		msg.ThreadID = threadID
	}
	return &msg, nil
}

// ListMessages returns the thread's stored messages in server order.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]chat.Message, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/threads/"+url.PathEscape(threadID)+"/messages", &raw); err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(raw)
	if list := doc.Get("messages"); list.IsArray() {
		doc = list
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("api: list messages: unexpected response %q", truncate(raw))
	}

	var messages []chat.Message
	for _, item := range doc.Array() {
		msg, err := chat.DecodeMessage([]byte(item.Raw))
		if err != nil {
			c.log.Warn("Skipping undecodable message in thread %s: %v", threadID, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListRuns returns the thread's run history.
func (c *Client) ListRuns(ctx context.Context, threadID string) ([]AgentRun, error) {
	var resp listRunsResponse
	if err := c.get(ctx, "/threads/"+url.PathEscape(threadID)+"/agent-runs", &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("api: get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug("%s %s -> %d in %s", req.Method, req.URL.Path, resp.StatusCode, time.Since(start))
	err = handleResponse(resp, dest)
	if IsUnauthorized(err) {
		if inv, ok := c.tokens.(Invalidator); ok {
			c.log.Debug("Dropping cached token after 401 from %s", req.URL.Path)
			inv.Invalidate()
		}
	}
	return err
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
