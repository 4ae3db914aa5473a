package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/killallgit/agentstream/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Status is the transport connectivity of a Client, independent of the run's own status
type Status string

const (
	// StatusIdle means no run is attached.
	StatusIdle Status = "idle"
	// StatusConnecting covers the initial dial and every reconnect wait.
	StatusConnecting Status = "connecting"
	// StatusStreaming means the connection is open and delivering events.
	StatusStreaming Status = "streaming"
	// StatusError is reported after a transport failure, before the next retry.
	StatusError Status = "error"
	// StatusClosed means the stream ended and will not reconnect.
	StatusClosed Status = "closed"
)

func (s Status) String() string {
	return string(s)
}

// CloseKind says why a stream ended
type CloseKind string

const (
	// CloseCompleted is a completed status event from the server.
	CloseCompleted CloseKind = "completed"
	// CloseFailed is a failed or error status event from the server.
	CloseFailed CloseKind = "failed"
	// CloseStopped is a stopped status event from the server.
	CloseStopped CloseKind = "stopped"
	// CloseThreadEnd is the thread_run_end marker.
	CloseThreadEnd CloseKind = "thread_run_end"
	// CloseNotFound means the server no longer knows the run.
	CloseNotFound CloseKind = "not_found"
	// CloseUnauthorized means the server rejected the token.
	CloseUnauthorized CloseKind = "unauthorized"
	// CloseGaveUp means the error budget ran out before the run finished.
	CloseGaveUp CloseKind = "gave_up"
)

// CloseResult is passed to Handler.OnClose
type CloseResult struct {
	Kind       CloseKind
	Message    string
	StatusCode int
}

// Succeeded reports whether the server finished the run normally
func (r CloseResult) Succeeded() bool {
	return r.Kind == CloseCompleted || r.Kind == CloseThreadEnd
}

const (
	// DefaultMaxErrors is the error budget before the client gives up.
	DefaultMaxErrors = 5
	// DefaultErrorResetWindow is how long a connection must stay open to clear the error count.
	DefaultErrorResetWindow = 5 * time.Minute
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
)

// Options tune reconnection. Zero values take the defaults above.
type Options struct {
	// MaxErrors is the number of errors without a reset window after which the client gives up.
	MaxErrors int

	// ErrorResetWindow is how long a connection must stay open to clear the error count.
	ErrorResetWindow time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Meter records stream counters; defaults to the global meter provider.
	Meter metric.Meter

	// Now is the clock used for the reset window.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxErrors <= 0 {
		o.MaxErrors = DefaultMaxErrors
	}
	if o.ErrorResetWindow <= 0 {
		o.ErrorResetWindow = DefaultErrorResetWindow
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Meter == nil {
		o.Meter = otel.GetMeterProvider().Meter("agentstream/stream")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type clientMetrics struct {
	events     metric.Int64Counter
	errors     metric.Int64Counter
	reconnects metric.Int64Counter
}

func newClientMetrics(m metric.Meter) *clientMetrics {
	cm := &clientMetrics{
		events:     noop.Int64Counter{},
		errors:     noop.Int64Counter{},
		reconnects: noop.Int64Counter{},
	}
	if c, err := m.Int64Counter("agentstream.stream.events",
		metric.WithDescription("Stream payloads received, by kind")); err == nil {
		cm.events = c
	}
	if c, err := m.Int64Counter("agentstream.stream.errors",
		metric.WithDescription("Transport errors observed")); err == nil {
		cm.errors = c
	}
	if c, err := m.Int64Counter("agentstream.stream.reconnects",
		metric.WithDescription("Reconnection attempts")); err == nil {
		cm.reconnects = c
	}
	return cm
}

var errEndedEarly = errors.New("stream ended before the run finished")

// Client owns at most one live connection. Every Start and Stop bumps a
// generation counter; work belonging to an older generation is discarded.
type Client struct {
	transport Transport
	handler   Handler
	opts      Options
	metrics   *clientMetrics
	log       *logger.ComponentLogger

	mu     sync.Mutex
	gen    uint64
	runID  string
	status Status
	active bool
	cancel context.CancelFunc
	conn   Conn
	done   chan struct{}
}

func NewClient(transport Transport, handler Handler, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		transport: transport,
		handler:   handler,
		opts:      opts,
		metrics:   newClientMetrics(opts.Meter),
		log:       logger.WithComponent("stream"),
		status:    StatusIdle,
	}
}

// Start attaches to runID. It is a no-op while a connection loop for the same
// run is alive; a different run tears the previous connection down first.
func (c *Client) Start(runID string) {
	if runID == "" {
		return
	}

	c.mu.Lock()
	if c.runID == runID && c.active {
		c.mu.Unlock()
		return
	}
	if c.active {
		c.log.Debug("Switching stream from run %s to %s", c.runID, runID)
	}
	c.teardownLocked()

	ctx, cancel := context.WithCancel(context.Background())
	gen := c.gen
	done := make(chan struct{})
	c.runID = runID
	c.cancel = cancel
	c.active = true
	c.done = done
	c.mu.Unlock()

	c.log.Info("Starting stream for run %s", runID)
	go c.run(ctx, gen, runID, done)
}

// Stop closes the current connection and forgets the run id. It never calls
// the handler and is safe to call at any time.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runID == "" && !c.active {
		return
	}
	c.log.Debug("Stopping stream for run %s", c.runID)
	c.teardownLocked()
	c.runID = ""
	c.status = StatusClosed
}

// RunID returns the run the client holds, including one whose stream already ended
func (c *Client) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.conn != nil
}

// Done is closed when the current connection loop exits
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Client) teardownLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.active = false
}

func (c *Client) run(ctx context.Context, gen uint64, runID string, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	errCount := 0
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.reconnects.Add(ctx, 1)
		}
		if !c.setStatus(gen, runID, StatusConnecting) {
			return
		}

		conn, err := c.transport.Open(ctx, runID)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && te.Fatal() {
				c.metrics.errors.Add(ctx, 1)
				c.finish(gen, runID, fatalResult(runID, te), true)
				return
			}
			errCount++
			if !c.recordError(ctx, gen, runID, errCount, err) || !c.wait(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		if !c.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		openedAt := c.opts.Now()
		if !c.setStatus(gen, runID, StatusStreaming) {
			return
		}
		bo.Reset()

		finished, err := c.consume(ctx, gen, runID, conn)
		if finished {
			return
		}
		c.detach(gen, conn)
		if ctx.Err() != nil {
			return
		}
		if c.opts.Now().Sub(openedAt) >= c.opts.ErrorResetWindow {
			errCount = 0
		}
		errCount++
		if !c.recordError(ctx, gen, runID, errCount, err) || !c.wait(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// consume reads until the connection fails or a control event ends the run.
// finished is true when nothing more should be attempted.
func (c *Client) consume(ctx context.Context, gen uint64, runID string, conn Conn) (finished bool, err error) {
	for {
		raw, err := conn.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errClosedByServer) {
				err = errEndedEarly
			}
			return false, err
		}

		ev := Classify(raw)
		c.metrics.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", ev.Kind.String())))

		switch ev.Kind {
		case KindPing:
			continue
		case KindNotFound:
			c.metrics.errors.Add(ctx, 1)
			c.finish(gen, runID, CloseResult{Kind: CloseNotFound, Message: notFoundMessage(runID, ev)}, true)
			return true, nil
		case KindCompleted:
			c.finish(gen, runID, CloseResult{Kind: CloseCompleted, Message: ev.Message}, false)
			return true, nil
		case KindThreadEnd:
			c.finish(gen, runID, CloseResult{Kind: CloseThreadEnd, Message: ev.Message}, false)
			return true, nil
		case KindFailed:
			c.finish(gen, runID, CloseResult{Kind: CloseFailed, Message: ev.Message}, false)
			return true, nil
		case KindStopped:
			c.finish(gen, runID, CloseResult{Kind: CloseStopped, Message: ev.Message}, false)
			return true, nil
		default:
			if !c.deliver(gen, runID, raw) {
				return true, nil
			}
		}
	}
}

// recordError counts one transport error and reports whether to retry
func (c *Client) recordError(ctx context.Context, gen uint64, runID string, count int, err error) bool {
	c.metrics.errors.Add(ctx, 1)

	if count >= c.opts.MaxErrors {
		msg := fmt.Sprintf("giving up on stream for run %s after %d errors: %v", runID, count, err)
		c.log.Error("%s", msg)
		c.finish(gen, runID, CloseResult{Kind: CloseGaveUp, Message: msg}, true)
		return false
	}

	if !c.setStatus(gen, runID, StatusError) {
		return false
	}
	c.log.Warn("Stream error for run %s (%d/%d): %v", runID, count, c.opts.MaxErrors, err)
	c.handler.OnError(runID, fmt.Sprintf("stream interrupted (%d/%d): %v", count, c.opts.MaxErrors, err))
	return true
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Client) setStatus(gen uint64, runID string, status Status) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	changed := c.status != status
	c.status = status
	c.mu.Unlock()

	if changed {
		c.handler.OnStatusChange(runID, status)
	}
	return true
}

func (c *Client) attach(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(gen uint64, conn Conn) {
	c.mu.Lock()
	if gen == c.gen && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) deliver(gen uint64, runID string, raw []byte) bool {
	if !c.current(gen) {
		return false
	}
	c.handler.OnMessage(runID, raw)
	return true
}

// finish ends the generation and reports the outcome. The run id is kept so
// the owner can tell which run just ended.
func (c *Client) finish(gen uint64, runID string, result CloseResult, reportError bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.status = StatusClosed
	c.mu.Unlock()

	c.log.Info("Stream for run %s closed: %s", runID, result.Kind)
	if reportError && result.Message != "" {
		c.handler.OnError(runID, result.Message)
	}
	c.handler.OnStatusChange(runID, StatusClosed)
	c.handler.OnClose(runID, result)
}

func fatalResult(runID string, te *TransportError) CloseResult {
	if te.StatusCode == http.StatusNotFound {
		return CloseResult{
			Kind:       CloseNotFound,
			Message:    fmt.Sprintf("agent run %s not found", runID),
			StatusCode: te.StatusCode,
		}
	}
	return CloseResult{
		Kind:       CloseUnauthorized,
		Message:    fmt.Sprintf("not authorized to stream run %s: %v", runID, te),
		StatusCode: te.StatusCode,
	}
}

func notFoundMessage(runID string, ev Event) string {
	if ev.Message != "" {
		return ev.Message
	}
	return fmt.Sprintf("agent run %s not found in active runs", runID)
}
