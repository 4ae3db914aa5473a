package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/killallgit/agentstream/pkg/stream"
)

// FakeConn is a scripted stream.Conn. Payloads pushed with Send are returned
// by Next in order; Fail and End terminate the read side.
type FakeConn struct {
	events chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		events: make(chan []byte, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Send queues a raw payload
func (c *FakeConn) Send(raw string) {
	c.events <- []byte(raw)
}

// Fail makes the next read fail with err once queued payloads are drained
func (c *FakeConn) Fail(err error) {
	c.errs <- err
}

// End ends the stream as if the server hung up
func (c *FakeConn) End() {
	c.Fail(io.EOF)
}

func (c *FakeConn) Next() ([]byte, error) {
	select {
	case raw := <-c.events:
		return raw, nil
	default:
	}
	select {
	case raw := <-c.events:
		return raw, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// FakeTransport records every Open call. By default each Open succeeds with
// a fresh FakeConn; OpenFunc overrides that.
type FakeTransport struct {
	mu       sync.Mutex
	opens    []string
	conns    []*FakeConn
	OpenFunc func(ctx context.Context, runID string, attempt int) (stream.Conn, error)

	opened chan string
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{opened: make(chan string, 64)}
}

// FailingTransport returns a transport whose every Open fails with err
func FailingTransport(err error) *FakeTransport {
	t := NewFakeTransport()
	t.OpenFunc = func(context.Context, string, int) (stream.Conn, error) {
		return nil, err
	}
	return t
}

func (t *FakeTransport) Open(ctx context.Context, runID string) (stream.Conn, error) {
	t.mu.Lock()
	attempt := len(t.opens)
	t.opens = append(t.opens, runID)
	fn := t.OpenFunc
	t.mu.Unlock()

	var (
		conn stream.Conn
		err  error
	)
	if fn != nil {
		conn, err = fn(ctx, runID, attempt)
	} else {
		fc := NewFakeConn()
		t.mu.Lock()
		t.conns = append(t.conns, fc)
		t.mu.Unlock()
		conn = fc
	}

	select {
	case t.opened <- runID:
	default:
	}
	return conn, err
}

// Opened receives the run id of each Open call after it returns
func (t *FakeTransport) Opened() <-chan string {
	return t.opened
}

func (t *FakeTransport) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opens)
}

func (t *FakeTransport) Opens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.opens))
	copy(out, t.opens)
	return out
}

// Conns returns the connections handed out by the default Open
func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FakeConn, len(t.conns))
	copy(out, t.conns)
	return out
}

// LastConn returns the newest default connection, or nil
func (t *FakeTransport) LastConn() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

var _ stream.Transport = (*FakeTransport)(nil)
var _ stream.Conn = (*FakeConn)(nil)
