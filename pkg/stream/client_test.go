package stream_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/killallgit/agentstream/pkg/stream"
	"github.com/killallgit/agentstream/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func fastOptions() stream.Options {
	return stream.Options{
		MaxErrors:      5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

var _ = Describe("Client", func() {
	var (
		transport *testutil.FakeTransport
		handler   *testutil.RecordingHandler
		client    *stream.Client
	)

	BeforeEach(func() {
		transport = testutil.NewFakeTransport()
		handler = testutil.NewRecordingHandler()
		client = stream.NewClient(transport, handler, fastOptions())
	})

	AfterEach(func() {
		client.Stop()
	})

	waitForConn := func() *testutil.FakeConn {
		Eventually(transport.LastConn).ShouldNot(BeNil())
		Eventually(client.Connected).Should(BeTrue())
		Eventually(handler.Statuses).Should(ContainElement(stream.StatusStreaming))
		return transport.LastConn()
	}

	Describe("event handling", func() {
		It("should forward content verbatim and drop pings", func() {
			client.Start("run-1")
			conn := waitForConn()

			conn.Send(`{"type":"ping"}`)
			conn.Send(`{"type":"assistant","message_id":"m1","content":"hi"}`)
			conn.Send(`{"type":"ping"}`)

			Eventually(handler.Messages).Should(Equal([]string{
				`{"type":"assistant","message_id":"m1","content":"hi"}`,
			}))
			Consistently(handler.Messages, 50*time.Millisecond).Should(HaveLen(1))
		})

		It("should close once on run not found without reconnecting", func() {
			client.Start("abc123")
			conn := waitForConn()

			conn.Send(`Agent run abc123 not found in active runs`)

			Eventually(handler.Closes).Should(HaveLen(1))
			Expect(handler.Closes()[0].Kind).To(Equal(stream.CloseNotFound))
			Expect(handler.Errors()).To(HaveLen(1))
			Expect(handler.Errors()[0]).To(ContainSubstring("not found in active runs"))
			Expect(conn.IsClosed()).To(BeTrue())

			Consistently(transport.OpenCount, 50*time.Millisecond).Should(Equal(1))
			Expect(handler.Errors()).To(HaveLen(1))
			Expect(handler.Closes()).To(HaveLen(1))
		})

		It("should treat completion as a control signal", func() {
			client.Start("run-1")
			conn := waitForConn()

			conn.Send(`{"type":"assistant","message_id":"m1","content":"done"}`)
			conn.Send(`{"type":"status","status":"completed","message":"finished"}`)

			Eventually(handler.Closes).Should(HaveLen(1))
			result := handler.Closes()[0]
			Expect(result.Kind).To(Equal(stream.CloseCompleted))
			Expect(result.Succeeded()).To(BeTrue())
			Expect(handler.Messages()).To(HaveLen(1))
			Expect(handler.Errors()).To(BeEmpty())
			Expect(client.Status()).To(Equal(stream.StatusClosed))
			Expect(client.RunID()).To(Equal("run-1"))
			Expect(client.Connected()).To(BeFalse())
		})

		It("should close on thread run end", func() {
			client.Start("run-1")
			conn := waitForConn()

			conn.Send(`{"type":"status","content":"{\"status_type\":\"thread_run_end\"}"}`)

			Eventually(handler.Closes).Should(HaveLen(1))
			Expect(handler.Closes()[0].Kind).To(Equal(stream.CloseThreadEnd))
		})

		It("should report failed runs through OnClose only", func() {
			client.Start("run-1")
			conn := waitForConn()

			conn.Send(`{"type":"status","status":"failed","message":"boom"}`)

			Eventually(handler.Closes).Should(HaveLen(1))
			Expect(handler.Closes()[0].Kind).To(Equal(stream.CloseFailed))
			Expect(handler.Closes()[0].Message).To(Equal("boom"))
			Expect(handler.Errors()).To(BeEmpty())
		})
	})

	Describe("reconnection", func() {
		It("should give up after five consecutive errors", func() {
			transport = testutil.FailingTransport(errors.New("connection refused"))
			client = stream.NewClient(transport, handler, fastOptions())

			client.Start("run-1")

			Eventually(handler.Closes).Should(HaveLen(1))
			Expect(handler.Closes()[0].Kind).To(Equal(stream.CloseGaveUp))
			Expect(transport.OpenCount()).To(Equal(5))

			errs := handler.Errors()
			Expect(errs).To(HaveLen(5))
			Expect(errs[4]).To(ContainSubstring("giving up"))

			Consistently(transport.OpenCount, 50*time.Millisecond).Should(Equal(5))
		})

		It("should reconnect after a mid-stream interruption", func() {
			client.Start("run-1")
			first := waitForConn()

			first.Fail(errors.New("connection reset"))

			Eventually(transport.OpenCount).Should(Equal(2))
			Eventually(handler.Errors).Should(HaveLen(1))
			Expect(handler.Closes()).To(BeEmpty())
			Expect(handler.Statuses()).To(ContainElement(stream.StatusError))

			second := waitForConn()
			Expect(second).NotTo(BeIdenticalTo(first))
			second.Send(`{"type":"assistant","message_id":"m1"}`)
			Eventually(handler.Messages).Should(HaveLen(1))
		})

		It("should count a server hang-up before completion as an interruption", func() {
			client.Start("run-1")
			waitForConn().End()

			Eventually(transport.OpenCount).Should(Equal(2))
			Expect(handler.Closes()).To(BeEmpty())
		})

		It("should stop immediately on an authorization failure", func() {
			transport = testutil.FailingTransport(&stream.TransportError{StatusCode: 401})
			client = stream.NewClient(transport, handler, fastOptions())

			client.Start("run-1")

			Eventually(handler.Closes).Should(HaveLen(1))
			Expect(handler.Closes()[0].Kind).To(Equal(stream.CloseUnauthorized))
			Expect(handler.Closes()[0].StatusCode).To(Equal(401))
			Expect(handler.Errors()).To(HaveLen(1))
			Consistently(transport.OpenCount, 50*time.Millisecond).Should(Equal(1))
		})

		It("should reset the error count after a long enough connection", func() {
			var mu sync.Mutex
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			}
			advance := func(d time.Duration) {
				mu.Lock()
				defer mu.Unlock()
				now = now.Add(d)
			}

			opts := fastOptions()
			opts.MaxErrors = 2
			opts.ErrorResetWindow = time.Minute
			opts.Now = clock
			client = stream.NewClient(transport, handler, opts)

			client.Start("run-1")
			conn := waitForConn()
			advance(2 * time.Minute)
			conn.Fail(errors.New("reset"))
			Eventually(transport.OpenCount).Should(Equal(2))

			conn = waitForConn()
			advance(2 * time.Minute)
			conn.Fail(errors.New("reset"))
			Eventually(transport.OpenCount).Should(Equal(3))
			Expect(handler.Closes()).To(BeEmpty())

			// a short-lived connection keeps the count, so the next failure is the second in a row
			conn = waitForConn()
			conn.Fail(errors.New("reset"))

			Eventually(handler.Closes).Should(HaveLen(1))
			Expect(handler.Closes()[0].Kind).To(Equal(stream.CloseGaveUp))
		})
	})

	Describe("Start", func() {
		It("should not open a second connection for the same run", func() {
			client.Start("run-1")
			waitForConn()
			client.Start("run-1")
			client.Start("run-1")

			Consistently(transport.OpenCount, 50*time.Millisecond).Should(Equal(1))
		})

		It("should tear down the previous run before attaching a new one", func() {
			client.Start("run-1")
			first := waitForConn()

			client.Start("run-2")

			Expect(first.IsClosed()).To(BeTrue())
			Expect(client.RunID()).To(Equal("run-2"))
			Eventually(transport.Opens).Should(Equal([]string{"run-1", "run-2"}))

			first.Send(`{"type":"assistant","message_id":"stale"}`)
			second := waitForConn()
			second.Send(`{"type":"assistant","message_id":"fresh"}`)

			Eventually(handler.Messages).Should(HaveLen(1))
			Expect(handler.Messages()[0]).To(ContainSubstring("fresh"))
		})

		It("should ignore an empty run id", func() {
			client.Start("")
			Consistently(transport.OpenCount, 20*time.Millisecond).Should(BeZero())
			Expect(client.RunID()).To(BeEmpty())
		})

		It("should reconnect to the same run after the stream ended", func() {
			client.Start("run-1")
			waitForConn().Send(`{"type":"status","status":"completed"}`)
			Eventually(handler.Closes).Should(HaveLen(1))

			client.Start("run-1")
			Eventually(transport.OpenCount).Should(Equal(2))
		})
	})

	Describe("Stop", func() {
		It("should be idempotent and silent", func() {
			client.Start("run-1")
			conn := waitForConn()

			client.Stop()
			statuses := len(handler.Statuses())
			client.Stop()
			client.Stop()

			Expect(conn.IsClosed()).To(BeTrue())
			Expect(client.RunID()).To(BeEmpty())
			Expect(client.Connected()).To(BeFalse())
			Expect(client.Status()).To(Equal(stream.StatusClosed))
			Eventually(client.Done()).Should(BeClosed())
			Consistently(handler.Closes, 20*time.Millisecond).Should(BeEmpty())
			Expect(handler.Statuses()).To(HaveLen(statuses))
		})

		It("should be safe before any Start", func() {
			Expect(client.Stop).NotTo(Panic())
			Expect(client.Status()).To(Equal(stream.StatusIdle))
		})

		It("should abandon a pending reconnect", func() {
			blocked := make(chan struct{})
			transport.OpenFunc = func(ctx context.Context, _ string, _ int) (stream.Conn, error) {
				close(blocked)
				<-ctx.Done()
				return nil, ctx.Err()
			}

			client.Start("run-1")
			Eventually(blocked).Should(BeClosed())
			client.Stop()

			Eventually(client.Done()).Should(BeClosed())
			Expect(handler.Errors()).To(BeEmpty())
			Expect(handler.Closes()).To(BeEmpty())
		})
	})
})
