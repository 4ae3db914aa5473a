package headless

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/killallgit/agentstream/pkg/api"
	"github.com/killallgit/agentstream/pkg/chat"
	"github.com/killallgit/agentstream/pkg/config"
	"github.com/killallgit/agentstream/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const threadID = "thread-1"

func testConfig(url, transport string) *config.Config {
	return &config.Config{
		API:  config.APIConfig{URL: url, Timeout: 5 * time.Second},
		Auth: config.AuthConfig{RefreshMargin: time.Second},
		Stream: config.StreamConfig{
			Transport:        transport,
			MaxErrors:        5,
			ErrorResetWindow: time.Minute,
			Backoff:          config.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		},
		Run: config.RunConfig{
			ResetDelay:      200 * time.Millisecond,
			AppType:         "web",
			ReasoningEffort: "low",
			AccountID:       "acct-1",
		},
		Notifications: config.NotificationsConfig{SuppressedSubstrings: config.DefaultSuppressedSubstrings},
	}
}

var _ = Describe("Runner", func() {
	var (
		server *testutil.Server
		stdout *bytes.Buffer
		stderr *bytes.Buffer
		ctx    context.Context
		cancel context.CancelFunc
	)

	newRunner := func(cfg *config.Config) *Runner {
		r, err := NewRunner(cfg, NewOutput(stdout, stderr))
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		server = testutil.NewServer()
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	for _, transport := range []string{config.TransportSSE, config.TransportWebSocket} {
		transport := transport

		Context("over "+transport, func() {
			It("sends a message and prints the streamed reply once", func() {
				// persist takes msg-1, so the run is run-2
				server.Emit("run-2", testutil.AssistantEvent("a-1", threadID, "Hello ", chat.StreamStatusChunk))
				server.Emit("run-2", testutil.AssistantEvent("a-1", threadID, "world", chat.StreamStatusChunk))
				server.Emit("run-2", testutil.AssistantEvent("a-1", threadID, "Hello world", chat.StreamStatusComplete))
				server.Emit("run-2", testutil.StatusEvent("completed"))

				err := newRunner(testConfig(server.URL, transport)).Send(ctx, threadID, "hi there")
				Expect(err).NotTo(HaveOccurred())

				Expect(stdout.String()).To(ContainSubstring("Hello world"))
				Expect(bytes.Count(stdout.Bytes(), []byte("Hello world"))).To(Equal(1))
				Expect(stdout.String()).To(ContainSubstring("Run run-2 completed"))

				Expect(server.Persisted()).To(HaveLen(1))
				Expect(server.Persisted()[0].Message).To(Equal("hi there"))
				Expect(server.StartCalls()).To(HaveLen(1))
				Expect(server.StartCalls()[0].Options.AppType).To(Equal("web"))
			})
		})
	}

	It("reports a failed run", func() {
		server.Emit("run-2", testutil.StatusEvent("failed"))

		err := newRunner(testConfig(server.URL, config.TransportSSE)).Send(ctx, threadID, "go")
		Expect(errors.Is(err, ErrRunFailed)).To(BeTrue())
		Expect(stderr.String()).To(ContainSubstring("Agent run failed"))
	})

	It("rejects an empty message without calling the server", func() {
		err := newRunner(testConfig(server.URL, config.TransportSSE)).Send(ctx, threadID, "   ")
		Expect(err).To(HaveOccurred())
		Expect(server.Persisted()).To(BeEmpty())
	})

	It("prints the billing alert when the start is refused", func() {
		server.FailStart(402, `{"detail":{"message":"Monthly limit reached","currentUsage":12.5,"limit":10}}`)

		err := newRunner(testConfig(server.URL, config.TransportSSE)).Send(ctx, threadID, "go")
		Expect(err).To(HaveOccurred())
		Expect(api.IsBillingLimit(err)).To(BeTrue())
		Expect(stderr.String()).To(ContainSubstring("Usage limit reached: Monthly limit reached"))
		Expect(stderr.String()).To(ContainSubstring("(12.50 of 10.00)"))
		Expect(stderr.String()).To(ContainSubstring("acct-1"))
	})

	It("attaches to a live run", func() {
		server.SetRuns(threadID, api.AgentRun{ID: "run-live", ThreadID: threadID, Status: api.RunRunning})
		server.Emit("run-live", testutil.AssistantEvent("a-1", threadID, "done", chat.StreamStatusComplete))
		server.Emit("run-live", testutil.StatusEvent("completed"))

		err := newRunner(testConfig(server.URL, config.TransportSSE)).Attach(ctx, threadID, "run-live")
		Expect(err).NotTo(HaveOccurred())
		Expect(stdout.String()).To(ContainSubstring("Following run run-live"))
		Expect(stdout.String()).To(ContainSubstring("done"))
	})

	It("stops the run when interrupted", func() {
		server.SetRuns(threadID, api.AgentRun{ID: "run-live", ThreadID: threadID, Status: api.RunRunning})
		r := newRunner(testConfig(server.URL, config.TransportSSE))

		attachCtx, interrupt := context.WithCancel(ctx)
		result := make(chan error, 1)
		go func() { result <- r.Attach(attachCtx, threadID, "run-live") }()

		Eventually(server.StreamOpens).Should(ContainElement("run-live"))
		interrupt()

		Eventually(result).Should(Receive(MatchError(context.Canceled)))
		Expect(server.StopCalls()).To(Equal([]string{"run-live"}))
	})

	Describe("Resume", func() {
		It("prints the thread when nothing is pending", func() {
			server.SetMessages(threadID,
				chat.Message{ID: "m-1", ThreadID: threadID, Type: chat.TypeUser, Content: "question"},
				chat.Message{ID: "m-2", ThreadID: threadID, Type: chat.TypeAssistant, Content: "answer"},
			)

			err := newRunner(testConfig(server.URL, config.TransportSSE)).Resume(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stdout.String()).To(ContainSubstring("question"))
			Expect(stdout.String()).To(ContainSubstring("answer"))
			Expect(stdout.String()).To(ContainSubstring("has no run to resume"))
			Expect(server.StartCalls()).To(BeEmpty())
		})

		It("starts a run for an unanswered message", func() {
			server.SetMessages(threadID,
				chat.Message{ID: "m-1", ThreadID: threadID, Type: chat.TypeUser, Content: "still waiting"},
			)
			server.Emit("run-1", testutil.AssistantEvent("a-1", threadID, "here you go", chat.StreamStatusComplete))
			server.Emit("run-1", testutil.StatusEvent("completed"))

			err := newRunner(testConfig(server.URL, config.TransportSSE)).Resume(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.StartCalls()).To(HaveLen(1))
			Expect(stdout.String()).To(ContainSubstring("still waiting"))
			Expect(stdout.String()).To(ContainSubstring("here you go"))
		})

		It("follows a run that is still in progress", func() {
			server.SetMessages(threadID,
				chat.Message{ID: "m-1", ThreadID: threadID, Type: chat.TypeUser, Content: "pending"},
			)
			server.SetRuns(threadID, api.AgentRun{ID: "run-live", ThreadID: threadID, Status: api.RunRunning})
			server.Emit("run-live", testutil.StatusEvent("completed"))

			err := newRunner(testConfig(server.URL, config.TransportSSE)).Resume(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.StartCalls()).To(BeEmpty())
			Expect(stdout.String()).To(ContainSubstring("Following run run-live"))
		})
	})

	It("sends a stop request", func() {
		err := newRunner(testConfig(server.URL, config.TransportSSE)).Stop(ctx, "run-9")
		Expect(err).NotTo(HaveOccurred())
		Expect(server.StopCalls()).To(Equal([]string{"run-9"}))
	})

	Describe("credentials", func() {
		It("passes the configured token to the stream", func() {
			server.RequireToken("secret")
			server.Emit("run-2", testutil.StatusEvent("completed"))

			cfg := testConfig(server.URL, config.TransportWebSocket)
			cfg.Auth.Token = "secret"
			Expect(newRunner(cfg).Send(ctx, threadID, "hi")).To(Succeed())
			Expect(server.StreamOpens()).To(Equal([]string{"run-2"}))
		})

		It("reads the token from a file", func() {
			server.RequireToken("from-file")
			server.Emit("run-2", testutil.StatusEvent("completed"))

			dir, err := os.MkdirTemp("", "agentstream-token")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
			path := filepath.Join(dir, "token")
			Expect(os.WriteFile(path, []byte("from-file\n"), 0600)).To(Succeed())

			cfg := testConfig(server.URL, config.TransportSSE)
			cfg.Auth.TokenFile = path
			Expect(newRunner(cfg).Send(ctx, threadID, "hi")).To(Succeed())
			Expect(server.StreamOpens()).To(Equal([]string{"run-2"}))
		})
	})

	It("requires a config", func() {
		_, err := NewRunner(nil, nil)
		Expect(err).To(HaveOccurred())
	})
})
