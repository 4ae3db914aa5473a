package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/killallgit/agentstream/pkg/api"
	"github.com/killallgit/agentstream/pkg/config"
	"github.com/killallgit/agentstream/pkg/controllers"
	"github.com/killallgit/agentstream/pkg/logger"
	"github.com/killallgit/agentstream/pkg/runstate"
	"github.com/killallgit/agentstream/pkg/stream"
)

// stopTimeout bounds the best-effort server stop sent when the user interrupts
const stopTimeout = 5 * time.Second

// ErrRunFailed is returned when a followed run ends in the error state
var ErrRunFailed = errors.New("agent run failed")

// Runner drives agent runs from the command line: it sends messages,
// follows streams and prints what happens.
type Runner struct {
	cfg       *config.Config
	client    *api.Client
	transport stream.Transport
	tokens    api.Invalidator
	notifier  *controllers.Notifier
	out       *Output
	log       *logger.ComponentLogger
}

// NewRunner builds the API client and stream transport described by cfg
func NewRunner(cfg *config.Config, out *Output) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("headless: config is required")
	}
	if out == nil {
		out = NewOutput(os.Stdout, os.Stderr)
	}

	tokens, err := tokenSource(cfg.Auth)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(api.Config{
		BaseURL: cfg.API.URL,
		Tokens:  tokens,
		Timeout: cfg.API.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	var streamTokens stream.TokenSource
	if tokens != nil {
		streamTokens = tokens
	}

	var transport stream.Transport
	switch cfg.Stream.Transport {
	case config.TransportWebSocket:
		transport = stream.NewWebSocketTransport(client.BaseURL(), streamTokens, nil)
	default:
		// no client timeout: the response lives as long as the run
		transport = stream.NewSSETransport(client.BaseURL(), streamTokens, &http.Client{})
	}

	invalidator, _ := tokens.(api.Invalidator)

	return &Runner{
		cfg:       cfg,
		client:    client,
		transport: transport,
		tokens:    invalidator,
		notifier:  controllers.NewNotifier(cfg.Notifications.SuppressedSubstrings),
		out:       out,
		log:       logger.WithComponent("headless"),
	}, nil
}

// tokenSource returns nil when no credential is configured
func tokenSource(auth config.AuthConfig) (api.TokenSource, error) {
	if auth.TokenFile != "" {
		path := auth.TokenFile
		return api.NewCachedTokenSource(func(context.Context) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			token := strings.TrimSpace(string(b))
			if token == "" {
				return "", fmt.Errorf("token file %s is empty", path)
			}
			return token, nil
		}, auth.RefreshMargin), nil
	}
	if auth.Token != "" {
		return api.StaticTokenSource(auth.Token), nil
	}
	return nil, nil
}

func (r *Runner) newController(threadID string) (*controllers.AgentRunController, error) {
	run := r.cfg.Run
	thinking := run.EnableThinking
	opts := api.RunOptions{
		AppType:         run.AppType,
		ModelName:       run.ModelName,
		EnableThinking:  &thinking,
		ReasoningEffort: run.ReasoningEffort,
	}

	return controllers.NewAgentRunController(controllers.Options{
		ThreadID:   threadID,
		RunOptions: opts,
		AccountID:  run.AccountID,
		ResetDelay: run.ResetDelay,
		StreamOptions: stream.Options{
			MaxErrors:        r.cfg.Stream.MaxErrors,
			ErrorResetWindow: r.cfg.Stream.ErrorResetWindow,
			InitialBackoff:   r.cfg.Stream.Backoff.Initial,
			MaxBackoff:       r.cfg.Stream.Backoff.Max,
		},
	}, controllers.Deps{
		Runs:      r.client,
		Messages:  r.client,
		History:   api.NewHistoryQuery(r.client, threadID),
		Transport: r.transport,
		Notifier:  r.notifier,
		Tokens:    r.tokens,
	})
}

// Send posts text to the thread, starts a run and follows it to the end
func (r *Runner) Send(ctx context.Context, threadID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message cannot be empty")
	}
	ctrl, err := r.newController(threadID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	f := newFollower(r.out, false)
	unsubscribe := ctrl.Subscribe(f.observe)
	defer unsubscribe()

	if err := ctrl.SendMessage(ctx, text, nil); err != nil {
		return err
	}
	return r.follow(ctx, ctrl, f)
}

// Attach follows a run that is already in progress
func (r *Runner) Attach(ctx context.Context, threadID, runID string) error {
	ctrl, err := r.newController(threadID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	f := newFollower(r.out, false)
	unsubscribe := ctrl.Subscribe(f.observe)
	defer unsubscribe()

	if !ctrl.Attach(runID) {
		return fmt.Errorf("cannot attach to run %s", runID)
	}
	r.out.Status("Following run %s", runID)
	return r.follow(ctx, ctrl, f)
}

// Resume prints the thread and, if a run is live or the last user message
// never got an answer, follows that run.
func (r *Runner) Resume(ctx context.Context, threadID string) error {
	ctrl, err := r.newController(threadID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	f := newFollower(r.out, true)
	unsubscribe := ctrl.Subscribe(f.observe)
	defer unsubscribe()

	if err := ctrl.Mount(ctx); err != nil {
		return err
	}

	snap := ctrl.Snapshot()
	if snap.BillingAlert != nil {
		return fmt.Errorf("could not resume thread %s: %s", threadID, snap.BillingAlert.Message)
	}
	if n := snap.Notification; n != nil && n.Level == controllers.LevelError {
		return fmt.Errorf("could not resume thread %s: %s", threadID, n.Message)
	}
	runID, ok := f.engaged()
	if !ok {
		r.out.Status("Thread %s has no run to resume", threadID)
		return nil
	}
	r.out.Status("Following run %s", runID)
	return r.follow(ctx, ctrl, f)
}

// Stop asks the server to stop a run
func (r *Runner) Stop(ctx context.Context, runID string) error {
	if err := r.client.StopRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to stop run %s: %w", runID, err)
	}
	r.out.Status("Stop requested for run %s", runID)
	return nil
}

// follow blocks until the run ends. Cancelling ctx stops the run.
func (r *Runner) follow(ctx context.Context, ctrl *controllers.AgentRunController, f *follower) error {
	start := time.Now()
	select {
	case <-f.done:
	case <-ctx.Done():
		r.log.Info("Interrupted, stopping run %s", ctrl.Snapshot().RunID)
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		ctrl.StopAgent(stopCtx)
		r.out.Status("Run stopped")
		return ctx.Err()
	}

	final := f.result()
	elapsed := time.Since(start).Round(100 * time.Millisecond)
	switch final.Status {
	case runstate.StatusError:
		r.out.Status("Run %s failed after %s", final.RunID, elapsed)
		return fmt.Errorf("%w: %s", ErrRunFailed, final.RunID)
	case runstate.StatusStopped:
		r.out.Status("Run %s stopped after %s", final.RunID, elapsed)
	default:
		r.out.Status("Run %s %s in %s", final.RunID, final.Status, elapsed)
	}
	return nil
}
