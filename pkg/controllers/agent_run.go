package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/agentstream/pkg/api"
	"github.com/killallgit/agentstream/pkg/chat"
	"github.com/killallgit/agentstream/pkg/logger"
	"github.com/killallgit/agentstream/pkg/runstate"
	"github.com/killallgit/agentstream/pkg/stream"
	"github.com/tidwall/gjson"
)

// ErrBusy is logged when a send is refused because another send or a run is in progress
var ErrBusy = errors.New("a message is already being sent or a run is active")

// DefaultResetDelay is how long a terminal run stays visible before the
// controller returns to idle.
const DefaultResetDelay = 2 * time.Second

type RunService interface {
	StartRun(ctx context.Context, threadID string, opts api.RunOptions) (*api.StartRunResponse, error)
	StopRun(ctx context.Context, runID string) error
}

type MessageService interface {
	PersistMessage(ctx context.Context, threadID, text string) (*chat.Message, error)
	ListMessages(ctx context.Context, threadID string) ([]chat.Message, error)
}

type HistorySource interface {
	State() api.HistoryState
	Refresh(ctx context.Context) error
}

// StreamAttacher is the part of stream.Client the controller drives
type StreamAttacher interface {
	Start(runID string)
	Stop()
	RunID() string
	Connected() bool
}

type Options struct {
	ThreadID string

	// RunOptions are sent with every start unless SendMessage overrides them.
	RunOptions api.RunOptions

	// AccountID is copied into billing alerts.
	AccountID string

	ResetDelay time.Duration

	StreamOptions stream.Options
}

type Deps struct {
	Runs      RunService
	Messages  MessageService
	History   HistorySource
	Transport stream.Transport
	Notifier  *Notifier

	// Tokens, when set, is invalidated whenever the server rejects the session.
	Tokens api.Invalidator
}

// AgentRunController coordinates sending a message, starting a run and
// following its stream for one thread. It is the only writer of the thread's
// message list and the run state; all mutations happen under one mutex that
// is never held across a network call.
type AgentRunController struct {
	threadID string
	opts     Options
	runs     RunService
	messages MessageService
	history  HistorySource
	notifier *Notifier
	tokens   api.Invalidator
	stream   StreamAttacher
	log      *logger.ComponentLogger

	mu                 sync.Mutex
	machine            *runstate.Machine
	thread             chat.Thread
	transport          stream.Status
	sending            bool
	autoStartAttempted bool
	billing            *BillingAlert
	notification       *Notification
	resetTimer         *time.Timer
	resetRunID         string
	version            uint64
	subscribers        map[int]func(Snapshot)
	nextSubscriber     int
	closed             bool
}

func NewAgentRunController(opts Options, deps Deps) (*AgentRunController, error) {
	if opts.ThreadID == "" {
		return nil, errors.New("controllers: ThreadID is required")
	}
	if deps.Runs == nil || deps.Messages == nil || deps.History == nil || deps.Transport == nil {
		return nil, errors.New("controllers: Runs, Messages, History and Transport are required")
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = DefaultResetDelay
	}
	if deps.Notifier == nil {
		deps.Notifier = NewNotifier(nil)
	}

	c := &AgentRunController{
		threadID:    opts.ThreadID,
		opts:        opts,
		runs:        deps.Runs,
		messages:    deps.Messages,
		history:     deps.History,
		notifier:    deps.Notifier,
		tokens:      deps.Tokens,
		log:         logger.WithComponent("agent-run"),
		machine:     runstate.New(),
		thread:      chat.NewThread(opts.ThreadID),
		transport:   stream.StatusIdle,
		subscribers: make(map[int]func(Snapshot)),
	}
	c.stream = stream.NewClient(deps.Transport, streamEvents{c}, opts.StreamOptions)
	return c, nil
}

// Subscribe registers fn for every state change and immediately delivers the
// current snapshot. fn runs without the controller lock held and may call
// back into the controller.
func (c *AgentRunController) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSubscriber
	c.nextSubscriber++
	c.subscribers[id] = fn
	snap := c.snapshotLocked()
	c.mu.Unlock()

	fn(snap)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *AgentRunController) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Mount loads the thread and its run history, then reconciles. A history
// failure is not returned; auto-start simply stays undecided.
func (c *AgentRunController) Mount(ctx context.Context) error {
	msgs, err := c.messages.ListMessages(ctx, c.threadID)
	if err != nil {
		c.update(func() {
			c.notifyLocked(LevelError, fmt.Sprintf("Failed to load messages: %v", err), false)
		})
		return fmt.Errorf("load messages: %w", err)
	}
	c.update(func() {
		c.thread = chat.ReconcileMessages(c.thread, msgs...)
	})

	if err := c.history.Refresh(ctx); err != nil {
		c.log.Warn("Failed to load run history for thread %s: %v", c.threadID, err)
	}
	c.Reconcile(ctx)
	return nil
}

// SendMessage appends an optimistic user message, persists it, starts a run
// and attaches the stream. Empty text, a send in flight or an active run make
// it a no-op. A failure at any step removes the optimistic message and is
// surfaced through the snapshot as well as returned.
func (c *AgentRunController) SendMessage(ctx context.Context, text string, runOpts *api.RunOptions) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var temp chat.Message
	refused := false
	c.update(func() {
		if c.closed || c.sending || c.machine.IsActive() || c.machine.Status() == runstate.StatusStopping {
			refused = true
			return
		}
		c.sending = true
		c.autoStartAttempted = true
		c.billing = nil
		temp = chat.NewUserMessage(c.threadID, text)
		c.thread = chat.MergeMessage(c.thread, temp)
	})
	if refused {
		c.log.Debug("Ignoring send on thread %s: %v", c.threadID, ErrBusy)
		return nil
	}

	msgID := temp.ID
	persisted, err := c.messages.PersistMessage(ctx, c.threadID, text)
	if err != nil {
		return c.failSend(msgID, "persist message", err)
	}
	if persisted != nil {
		msgID = persisted.ID
		c.update(func() {
			c.thread = chat.ReplaceMessage(c.thread, temp.ID, *persisted)
		})
	}

	opts := c.opts.RunOptions
	if runOpts != nil {
		opts = *runOpts
	}
	resp, err := c.runs.StartRun(ctx, c.threadID, opts)
	if err != nil {
		return c.failSend(msgID, "start run", err)
	}

	c.update(func() {
		c.sending = false
		c.attachLocked(resp.AgentRunID)
	})
	c.log.Info("Started run %s on thread %s", resp.AgentRunID, c.threadID)
	return nil
}

// StopAgent stops the current run locally and then asks the server to stop
// it. The server call is best effort; its failure is only logged. Safe to call
// in any state.
func (c *AgentRunController) StopAgent(ctx context.Context) {
	var runID string
	stopping := false
	c.update(func() {
		stopping = c.machine.Stop()
		runID = c.machine.RunID()
		c.stream.Stop()
		if stopping {
			c.transport = stream.StatusClosed
		}
	})
	if !stopping {
		return
	}

	if runID != "" {
		if err := c.runs.StopRun(ctx, runID); err != nil {
			c.log.Warn("Failed to stop run %s on the server: %v", runID, err)
		}
	}

	c.update(func() {
		if c.machine.RunID() == runID && c.machine.ConfirmStopped() {
			c.scheduleResetLocked(runID)
		}
	})
	c.log.Info("Stopped run %s", runID)
}

// Reconcile re-evaluates auto-start, stream resume and terminal cleanup.
// It is idempotent and may be called as often as the caller likes.
func (c *AgentRunController) Reconcile(ctx context.Context) {
	start := false
	c.update(func() {
		start = c.reconcileLocked()
	})
	if start {
		c.autoStart(ctx)
	}
}

// Attach follows a run whose id became known outside SendMessage, for
// example one restored from another tab. It is ignored while a run is active.
func (c *AgentRunController) Attach(runID string) bool {
	attached := false
	c.update(func() {
		if c.closed || c.sending || c.machine.IsActive() || c.machine.Status() == runstate.StatusStopping {
			return
		}
		attached = c.attachLocked(runID)
	})
	return attached
}

func (c *AgentRunController) DismissBillingAlert() {
	c.update(func() {
		c.billing = nil
	})
}

func (c *AgentRunController) DismissNotification() {
	c.update(func() {
		c.notification = nil
	})
}

// Close detaches the stream and cancels pending cleanup. Later events are ignored.
func (c *AgentRunController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancelResetLocked()
	c.stream.Stop()
	c.subscribers = make(map[int]func(Snapshot))
}

func (c *AgentRunController) attachLocked(runID string) bool {
	if !c.machine.Connect(runID) {
		c.log.Warn("Cannot attach run %s from status %s", runID, c.machine.Status())
		return false
	}
	c.autoStartAttempted = true
	c.cancelResetLocked()
	c.stream.Start(runID)
	return true
}

func (c *AgentRunController) autoStart(ctx context.Context) {
	c.log.Info("Auto-starting a run for pending message on thread %s", c.threadID)
	resp, err := c.runs.StartRun(ctx, c.threadID, c.opts.RunOptions)
	if err != nil {
		_ = c.failSend("", "auto-start run", err)
		return
	}
	c.update(func() {
		c.sending = false
		c.attachLocked(resp.AgentRunID)
	})
}

// failSend rolls back msgID, if any, and routes err to the right surface
func (c *AgentRunController) failSend(msgID, step string, err error) error {
	category := api.Classify(err)
	c.log.Error("Failed to %s on thread %s (%s): %v", step, c.threadID, category, err)

	c.update(func() {
		c.sending = false
		if msgID != "" {
			c.thread = chat.RemoveMessage(c.thread, msgID)
		}

		switch category {
		case api.CategoryBilling:
			var be *api.BillingError
			errors.As(err, &be)
			c.billing = &BillingAlert{
				Message:      be.Message,
				CurrentUsage: be.CurrentUsage,
				Limit:        be.Limit,
				AccountID:    c.opts.AccountID,
			}
		case api.CategoryAuth:
			c.expireSessionLocked()
		default:
			c.notifyLocked(LevelError, fmt.Sprintf("Failed to %s: %v", step, err), false)
		}
	})
	return fmt.Errorf("%s: %w", step, err)
}

func (c *AgentRunController) reconcileLocked() (autoStart bool) {
	if c.closed {
		return false
	}

	runID := c.machine.RunID()
	if runID != "" && c.machine.IsActive() && c.stream.RunID() != runID && !c.stream.Connected() {
		c.log.Info("Resuming stream for run %s", runID)
		c.stream.Start(runID)
	}

	if c.machine.IsTerminal() {
		if c.stream.RunID() != "" {
			c.stream.Stop()
			c.transport = stream.StatusClosed
		}
		c.scheduleResetLocked(runID)
	}

	if c.autoStartAttempted || c.sending || c.machine.IsActive() || c.machine.Status() == runstate.StatusStopping {
		return false
	}
	if !chat.EndsWithUserMessage(c.thread) || chat.HasAgentMessages(c.thread) {
		return false
	}

	history := c.history.State()
	if !history.Settled() {
		return false
	}
	c.autoStartAttempted = true
	if history.HasTerminalRun() {
		c.log.Debug("Not auto-starting thread %s: it already has a finished run", c.threadID)
		return false
	}
	if run, ok := history.ActiveRun(); ok {
		c.log.Info("Thread %s already has run %s in progress, attaching", c.threadID, run.ID)
		c.attachLocked(run.ID)
		return false
	}
	c.sending = true
	return true
}

func (c *AgentRunController) scheduleResetLocked(runID string) {
	if runID == "" || (c.resetTimer != nil && c.resetRunID == runID) {
		return
	}
	c.cancelResetLocked()
	c.resetRunID = runID
	c.resetTimer = time.AfterFunc(c.opts.ResetDelay, func() {
		c.update(func() {
			if c.resetRunID != runID {
				return
			}
			c.resetTimer = nil
			c.resetRunID = ""
			if c.machine.RunID() == runID && c.machine.Reset() {
				c.transport = stream.StatusIdle
			}
		})
	})
}

func (c *AgentRunController) cancelResetLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.resetRunID = ""
}

func (c *AgentRunController) expireSessionLocked() {
	if c.tokens != nil {
		c.tokens.Invalidate()
	}
	c.notifyLocked(LevelError, "Your session has expired. Please sign in again.", true)
}

func (c *AgentRunController) notifyLocked(level NotificationLevel, message string, reauth bool) {
	if !reauth && c.notifier.Suppressed(message) {
		c.log.Debug("Suppressed notification: %s", message)
		return
	}
	c.notification = &Notification{Level: level, Message: message, Reauth: reauth, At: time.Now()}
}

// update applies fn under the lock and publishes the resulting snapshot
func (c *AgentRunController) update(fn func()) {
	c.mu.Lock()
	fn()
	c.version++
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(c.subscribers))
	for _, s := range c.subscribers {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}

func (c *AgentRunController) snapshotLocked() Snapshot {
	var billing *BillingAlert
	if c.billing != nil {
		b := *c.billing
		billing = &b
	}
	var note *Notification
	if c.notification != nil {
		n := *c.notification
		note = &n
	}
	return Snapshot{
		Version:       c.version,
		ThreadID:      c.threadID,
		Status:        c.machine.Status(),
		RunID:         c.machine.RunID(),
		Messages:      chat.GetMessages(c.thread),
		StreamingText: c.machine.Text(),
		ToolCall:      c.machine.ToolCall(),
		Transport:     c.transport,
		Sending:       c.sending,
		BillingAlert:  billing,
		Notification:  note,
	}
}

// streamEvents adapts stream callbacks onto the controller. Events for any
// run other than the attached one are dropped, as is content that arrives
// once the run is stopping or finished.
type streamEvents struct {
	c *AgentRunController
}

func (e streamEvents) OnMessage(runID string, raw []byte) {
	e.c.update(func() {
		if !e.c.currentLocked(runID) || !e.c.machine.IsActive() {
			return
		}
		e.c.applyEventLocked(raw)
	})
}

func (e streamEvents) OnStatusChange(runID string, status stream.Status) {
	e.c.update(func() {
		if e.c.currentLocked(runID) {
			e.c.transport = status
		}
	})
}

func (e streamEvents) OnError(runID string, message string) {
	e.c.update(func() {
		if !e.c.currentLocked(runID) {
			return
		}
		e.c.log.Warn("Stream error for run %s: %s", runID, message)
		e.c.notifyLocked(LevelWarning, message, false)
	})
}

func (e streamEvents) OnClose(runID string, result stream.CloseResult) {
	c := e.c
	finished := false
	c.update(func() {
		if !c.currentLocked(runID) {
			return
		}
		c.applyCloseLocked(runID, result)
		finished = c.machine.IsTerminal()
		c.reconcileLocked()
	})
	if finished {
		go c.refreshAfterRun(runID)
	}
}

func (c *AgentRunController) currentLocked(runID string) bool {
	return !c.closed && runID != "" && runID == c.machine.RunID()
}

func (c *AgentRunController) applyCloseLocked(runID string, result stream.CloseResult) {
	if result.Succeeded() {
		c.log.Info("Run %s stream closed: %s", runID, result.Kind)
	} else {
		c.log.Warn("Run %s stream closed: %s %s", runID, result.Kind, result.Message)
	}

	switch result.Kind {
	case stream.CloseCompleted, stream.CloseThreadEnd, stream.CloseNotFound:
		c.machine.Complete()
	case stream.CloseStopped:
		if c.machine.Stop() || c.machine.Status() == runstate.StatusStopping {
			c.machine.ConfirmStopped()
		}
	case stream.CloseUnauthorized:
		c.machine.Fail()
		c.expireSessionLocked()
	case stream.CloseFailed:
		c.machine.Fail()
		msg := "Agent run failed"
		if result.Message != "" {
			msg += ": " + result.Message
		}
		c.notifyLocked(LevelError, msg, false)
	case stream.CloseGaveUp:
		c.machine.Fail()
	}
}

// applyEventLocked translates one content payload into state changes
func (c *AgentRunController) applyEventLocked(raw []byte) {
	ev := stream.Classify(raw)
	if ev.Type == "status" {
		if ev.Status == "running" {
			c.machine.MarkRunning()
		}
		return
	}

	msg, err := chat.DecodeMessage(raw)
	if err != nil {
		c.log.Debug("Ignoring undecodable stream payload: %v", err)
		return
	}
	c.machine.MarkRunning()

	switch {
	case msg.IsStatus():
	case msg.IsUser():
		if temp, ok := chat.FindTempUserMessage(c.thread, msg.Text()); ok {
			c.thread = chat.ReplaceMessage(c.thread, temp.ID, msg)
		} else {
			c.thread = chat.MergeMessage(c.thread, msg)
		}
	case msg.IsAssistant():
		switch msg.StreamStatus() {
		case chat.StreamStatusChunk:
			c.machine.AppendText(msg.Text())
		case chat.StreamStatusComplete:
			c.machine.Clear()
			c.thread = chat.MergeMessage(c.thread, msg)
		default:
			c.thread = chat.MergeMessage(c.thread, msg)
		}
	case msg.IsTool():
		if msg.IsChunk() {
			c.machine.SetToolCall(toolCallFrom(msg))
			return
		}
		c.machine.SetToolCall(nil)
		c.thread = chat.MergeMessage(c.thread, msg)
	default:
		c.thread = chat.MergeMessage(c.thread, msg)
	}
}

func toolCallFrom(msg chat.Message) *runstate.ToolCall {
	doc := gjson.Parse(msg.Content)
	name := doc.Get("name").String()
	if name == "" {
		name = doc.Get("function_name").String()
	}
	if name == "" {
		name = doc.Get("tool_name").String()
	}
	args := doc.Get("arguments")
	arguments := args.Raw
	if args.Type == gjson.String {
		arguments = args.String()
	}
	return &runstate.ToolCall{Name: name, Arguments: arguments, MessageID: msg.ID}
}

// refreshAfterRun reloads messages and history once a run finished so the
// thread holds the server's final copies.
func (c *AgentRunController) refreshAfterRun(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := c.messages.ListMessages(ctx, c.threadID)
	if err != nil {
		c.log.Warn("Failed to reload messages after run %s: %v", runID, err)
	} else {
		c.update(func() {
			if !c.closed {
				c.thread = chat.ReconcileMessages(c.thread, msgs...)
			}
		})
	}
	if err := c.history.Refresh(ctx); err != nil {
		c.log.Warn("Failed to reload run history after run %s: %v", runID, err)
	}
}
