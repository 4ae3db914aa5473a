package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/killallgit/agentstream/pkg/api"
	"github.com/killallgit/agentstream/pkg/chat"
)

// FakeRunService hands out sequential run ids unless StartFunc is set
type FakeRunService struct {
	mu        sync.Mutex
	StartFunc func(ctx context.Context, threadID string, opts api.RunOptions) (*api.StartRunResponse, error)
	StopErr   error
	starts    []api.StartRunRequest
	stops     []string
	next      int
}

func NewFakeRunService() *FakeRunService {
	return &FakeRunService{}
}

// FailStart makes every StartRun return err
func (f *FakeRunService) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartFunc = func(context.Context, string, api.RunOptions) (*api.StartRunResponse, error) {
		return nil, err
	}
}

func (f *FakeRunService) StartRun(ctx context.Context, threadID string, opts api.RunOptions) (*api.StartRunResponse, error) {
	f.mu.Lock()
	f.starts = append(f.starts, api.StartRunRequest{ThreadID: threadID, Options: opts})
	fn := f.StartFunc
	f.next++
	id := fmt.Sprintf("run-%d", f.next)
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, threadID, opts)
	}
	return &api.StartRunResponse{AgentRunID: id}, nil
}

func (f *FakeRunService) StopRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, runID)
	return f.StopErr
}

func (f *FakeRunService) Starts() []api.StartRunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.StartRunRequest(nil), f.starts...)
}

func (f *FakeRunService) StartCount() int {
	return len(f.Starts())
}

func (f *FakeRunService) Stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

// FakeMessageService stores messages in memory. With Echo set, PersistMessage
// returns the stored message; otherwise it acknowledges with nil.
type FakeMessageService struct {
	mu         sync.Mutex
	Echo       bool
	PersistErr error
	ListErr    error
	messages   []chat.Message
	persisted  []string
	lists      int
	seq        int
}

func NewFakeMessageService(msgs ...chat.Message) *FakeMessageService {
	return &FakeMessageService{Echo: true, messages: append([]chat.Message(nil), msgs...)}
}

func (f *FakeMessageService) PersistMessage(ctx context.Context, threadID, text string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, text)
	if f.PersistErr != nil {
		return nil, f.PersistErr
	}
	f.seq++
	msg := chat.Message{
		ID:        fmt.Sprintf("msg-%d", f.seq),
		ThreadID:  threadID,
		Type:      chat.TypeUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	f.messages = append(f.messages, msg)
	if !f.Echo {
		return nil, nil
	}
	return &msg, nil
}

func (f *FakeMessageService) ListMessages(ctx context.Context, threadID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]chat.Message(nil), f.messages...), nil
}

// Add stores a message as if the server had written it
func (f *FakeMessageService) Add(msg chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *FakeMessageService) Persisted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.persisted...)
}

func (f *FakeMessageService) ListCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// FakeHistory is a settable run history. It starts settled with the given runs.
type FakeHistory struct {
	mu        sync.Mutex
	state     api.HistoryState
	refreshes int
}

func NewFakeHistory(runs ...api.AgentRun) *FakeHistory {
	return &FakeHistory{state: api.HistoryState{Runs: runs}}
}

func (h *FakeHistory) State() api.HistoryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state
	s.Runs = append([]api.AgentRun(nil), h.state.Runs...)
	return s
}

func (h *FakeHistory) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	return h.state.Err
}

func (h *FakeHistory) SetLoading(loading bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Loading = loading
}

func (h *FakeHistory) SetFetching(fetching bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Fetching = fetching
}

func (h *FakeHistory) SetRuns(runs ...api.AgentRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Runs = runs
}

func (h *FakeHistory) Refreshes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}
