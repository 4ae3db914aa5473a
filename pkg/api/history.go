package api

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// RunLister is the part of Client a HistoryQuery needs
type RunLister interface {
	ListRuns(ctx context.Context, threadID string) ([]AgentRun, error)
}

// HistoryState is a point-in-time view of a HistoryQuery
type HistoryState struct {
	Runs     []AgentRun
	Loading  bool
	Fetching bool
	Err      error
}

// Settled reports whether the runs can be trusted: the first load finished,
// no refetch is in flight and the last fetch succeeded.
func (s HistoryState) Settled() bool {
	return !s.Loading && !s.Fetching && s.Err == nil
}

// HasTerminalRun reports whether any recorded run completed, failed or stopped
func (s HistoryState) HasTerminalRun() bool {
	return lo.ContainsBy(s.Runs, func(r AgentRun) bool { return r.Status.IsTerminal() })
}

// ActiveRun returns the newest run still marked running
func (s HistoryState) ActiveRun() (AgentRun, bool) {
	run, _, ok := lo.FindLastIndexOf(s.Runs, func(r AgentRun) bool { return r.Status == RunRunning })
	return run, ok
}

// HistoryQuery caches a thread's run history. Loading is true until the
// first fetch completes; Fetching is true while any fetch is in flight.
type HistoryQuery struct {
	lister   RunLister
	threadID string

	mu       sync.Mutex
	runs     []AgentRun
	loading  bool
	inFlight int
	err      error
}

func NewHistoryQuery(lister RunLister, threadID string) *HistoryQuery {
	return &HistoryQuery{
		lister:   lister,
		threadID: threadID,
		loading:  true,
	}
}

// Refresh refetches the history. Every call performs a fetch.
func (q *HistoryQuery) Refresh(ctx context.Context) error {
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()

	runs, err := q.lister.ListRuns(ctx, q.threadID)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.err = err
	if err == nil {
		q.runs = runs
		q.loading = false
	}
	return err
}

func (q *HistoryQuery) State() HistoryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return HistoryState{
		Runs:     append([]AgentRun(nil), q.runs...),
		Loading:  q.loading,
		Fetching: q.inFlight > 0,
		Err:      q.err,
	}
}
