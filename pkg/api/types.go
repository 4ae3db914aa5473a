package api

import "time"

// RunOptions are the agent settings sent with a start request
type RunOptions struct {
	AppType         string `json:"app_type"`
	ModelName       string `json:"model_name,omitempty"`
	EnableThinking  *bool  `json:"enable_thinking,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// StartRunRequest is the body of POST /threads/{id}/agent/start
type StartRunRequest struct {
	ThreadID string     `json:"thread_id"`
	Options  RunOptions `json:"options"`
}

// StartRunResponse carries the id of the run the server created
type StartRunResponse struct {
	AgentRunID string `json:"agent_run_id"`
}

// PersistMessageRequest is the body of POST /threads/{id}/messages
type PersistMessageRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// RunStatus is the server-side status of a recorded run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the run has finished in any way
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunError, RunFailed, RunStopped:
		return true
	}
	return false
}

// AgentRun is one entry of a thread's run history
type AgentRun struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type listRunsResponse struct {
	Runs []AgentRun `json:"agent_runs"`
}
