package runstate

import "strings"

// ToolCall is the tool invocation currently being streamed
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Machine holds the status, run id and streaming buffers of one run
type Machine struct {
	status   Status
	runID    string
	text     strings.Builder
	toolCall *ToolCall
}

// New returns a machine in StatusIdle
func New() *Machine {
	return &Machine{status: StatusIdle}
}

// Status returns the current status
func (m *Machine) Status() Status {
	return m.status
}

// RunID returns the run id recorded by Connect, or ""
func (m *Machine) RunID() string {
	return m.runID
}

// IsActive reports connecting or running
func (m *Machine) IsActive() bool {
	return m.status.IsActive()
}

// IsTerminal reports stopped, completed or error
func (m *Machine) IsTerminal() bool {
	return m.status.IsTerminal()
}

// CanStop reports connecting or running
func (m *Machine) CanStop() bool {
	return m.status.CanStop()
}

// Connect records runID and moves to connecting. Valid from idle and from
// any terminal status.
func (m *Machine) Connect(runID string) bool {
	if runID == "" {
		return false
	}
	if m.status != StatusIdle && !m.status.IsTerminal() {
		return false
	}
	m.status = StatusConnecting
	m.runID = runID
	m.clearBuffers()
	return true
}

// MarkRunning applies the server's running signal
func (m *Machine) MarkRunning() bool {
	if m.status != StatusConnecting {
		return false
	}
	m.status = StatusRunning
	return true
}

// Stop requests a stop. Valid from connecting and running.
func (m *Machine) Stop() bool {
	if !m.status.CanStop() {
		return false
	}
	m.status = StatusStopping
	return true
}

// ConfirmStopped completes a requested stop
func (m *Machine) ConfirmStopped() bool {
	if m.status != StatusStopping {
		return false
	}
	m.status = StatusStopped
	return true
}

// Complete applies the server's completed signal. A completion that arrives
// while a stop is pending resolves the stop instead.
func (m *Machine) Complete() bool {
	switch {
	case m.status.IsActive():
		m.status = StatusCompleted
	case m.status == StatusStopping:
		m.status = StatusStopped
	default:
		return false
	}
	return true
}

// Fail applies the server's failed signal. A failure while a stop is pending
// resolves the stop instead.
func (m *Machine) Fail() bool {
	switch {
	case m.status.IsActive():
		m.status = StatusError
	case m.status == StatusStopping:
		m.status = StatusStopped
	default:
		return false
	}
	return true
}

// Reset returns a terminal machine to idle, clearing the run id and buffers
func (m *Machine) Reset() bool {
	if !m.status.IsTerminal() {
		return false
	}
	m.status = StatusIdle
	m.runID = ""
	m.clearBuffers()
	return true
}

// AppendText adds streamed assistant text. Callable in any status.
func (m *Machine) AppendText(chunk string) {
	m.text.WriteString(chunk)
}

// Text returns the buffered assistant text
func (m *Machine) Text() string {
	return m.text.String()
}

// SetToolCall replaces the buffered tool call; nil clears it. Callable in any status.
func (m *Machine) SetToolCall(tc *ToolCall) {
	if tc == nil {
		m.toolCall = nil
		return
	}
	cp := *tc
	m.toolCall = &cp
}

// ToolCall returns a copy of the buffered tool call, or nil
func (m *Machine) ToolCall() *ToolCall {
	if m.toolCall == nil {
		return nil
	}
	cp := *m.toolCall
	return &cp
}

// Clear empties the streaming buffers without touching the status
func (m *Machine) Clear() {
	m.clearBuffers()
}

func (m *Machine) clearBuffers() {
	m.text.Reset()
	m.toolCall = nil
}
