package testutil

import (
	"sync"

	"github.com/killallgit/agentstream/pkg/stream"
)

// RecordingHandler captures every stream callback
type RecordingHandler struct {
	mu       sync.Mutex
	messages []string
	statuses []stream.Status
	errors   []string
	closes   []stream.CloseResult
}

func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{}
}

func (h *RecordingHandler) OnMessage(_ string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, string(raw))
}

func (h *RecordingHandler) OnStatusChange(_ string, status stream.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *RecordingHandler) OnError(_ string, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, message)
}

func (h *RecordingHandler) OnClose(_ string, result stream.CloseResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, result)
}

func (h *RecordingHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *RecordingHandler) Statuses() []stream.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stream.Status(nil), h.statuses...)
}

func (h *RecordingHandler) Errors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errors...)
}

func (h *RecordingHandler) Closes() []stream.CloseResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stream.CloseResult(nil), h.closes...)
}

var _ stream.Handler = (*RecordingHandler)(nil)
