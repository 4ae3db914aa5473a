package stream

// Handler receives everything a Client observes for the run it is attached to.
// Callbacks run on the client's reader goroutine with no client lock held, so
// a handler may call back into the Client. Every callback carries the run id
// it belongs to; events for a run the caller has since detached from can be
// ignored by comparing ids.
type Handler interface {
	// OnMessage is called with each raw content event, verbatim.
	OnMessage(runID string, raw []byte)

	// OnStatusChange is called when transport connectivity changes.
	OnStatusChange(runID string, status Status)

	// OnError is called for transport and protocol errors, soft or final.
	OnError(runID string, message string)

	// OnClose is called once when the connection ends for good.
	OnClose(runID string, result CloseResult)
}

// HandlerFunc is a function adapter for Handler interface
type HandlerFunc struct {
	MessageFunc func(runID string, raw []byte)
	StatusFunc  func(runID string, status Status)
	ErrorFunc   func(runID string, message string)
	CloseFunc   func(runID string, result CloseResult)
}

// OnMessage implements Handler
func (h HandlerFunc) OnMessage(runID string, raw []byte) {
	if h.MessageFunc != nil {
		h.MessageFunc(runID, raw)
	}
}

// OnStatusChange implements Handler
func (h HandlerFunc) OnStatusChange(runID string, status Status) {
	if h.StatusFunc != nil {
		h.StatusFunc(runID, status)
	}
}

// OnError implements Handler
func (h HandlerFunc) OnError(runID string, message string) {
	if h.ErrorFunc != nil {
		h.ErrorFunc(runID, message)
	}
}

// OnClose implements Handler
func (h HandlerFunc) OnClose(runID string, result CloseResult) {
	if h.CloseFunc != nil {
		h.CloseFunc(runID, result)
	}
}

var _ Handler = HandlerFunc{}
