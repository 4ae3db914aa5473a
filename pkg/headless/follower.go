package headless

import (
	"strings"
	"sync"

	"github.com/killallgit/agentstream/pkg/controllers"
	"github.com/killallgit/agentstream/pkg/runstate"
)

// follower prints the difference between consecutive snapshots and reports
// when the followed run is over. Snapshots may arrive from several
// goroutines; stale versions are dropped.
type follower struct {
	out      *Output
	showUser bool

	mu           sync.Mutex
	version      uint64
	printed      map[string]bool
	streamed     string
	streamedRun  bool
	toolCall     string
	notification string
	billing      string
	sawActive    bool
	runID        string
	final        controllers.Snapshot
	done         chan struct{}
	finished     bool
}

func newFollower(out *Output, showUser bool) *follower {
	return &follower{
		out:      out,
		showUser: showUser,
		printed:  make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// skip marks the messages already on screen, or already known to the user
func (f *follower) skip(s controllers.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range s.Messages {
		f.printed[m.ID] = true
	}
}

func (f *follower) observe(s controllers.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished || (f.version != 0 && s.Version <= f.version) {
		return
	}
	f.version = s.Version

	f.printStreaming(s)
	f.printMessages(s)
	f.printToolCall(s)
	f.printAlerts(s)

	if s.IsActive() || s.Status == runstate.StatusStopping {
		f.sawActive = true
		f.runID = s.RunID
	}
	if f.sawActive && (s.IsTerminal() || s.Status == runstate.StatusIdle) {
		f.finish(s)
	}
}

func (f *follower) printStreaming(s controllers.Snapshot) {
	switch {
	case s.StreamingText == f.streamed:
	case strings.HasPrefix(s.StreamingText, f.streamed):
		f.out.Stream(s.StreamingText[len(f.streamed):])
		f.streamedRun = true
	default:
		// buffer was cleared or replaced
		f.out.EndStream()
		if s.StreamingText != "" {
			f.out.Stream(s.StreamingText)
			f.streamedRun = true
		}
	}
	f.streamed = s.StreamingText
}

func (f *follower) printMessages(s controllers.Snapshot) {
	for _, m := range s.Messages {
		// an empty message is printed once it gains text
		if f.printed[m.ID] || m.IsTemp() || m.IsEmpty() {
			continue
		}
		f.printed[m.ID] = true
		switch {
		case m.IsUser():
			if f.showUser {
				f.out.Message(m)
			}
		case m.IsAssistant() && f.streamedRun && s.StreamingText == "":
			// the text already went out chunk by chunk
			f.out.EndStream()
			f.streamedRun = false
		default:
			f.out.Message(m)
		}
	}
}

func (f *follower) printToolCall(s controllers.Snapshot) {
	key := ""
	if s.ToolCall != nil {
		key = s.ToolCall.MessageID + "/" + s.ToolCall.Name
	}
	if key != f.toolCall && s.ToolCall != nil && s.ToolCall.Name != "" {
		f.out.ToolCall(*s.ToolCall)
	}
	f.toolCall = key
}

func (f *follower) printAlerts(s controllers.Snapshot) {
	note := ""
	if s.Notification != nil {
		note = s.Notification.At.String() + s.Notification.Message
		if note != f.notification {
			f.out.Notification(*s.Notification)
		}
	}
	f.notification = note

	bill := ""
	if s.BillingAlert != nil {
		bill = s.BillingAlert.Message
		if bill != f.billing {
			f.out.BillingAlert(*s.BillingAlert)
		}
	}
	f.billing = bill
}

func (f *follower) finish(s controllers.Snapshot) {
	f.out.EndStream()
	f.final = s
	f.finished = true
	close(f.done)
}

// engaged reports the run the follower saw become active, if any
func (f *follower) engaged() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runID, f.sawActive
}

// result returns the snapshot that ended the run. Only valid after done closed.
func (f *follower) result() controllers.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final
}
