package controllers

import (
	"github.com/killallgit/agentstream/pkg/chat"
	"github.com/killallgit/agentstream/pkg/runstate"
	"github.com/killallgit/agentstream/pkg/stream"
)

// BillingAlert is shown when the account hit its usage limit. Usage and
// limit are nil when the server did not report them.
type BillingAlert struct {
	Message      string
	CurrentUsage *float64
	Limit        *float64
	AccountID    string
}

// Snapshot is a copy of everything presentation code needs. Version grows
// with every change so subscribers can discard out-of-order deliveries.
type Snapshot struct {
	Version       uint64
	ThreadID      string
	Status        runstate.Status
	RunID         string
	Messages      []chat.Message
	StreamingText string
	ToolCall      *runstate.ToolCall
	Transport     stream.Status
	Sending       bool
	BillingAlert  *BillingAlert
	Notification  *Notification
}

func (s Snapshot) IsActive() bool {
	return s.Status.IsActive()
}

func (s Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

func (s Snapshot) CanStop() bool {
	return s.Status.CanStop()
}
