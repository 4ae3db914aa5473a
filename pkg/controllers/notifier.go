package controllers

import (
	"strings"
	"time"

	"github.com/killallgit/agentstream/pkg/config"
)

type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification is a user-facing message about the run
type Notification struct {
	Level   NotificationLevel
	Message string
	// Reauth is set when the user has to sign in again
	Reauth bool
	At     time.Time
}

// Notifier decides which messages reach the user. A message containing any
// suppressed substring, compared case-insensitively, is only logged.
type Notifier struct {
	suppressed []string
}

// NewNotifier uses config.DefaultSuppressedSubstrings when substrings is nil.
// An empty non-nil slice suppresses nothing.
func NewNotifier(substrings []string) *Notifier {
	if substrings == nil {
		substrings = config.DefaultSuppressedSubstrings
	}
	n := &Notifier{suppressed: make([]string, 0, len(substrings))}
	for _, s := range substrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			n.suppressed = append(n.suppressed, s)
		}
	}
	return n
}

func (n *Notifier) Suppressed(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range n.suppressed {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
