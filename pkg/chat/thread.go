package chat

import "github.com/samber/lo"

// Thread is an ordered, id-unique message list. Helpers never mutate their
// input; each returns a new Thread.
type Thread struct {
	ID       string
	Messages []Message
}

func NewThread(id string) Thread {
	return Thread{
		ID:       id,
		Messages: make([]Message, 0),
	}
}

func NewThreadWithMessages(id string, messages []Message) Thread {
	t := NewThread(id)
	return MergeMessages(t, messages...)
}

// MergeMessage replaces the message with the same id or appends it
func MergeMessage(t Thread, msg Message) Thread {
	messages := GetMessages(t)
	if _, idx, ok := lo.FindIndexOf(messages, func(m Message) bool { return m.ID == msg.ID }); ok {
		messages[idx] = msg
	} else {
		messages = append(messages, msg)
	}
	return Thread{ID: t.ID, Messages: messages}
}

func MergeMessages(t Thread, msgs ...Message) Thread {
	for _, m := range msgs {
		t = MergeMessage(t, m)
	}
	return t
}

// ReconcileMessages merges durable messages, swapping each listed user message
// into the slot of a matching optimistic copy instead of appending it.
func ReconcileMessages(t Thread, msgs ...Message) Thread {
	for _, m := range msgs {
		if m.IsUser() && !m.IsTemp() && !HasMessage(t, m.ID) {
			if temp, ok := FindTempUserMessage(t, m.Text()); ok {
				t = ReplaceMessage(t, temp.ID, m)
				continue
			}
		}
		t = MergeMessage(t, m)
	}
	return t
}

func RemoveMessage(t Thread, id string) Thread {
	return Thread{
		ID:       t.ID,
		Messages: lo.Reject(t.Messages, func(m Message, _ int) bool { return m.ID == id }),
	}
}

// ReplaceMessage swaps the message at oldID for msg in place. When msg's id is
// already present the old entry is dropped instead so ids stay unique.
func ReplaceMessage(t Thread, oldID string, msg Message) Thread {
	if oldID != msg.ID && HasMessage(t, msg.ID) {
		return MergeMessage(RemoveMessage(t, oldID), msg)
	}
	messages := GetMessages(t)
	if _, idx, ok := lo.FindIndexOf(messages, func(m Message) bool { return m.ID == oldID }); ok {
		messages[idx] = msg
		return Thread{ID: t.ID, Messages: messages}
	}
	return MergeMessage(t, msg)
}

// FindTempUserMessage returns the oldest optimistic user message with the given text
func FindTempUserMessage(t Thread, text string) (Message, bool) {
	return lo.Find(t.Messages, func(m Message) bool {
		return m.IsTemp() && m.IsUser() && m.Text() == text
	})
}

func HasMessage(t Thread, id string) bool {
	return lo.ContainsBy(t.Messages, func(m Message) bool { return m.ID == id })
}

func GetMessage(t Thread, id string) (Message, bool) {
	return lo.Find(t.Messages, func(m Message) bool { return m.ID == id })
}

func GetMessages(t Thread) []Message {
	result := make([]Message, len(t.Messages))
	copy(result, t.Messages)
	return result
}

func GetLastMessage(t Thread) (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// EndsWithUserMessage reports whether the newest message is a user message
func EndsWithUserMessage(t Thread) bool {
	last, ok := GetLastMessage(t)
	return ok && last.IsUser()
}

// HasAgentMessages reports whether any assistant or tool output exists
func HasAgentMessages(t Thread) bool {
	return lo.ContainsBy(t.Messages, func(m Message) bool {
		return m.IsAssistant() || m.IsTool()
	})
}
