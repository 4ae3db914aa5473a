package stream

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// EventKind is the control class of a stream payload
type EventKind int

const (
	KindContent EventKind = iota
	KindPing
	KindNotFound
	KindCompleted
	KindFailed
	KindStopped
	KindThreadEnd
)

func (k EventKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindNotFound:
		return "not_found"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindStopped:
		return "stopped"
	case KindThreadEnd:
		return "thread_run_end"
	default:
		return "content"
	}
}

// IsTerminal reports whether the payload ends the stream
func (k EventKind) IsTerminal() bool {
	switch k {
	case KindNotFound, KindCompleted, KindFailed, KindStopped, KindThreadEnd:
		return true
	}
	return false
}

const notFoundMarker = "not found in active runs"

// Event is a classified stream payload
type Event struct {
	Kind    EventKind
	Type    string
	Status  string
	Message string
	Raw     []byte
}

// Classify sorts a raw payload into a control class. Only JSON payloads with
// a recognised discriminator are treated as control events; the free-text
// not-found notice is the single exception and is matched on non-JSON bodies
// and on status or error messages.
func Classify(raw []byte) Event {
	trimmed := bytes.TrimSpace(raw)
	ev := Event{Kind: KindContent, Raw: raw}

	if len(trimmed) == 0 {
		ev.Kind = KindPing
		return ev
	}

	if !gjson.ValidBytes(trimmed) {
		if strings.Contains(strings.ToLower(string(trimmed)), notFoundMarker) {
			ev.Kind = KindNotFound
			ev.Message = string(trimmed)
		}
		return ev
	}

	doc := gjson.ParseBytes(trimmed)
	if doc.Type == gjson.String {
		if strings.Contains(strings.ToLower(doc.String()), notFoundMarker) {
			ev.Kind = KindNotFound
			ev.Message = doc.String()
		}
		return ev
	}
	if !doc.IsObject() {
		return ev
	}

	ev.Type = doc.Get("type").String()
	ev.Status = doc.Get("status").String()
	ev.Message = firstString(doc, "message", "error")

	switch ev.Type {
	case "ping":
		ev.Kind = KindPing
	case "status":
		ev.Kind = classifyStatus(doc, ev)
	case "error":
		if strings.Contains(strings.ToLower(ev.Message), notFoundMarker) {
			ev.Kind = KindNotFound
		}
	}
	return ev
}

func classifyStatus(doc gjson.Result, ev Event) EventKind {
	if strings.Contains(strings.ToLower(ev.Message), notFoundMarker) {
		return KindNotFound
	}
	if statusType(doc) == "thread_run_end" {
		return KindThreadEnd
	}
	switch ev.Status {
	case "completed":
		return KindCompleted
	case "failed", "error":
		return KindFailed
	case "stopped":
		return KindStopped
	}
	return KindContent
}

// statusType reads status_type from the payload or from string-encoded content
func statusType(doc gjson.Result) string {
	if st := doc.Get("status_type"); st.Exists() {
		return st.String()
	}
	content := doc.Get("content")
	if content.Type == gjson.String && gjson.Valid(content.String()) {
		content = gjson.Parse(content.String())
	}
	return content.Get("status_type").String()
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := doc.Get(p); r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}
