package headless

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/killallgit/agentstream/pkg/chat"
	"github.com/killallgit/agentstream/pkg/controllers"
	"github.com/killallgit/agentstream/pkg/runstate"
)

// Output renders run progress for a terminal. Colors are dropped
// automatically when w is not a TTY.
type Output struct {
	w    io.Writer
	errW io.Writer

	status    lipgloss.Style
	user      lipgloss.Style
	tool      lipgloss.Style
	warning   lipgloss.Style
	errStyle  lipgloss.Style
	muted     lipgloss.Style
	midstream bool
}

func NewOutput(w, errW io.Writer) *Output {
	r := lipgloss.NewRenderer(w)
	er := lipgloss.NewRenderer(errW)
	return &Output{
		w:        w,
		errW:     errW,
		status:   r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		user:     r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		tool:     r.NewStyle().Foreground(lipgloss.Color("13")),
		muted:    r.NewStyle().Foreground(lipgloss.Color("8")),
		warning:  er.NewStyle().Foreground(lipgloss.Color("11")),
		errStyle: er.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// Status prints a one-line progress note
func (o *Output) Status(format string, args ...any) {
	o.endStream()
	fmt.Fprintln(o.w, o.status.Render("● "+fmt.Sprintf(format, args...)))
}

// Stream prints a fragment of assistant text without a line break
func (o *Output) Stream(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(o.w, text)
	o.midstream = !strings.HasSuffix(text, "\n")
}

// EndStream terminates a partially printed line
func (o *Output) EndStream() {
	o.endStream()
}

func (o *Output) endStream() {
	if o.midstream {
		fmt.Fprintln(o.w)
		o.midstream = false
	}
}

func (o *Output) Message(msg chat.Message) {
	o.endStream()
	text := msg.Text()
	switch {
	case msg.IsUser():
		fmt.Fprintf(o.w, "%s %s\n", o.user.Render("you ›"), text)
	case msg.IsTool():
		fmt.Fprintln(o.w, o.tool.Render("tool › "+text))
	case msg.IsStatus():
		fmt.Fprintln(o.w, o.muted.Render(text))
	default:
		fmt.Fprintln(o.w, text)
	}
}

func (o *Output) ToolCall(tc runstate.ToolCall) {
	o.endStream()
	line := "calling " + tc.Name
	if tc.Arguments != "" {
		line += " " + o.muted.Render(tc.Arguments)
	}
	fmt.Fprintln(o.w, o.tool.Render("⚙ ")+line)
}

func (o *Output) Notification(n controllers.Notification) {
	o.endStream()
	msg := n.Message
	if n.Reauth {
		msg += " (set auth.token or AGENTSTREAM_TOKEN)"
	}
	switch n.Level {
	case controllers.LevelError:
		fmt.Fprintln(o.errW, o.errStyle.Render("✗ "+msg))
	case controllers.LevelWarning:
		fmt.Fprintln(o.errW, o.warning.Render("! "+msg))
	default:
		fmt.Fprintln(o.errW, msg)
	}
}

func (o *Output) BillingAlert(b controllers.BillingAlert) {
	o.endStream()
	line := "Usage limit reached: " + b.Message
	if b.CurrentUsage != nil && b.Limit != nil {
		line += fmt.Sprintf(" (%.2f of %.2f)", *b.CurrentUsage, *b.Limit)
	}
	if b.AccountID != "" {
		line += " for account " + b.AccountID
	}
	fmt.Fprintln(o.errW, o.errStyle.Render("$ "+line))
}

// Error prints err to the error writer
func (o *Output) Error(err error) {
	o.endStream()
	fmt.Fprintln(o.errW, o.errStyle.Render("Error: "+err.Error()))
}
