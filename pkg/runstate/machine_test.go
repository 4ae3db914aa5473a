package runstate_test

import (
	"github.com/killallgit/agentstream/pkg/runstate"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// machineIn drives a fresh machine into the requested status through valid transitions
func machineIn(status runstate.Status) *runstate.Machine {
	m := runstate.New()
	switch status {
	case runstate.StatusIdle:
	case runstate.StatusConnecting:
		m.Connect("run-1")
	case runstate.StatusRunning:
		m.Connect("run-1")
		m.MarkRunning()
	case runstate.StatusStopping:
		m.Connect("run-1")
		m.Stop()
	case runstate.StatusStopped:
		m.Connect("run-1")
		m.Stop()
		m.ConfirmStopped()
	case runstate.StatusCompleted:
		m.Connect("run-1")
		m.Complete()
	case runstate.StatusError:
		m.Connect("run-1")
		m.Fail()
	}
	Expect(m.Status()).To(Equal(status))
	return m
}

var _ = Describe("Machine", func() {
	It("should start idle with no run id", func() {
		m := runstate.New()
		Expect(m.Status()).To(Equal(runstate.StatusIdle))
		Expect(m.RunID()).To(BeEmpty())
		Expect(m.IsActive()).To(BeFalse())
		Expect(m.IsTerminal()).To(BeFalse())
		Expect(m.CanStop()).To(BeFalse())
	})

	Describe("Connect", func() {
		DescribeTable("from each status",
			func(from runstate.Status, applied bool) {
				m := machineIn(from)
				Expect(m.Connect("run-2")).To(Equal(applied))
				if applied {
					Expect(m.Status()).To(Equal(runstate.StatusConnecting))
					Expect(m.RunID()).To(Equal("run-2"))
				} else {
					Expect(m.Status()).To(Equal(from))
				}
			},
			Entry("idle", runstate.StatusIdle, true),
			Entry("connecting", runstate.StatusConnecting, false),
			Entry("running", runstate.StatusRunning, false),
			Entry("stopping", runstate.StatusStopping, false),
			Entry("stopped", runstate.StatusStopped, true),
			Entry("completed", runstate.StatusCompleted, true),
			Entry("error", runstate.StatusError, true),
		)

		It("should ignore an empty run id", func() {
			m := runstate.New()
			Expect(m.Connect("")).To(BeFalse())
			Expect(m.Status()).To(Equal(runstate.StatusIdle))
		})
	})

	Describe("server signals", func() {
		It("should move connecting to running", func() {
			m := machineIn(runstate.StatusConnecting)
			Expect(m.MarkRunning()).To(BeTrue())
			Expect(m.Status()).To(Equal(runstate.StatusRunning))
			Expect(m.IsActive()).To(BeTrue())
		})

		It("should ignore running outside connecting", func() {
			m := machineIn(runstate.StatusCompleted)
			Expect(m.MarkRunning()).To(BeFalse())
			Expect(m.Status()).To(Equal(runstate.StatusCompleted))
		})

		DescribeTable("Complete and Fail",
			func(from runstate.Status, complete runstate.Status, fail runstate.Status) {
				m := machineIn(from)
				m.Complete()
				Expect(m.Status()).To(Equal(complete))

				m = machineIn(from)
				m.Fail()
				Expect(m.Status()).To(Equal(fail))
			},
			Entry("from connecting", runstate.StatusConnecting, runstate.StatusCompleted, runstate.StatusError),
			Entry("from running", runstate.StatusRunning, runstate.StatusCompleted, runstate.StatusError),
			Entry("from stopping", runstate.StatusStopping, runstate.StatusStopped, runstate.StatusStopped),
			Entry("from idle", runstate.StatusIdle, runstate.StatusIdle, runstate.StatusIdle),
			Entry("from completed", runstate.StatusCompleted, runstate.StatusCompleted, runstate.StatusCompleted),
		)
	})

	Describe("Stop", func() {
		It("should go through stopping to stopped", func() {
			m := machineIn(runstate.StatusRunning)
			Expect(m.CanStop()).To(BeTrue())
			Expect(m.Stop()).To(BeTrue())
			Expect(m.Status()).To(Equal(runstate.StatusStopping))
			Expect(m.IsActive()).To(BeFalse())
			Expect(m.IsTerminal()).To(BeFalse())
			Expect(m.ConfirmStopped()).To(BeTrue())
			Expect(m.Status()).To(Equal(runstate.StatusStopped))
			Expect(m.IsTerminal()).To(BeTrue())
		})

		It("should ignore stop when nothing is active", func() {
			for _, s := range []runstate.Status{runstate.StatusIdle, runstate.StatusStopped, runstate.StatusCompleted} {
				m := machineIn(s)
				Expect(m.Stop()).To(BeFalse())
				Expect(m.Status()).To(Equal(s))
			}
		})

		It("should ignore confirmation without a pending stop", func() {
			m := machineIn(runstate.StatusRunning)
			Expect(m.ConfirmStopped()).To(BeFalse())
			Expect(m.Status()).To(Equal(runstate.StatusRunning))
		})
	})

	Describe("Reset", func() {
		It("should return a terminal machine to idle and clear everything", func() {
			m := machineIn(runstate.StatusRunning)
			m.AppendText("partial")
			m.SetToolCall(&runstate.ToolCall{Name: "create_file"})
			m.Complete()

			Expect(m.Reset()).To(BeTrue())
			Expect(m.Status()).To(Equal(runstate.StatusIdle))
			Expect(m.RunID()).To(BeEmpty())
			Expect(m.Text()).To(BeEmpty())
			Expect(m.ToolCall()).To(BeNil())
		})

		It("should refuse to reset an active run", func() {
			m := machineIn(runstate.StatusRunning)
			Expect(m.Reset()).To(BeFalse())
			Expect(m.RunID()).To(Equal("run-1"))
		})
	})

	Describe("buffers", func() {
		It("should accept data in every status without touching the status", func() {
			for _, s := range []runstate.Status{
				runstate.StatusIdle, runstate.StatusConnecting, runstate.StatusRunning,
				runstate.StatusStopping, runstate.StatusStopped, runstate.StatusCompleted, runstate.StatusError,
			} {
				m := machineIn(s)
				m.AppendText("a")
				m.AppendText("b")
				m.SetToolCall(&runstate.ToolCall{Name: "t"})
				Expect(m.Text()).To(Equal("ab"))
				Expect(m.ToolCall().Name).To(Equal("t"))
				m.Clear()
				Expect(m.Text()).To(BeEmpty())
				Expect(m.ToolCall()).To(BeNil())
				Expect(m.Status()).To(Equal(s))
			}
		})

		It("should hand out copies of the tool call", func() {
			m := runstate.New()
			m.SetToolCall(&runstate.ToolCall{Name: "before"})
			tc := m.ToolCall()
			tc.Name = "mutated"
			Expect(m.ToolCall().Name).To(Equal("before"))
		})
	})
})
