package chat_test

import (
	"github.com/killallgit/agentstream/pkg/chat"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func msg(id string, t chat.MessageType, content string) chat.Message {
	return chat.Message{ID: id, ThreadID: "thread-1", Type: t, Content: content}
}

var _ = Describe("Thread", func() {
	var thread chat.Thread

	BeforeEach(func() {
		thread = chat.NewThread("thread-1")
	})

	Describe("MergeMessage", func() {
		It("should append unknown ids in arrival order", func() {
			thread = chat.MergeMessages(thread,
				msg("a", chat.TypeUser, "one"),
				msg("b", chat.TypeAssistant, "two"),
			)

			Expect(chat.GetMessages(thread)).To(HaveLen(2))
			Expect(thread.Messages[0].ID).To(Equal("a"))
			Expect(thread.Messages[1].ID).To(Equal("b"))
		})

		It("should replace rather than duplicate a repeated id", func() {
			thread = chat.MergeMessage(thread, msg("a", chat.TypeUser, "q"))
			thread = chat.MergeMessage(thread, msg("b", chat.TypeAssistant, "v1"))
			thread = chat.MergeMessage(thread, msg("b", chat.TypeAssistant, "v2"))
			thread = chat.MergeMessage(thread, msg("b", chat.TypeAssistant, "v2"))

			Expect(thread.Messages).To(HaveLen(2))
			got, ok := chat.GetMessage(thread, "b")
			Expect(ok).To(BeTrue())
			Expect(got.Content).To(Equal("v2"))
			Expect(thread.Messages[1].ID).To(Equal("b"))
		})

		It("should not mutate the input thread", func() {
			original := chat.MergeMessage(thread, msg("a", chat.TypeUser, "q"))
			_ = chat.MergeMessage(original, msg("a", chat.TypeUser, "changed"))

			Expect(original.Messages[0].Content).To(Equal("q"))
		})
	})

	Describe("ReplaceMessage", func() {
		It("should swap a temporary message in place", func() {
			temp := chat.NewUserMessage("thread-1", "hello")
			thread = chat.MergeMessages(thread, msg("a", chat.TypeAssistant, "earlier"), temp)

			thread = chat.ReplaceMessage(thread, temp.ID, msg("durable", chat.TypeUser, "hello"))

			Expect(thread.Messages).To(HaveLen(2))
			Expect(thread.Messages[1].ID).To(Equal("durable"))
			Expect(chat.HasMessage(thread, temp.ID)).To(BeFalse())
		})

		It("should drop the temporary entry when the durable id is already present", func() {
			temp := chat.NewUserMessage("thread-1", "hello")
			thread = chat.MergeMessages(thread, temp, msg("durable", chat.TypeUser, "hello"))

			thread = chat.ReplaceMessage(thread, temp.ID, msg("durable", chat.TypeUser, "hello"))

			Expect(thread.Messages).To(HaveLen(1))
			Expect(thread.Messages[0].ID).To(Equal("durable"))
		})

		It("should append when the old id is missing", func() {
			thread = chat.ReplaceMessage(thread, "gone", msg("new", chat.TypeUser, "x"))
			Expect(thread.Messages).To(HaveLen(1))
		})
	})

	Describe("queries", func() {
		It("should remove only the targeted message", func() {
			thread = chat.MergeMessages(thread, msg("a", chat.TypeUser, "1"), msg("b", chat.TypeUser, "2"))
			thread = chat.RemoveMessage(thread, "a")

			Expect(thread.Messages).To(HaveLen(1))
			Expect(thread.Messages[0].ID).To(Equal("b"))
		})

		It("should find optimistic user messages by text", func() {
			temp := chat.NewUserMessage("thread-1", "build me a site")
			thread = chat.MergeMessages(thread, msg("a", chat.TypeUser, "build me a site"), temp)

			found, ok := chat.FindTempUserMessage(thread, "build me a site")
			Expect(ok).To(BeTrue())
			Expect(found.ID).To(Equal(temp.ID))

			_, ok = chat.FindTempUserMessage(thread, "other")
			Expect(ok).To(BeFalse())
		})

		It("should reconcile a listed user message onto its optimistic copy", func() {
			temp := chat.NewUserMessage("thread-1", "hello")
			thread = chat.MergeMessages(thread, msg("a", chat.TypeUser, "earlier"), temp)

			thread = chat.ReconcileMessages(thread,
				msg("a", chat.TypeUser, "earlier"),
				msg("msg-1", chat.TypeUser, "hello"),
				msg("r", chat.TypeAssistant, "hi"),
			)

			ids := make([]string, 0, len(thread.Messages))
			for _, m := range thread.Messages {
				ids = append(ids, m.ID)
			}
			Expect(ids).To(Equal([]string{"a", "msg-1", "r"}))
			_, ok := chat.FindTempUserMessage(thread, "hello")
			Expect(ok).To(BeFalse())
		})

		It("should report pending user messages and agent output", func() {
			Expect(thread.Messages).To(BeEmpty())
			Expect(chat.EndsWithUserMessage(thread)).To(BeFalse())

			thread = chat.MergeMessage(thread, msg("a", chat.TypeUser, "q"))
			Expect(chat.EndsWithUserMessage(thread)).To(BeTrue())
			Expect(chat.HasAgentMessages(thread)).To(BeFalse())

			thread = chat.MergeMessage(thread, msg("s", chat.TypeStatus, "{}"))
			Expect(chat.EndsWithUserMessage(thread)).To(BeFalse())
			Expect(chat.HasAgentMessages(thread)).To(BeFalse())

			thread = chat.MergeMessage(thread, msg("t", chat.TypeTool, "{}"))
			Expect(chat.HasAgentMessages(thread)).To(BeTrue())
		})

		It("should build a thread from a listing with duplicates collapsed", func() {
			t := chat.NewThreadWithMessages("thread-1", []chat.Message{
				msg("a", chat.TypeUser, "1"),
				msg("a", chat.TypeUser, "2"),
			})
			Expect(t.Messages).To(HaveLen(1))
			Expect(t.Messages[0].Content).To(Equal("2"))
		})
	})
})
