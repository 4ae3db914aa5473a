package chat_test

import (
	"time"

	"github.com/killallgit/agentstream/pkg/chat"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Messages", func() {
	Describe("NewUserMessage", func() {
		It("should build a trimmed optimistic user message", func() {
			msg := chat.NewUserMessage("thread-1", "  hello  ")

			Expect(msg.Type).To(Equal(chat.TypeUser))
			Expect(msg.ThreadID).To(Equal("thread-1"))
			Expect(msg.Content).To(Equal("hello"))
			Expect(msg.IsTemp()).To(BeTrue())
			Expect(msg.CreatedAt).To(BeTemporally("~", time.Now(), time.Second))
		})

		It("should hand out distinct temporary ids", func() {
			a := chat.NewUserMessage("t", "x")
			b := chat.NewUserMessage("t", "x")
			Expect(a.ID).NotTo(Equal(b.ID))
		})
	})

	Describe("DecodeMessage", func() {
		It("should decode string-encoded content and metadata", func() {
			raw := []byte(`{
				"message_id": "m-1",
				"thread_id": "t-1",
				"type": "assistant",
				"content": "{\"role\":\"assistant\",\"content\":\"Hi there\"}",
				"metadata": "{\"stream_status\":\"chunk\"}",
				"sequence": 7,
				"created_at": "2024-05-01T10:00:00Z"
			}`)

			msg, err := chat.DecodeMessage(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.ID).To(Equal("m-1"))
			Expect(msg.ThreadID).To(Equal("t-1"))
			Expect(msg.IsAssistant()).To(BeTrue())
			Expect(msg.Text()).To(Equal("Hi there"))
			Expect(msg.StreamStatus()).To(Equal(chat.StreamStatusChunk))
			Expect(msg.IsChunk()).To(BeTrue())
			Expect(msg.Sequence).To(Equal(int64(7)))
			Expect(msg.CreatedAt).To(Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
		})

		It("should decode nested content and metadata", func() {
			raw := []byte(`{"message_id":"m-2","type":"tool","content":{"content":"done"},"metadata":{"stream_status":"complete"}}`)

			msg, err := chat.DecodeMessage(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.IsTool()).To(BeTrue())
			Expect(msg.Text()).To(Equal("done"))
			Expect(msg.StreamStatus()).To(Equal(chat.StreamStatusComplete))
		})

		It("should keep plain text content", func() {
			msg, err := chat.DecodeMessage([]byte(`{"id":"m-3","type":"user","content":"plain words"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.ID).To(Equal("m-3"))
			Expect(msg.Text()).To(Equal("plain words"))
			Expect(msg.StreamStatus()).To(BeEmpty())
		})

		It("should reject payloads without id or type", func() {
			_, err := chat.DecodeMessage([]byte(`{"type":"assistant"}`))
			Expect(err).To(MatchError(chat.ErrInvalidMessage))

			_, err = chat.DecodeMessage([]byte(`{"message_id":"x"}`))
			Expect(err).To(MatchError(chat.ErrInvalidMessage))

			_, err = chat.DecodeMessage([]byte(`not json`))
			Expect(err).To(MatchError(chat.ErrInvalidMessage))
		})
	})
})
