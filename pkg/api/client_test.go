package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/events"
	"github.com/killallgit/thrive/pkg/sse"
	"github.com/killallgit/thrive/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"
)

var _ = Describe("Client", func() {
	var (
		server *testutil.FakeServer
		client *api.Client
		ctx    context.Context
		frames testutil.FrameBuilder
	)

	BeforeEach(func() {
		server = testutil.NewFakeServer()
		client = api.NewClient(server.URL+"/", api.WithAuthToken("tok"), api.WithSecret("s3cret"))
		ctx = context.Background()
		frames = testutil.NewFrameBuilder("c1")
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("streams", func() {
		It("should send the turn request with auth headers", func() {
			server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
				Frames: frames.Reply("m1", "Hi"),
			})

			body, err := client.SendMessage(ctx, api.SendRequest{UserInput: "hello"})
			Expect(err).ToNot(HaveOccurred())
			_, err = io.ReadAll(body)
			Expect(err).ToNot(HaveOccurred())
			Expect(body.Close()).To(Succeed())

			req, ok := server.LastRequest("/conversations/message/send")
			Expect(ok).To(BeTrue())
			Expect(req.Method).To(Equal(http.MethodPost))
			Expect(req.Header.Get("Authorization")).To(Equal("Bearer tok"))
			Expect(req.Header.Get(api.SecretHeader)).To(Equal("s3cret"))
			Expect(req.Header.Get("Accept")).To(Equal("text/event-stream"))

			var sent map[string]interface{}
			Expect(json.Unmarshal(req.Body, &sent)).To(Succeed())
			Expect(sent).To(Equal(map[string]interface{}{"user_input": "hello"}))
		})

		It("should deliver frames that decode into events", func() {
			server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
				Frames: frames.Reply("m1", "Hel", "lo"),
			})

			body, err := client.SendMessage(ctx, api.SendRequest{ConversationID: "c1", UserInput: "hi"})
			Expect(err).ToNot(HaveOccurred())
			defer body.Close()

			reader := sse.NewReader(body)
			var decoded []events.Event
			for {
				frame, err := reader.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				Expect(err).ToNot(HaveOccurred())
				ev, err := events.Decode(frame)
				Expect(err).ToNot(HaveOccurred())
				decoded = append(decoded, ev)
			}

			Expect(decoded).To(HaveLen(4))
			Expect(decoded[0]).To(BeAssignableToTypeOf(&events.StatusEvent{}))
			Expect(*decoded[1].(*events.DeltaEvent).Content).To(Equal("Hel"))
			Expect(decoded[3].Meta().FrameID).To(Equal("m1-3"))
		})

		It("should surface non-2xx statuses with the server detail", func() {
			server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
				Status:    http.StatusUnauthorized,
				ErrorBody: `{"detail":"Invalid token"}`,
			})

			_, err := client.SendMessage(ctx, api.SendRequest{UserInput: "hi"})
			Expect(err).To(HaveOccurred())

			var te *api.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(te.Message).To(Equal("Invalid token"))
			Expect(te.Rejected()).To(BeTrue())
			Expect(api.IsUnauthorized(err)).To(BeTrue())
		})

		It("should join validation error details", func() {
			server.EnqueueStream("/conversations/message/resume", testutil.ServerStream{
				Status:    http.StatusUnprocessableEntity,
				ErrorBody: `{"detail":[{"msg":"field required"},{"msg":"bad id"}]}`,
			})

			_, err := client.ResumeConversation(ctx, api.ResumeRequest{ConversationID: "c1", LastDataID: "f9"})
			var te *api.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Message).To(Equal("field required; bad id"))
		})

		It("should send the resume cursor", func() {
			server.EnqueueStream("/conversations/message/resume", testutil.ServerStream{})

			body, err := client.ResumeConversation(ctx, api.ResumeRequest{ConversationID: "c1", LastDataID: "f9"})
			Expect(err).ToNot(HaveOccurred())
			body.Close()

			req, _ := server.LastRequest("/conversations/message/resume")
			Expect(string(req.Body)).To(MatchJSON(`{"conversation_id":"c1","last_data_id":"f9"}`))
		})

		It("should refuse to resume without a conversation", func() {
			_, err := client.ResumeConversation(ctx, api.ResumeRequest{})
			Expect(err).To(MatchError(ContainSubstring("conversation id is required")))
			Expect(server.Requests()).To(BeEmpty())
		})

		It("should report a broken stream as a read error", func() {
			server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
				Frames: frames.Reply("m1", "partial")[:2],
				Abort:  true,
			})

			body, err := client.SendMessage(ctx, api.SendRequest{UserInput: "hi"})
			Expect(err).ToNot(HaveOccurred())
			defer body.Close()

			_, err = io.ReadAll(body)
			Expect(err).To(HaveOccurred())
		})

		It("should wrap connection failures", func() {
			server.Close()

			_, err := client.SendMessage(ctx, api.SendRequest{UserInput: "hi"})
			Expect(api.IsTransportError(err)).To(BeTrue())

			var te *api.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.StatusCode).To(BeZero())
			Expect(te.Rejected()).To(BeFalse())
		})

		It("should throttle resume attempts with the limiter", func() {
			limited := api.NewClient(server.URL, api.WithResumeLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
			server.EnqueueStream("/conversations/message/resume", testutil.ServerStream{})

			body, err := limited.ResumeConversation(ctx, api.ResumeRequest{ConversationID: "c1"})
			Expect(err).ToNot(HaveOccurred())
			body.Close()

			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err = limited.ResumeConversation(short, api.ResumeRequest{ConversationID: "c1"})
			Expect(err).To(MatchError(ContainSubstring("resume throttled")))
		})
	})

	Describe("conversations", func() {
		It("should list conversations with paging", func() {
			server.Respond(http.MethodGet, "/conversations/list", http.StatusOK,
				`{"conversations":[{"conversation_id":"c2","created_at":"2025-03-02T10:00:00Z"}]}`)

			list, err := client.ListConversations(ctx, 1, 5)
			Expect(err).ToNot(HaveOccurred())
			Expect(list).To(Equal([]api.Conversation{{ID: "c2", CreatedAt: "2025-03-02T10:00:00Z"}}))

			req, _ := server.LastRequest("/conversations/list")
			Expect(req.Query.Get("limit")).To(Equal("1"))
			Expect(req.Query.Get("offset")).To(Equal("5"))
		})

		It("should convert history entries into finalized messages", func() {
			server.Respond(http.MethodGet, "/conversations/history", http.StatusOK, `{"messages":[
				{"role":1,"user_data":{"user_input":"hi"},"created_at":"2025-03-02T10:00:00Z"},
				{"role":2,"data":{"msg_id":"m1","content":"hello","thinking_content":"hmm",
					"tool_calls":[{"tool_call_id":"t1","tool_call_name":"search","tool_call_status":2}]},
				 "created_at":"2025-03-02T10:00:01.5Z"},
				{"role":2,"data":{"msg_id":"m2","special_message_type":"agenda_task_card","special_message_data":"{}"},
				 "created_at":"2025-03-02 10:00:02"}
			]}`)

			msgs, err := client.GetConversationHistory(ctx, "c1")
			Expect(err).ToNot(HaveOccurred())
			Expect(msgs).To(HaveLen(3))

			Expect(msgs[0].Role).To(Equal(chat.RoleUser))
			Expect(msgs[0].Text).To(Equal("hi"))
			Expect(msgs[0].ID).ToNot(BeEmpty())

			Expect(msgs[1].ID).To(Equal("m1"))
			Expect(msgs[1].Text).To(Equal("hello"))
			Expect(*msgs[1].Thinking).To(Equal("hmm"))
			Expect(msgs[1].ToolCalls).To(HaveLen(1))
			Expect(msgs[1].State).To(Equal(chat.StateFinished))
			Expect(msgs[1].IsStreaming).To(BeFalse())
			Expect(msgs[1].CreatedAt.Nanosecond()).To(Equal(500000000))

			Expect(msgs[2].SpecialType).To(Equal("agenda_task_card"))
			Expect(msgs[2].CreatedAt.IsZero()).To(BeFalse())

			req, _ := server.LastRequest("/conversations/history")
			Expect(req.Query.Get("id")).To(Equal("c1"))
		})

		It("should give entries without ids a stable id", func() {
			entry := api.HistoryMessage{Role: api.HistoryRoleUser, CreatedAt: "2025-03-02T10:00:00Z"}
			Expect(entry.ToChatMessage("c1", 0).ID).To(Equal(entry.ToChatMessage("c1", 0).ID))
			Expect(entry.ToChatMessage("c1", 0).ID).ToNot(Equal(entry.ToChatMessage("c1", 1).ID))
		})

		It("should delete a conversation", func() {
			server.Respond(http.MethodDelete, "/conversations/c1", http.StatusOK, `{"message":"deleted"}`)

			Expect(client.DeleteConversation(ctx, "c1")).To(Succeed())
			req, _ := server.LastRequest("/conversations/c1")
			Expect(req.Method).To(Equal(http.MethodDelete))
		})

		It("should surface JSON endpoint errors", func() {
			err := client.DeleteConversation(ctx, "missing")
			Expect(err).To(MatchError(ContainSubstring("Not Found")))

			var te *api.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
