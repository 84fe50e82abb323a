package controllers_test

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/controllers"
	"github.com/killallgit/thrive/pkg/storage"
	"github.com/killallgit/thrive/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func drain(ch <-chan controllers.Update) []controllers.Update {
	var updates []controllers.Update
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return updates
			}
			updates = append(updates, u)
		default:
			return updates
		}
	}
}

func updateTypes(updates []controllers.Update) []controllers.UpdateType {
	types := make([]controllers.UpdateType, len(updates))
	for i, u := range updates {
		types[i] = u.Type
	}
	return types
}

func finishedAssistant(id, conversationID, text string, at time.Time) chat.Message {
	msg := chat.NewAssistantMessage(id, conversationID, at)
	msg.Text = text
	msg.IsStreaming = false
	msg.State = chat.StateFinished
	return msg
}

var _ = Describe("SessionController", func() {
	var (
		transport  *testutil.FakeTransport
		store      *storage.Store
		controller *controllers.SessionController
		frames     testutil.FrameBuilder
		ctx        context.Context
		base       time.Time
	)

	BeforeEach(func() {
		var err error
		transport = testutil.NewFakeTransport()
		store, err = storage.Open(":memory:")
		Expect(err).ToNot(HaveOccurred())

		base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		tick := 0
		clock := func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}

		controller = controllers.NewSessionController(transport,
			controllers.WithStore(store),
			controllers.WithClock(clock),
		)
		frames = testutil.NewFrameBuilder("c1")
		ctx = context.Background()
	})

	AfterEach(func() {
		controller.Close()
		Expect(store.Close()).To(Succeed())
	})

	Describe("SendMessage", func() {
		It("should stream the reply into a finished assistant message", func() {
			transport.EnqueueSend(testutil.StreamScript{Frames: frames.Reply("m1", "Hel", "lo", "!")})

			Expect(controller.SendMessage(ctx, "  hi there  ")).To(Succeed())

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Role).To(Equal(chat.RoleUser))
			Expect(msgs[0].Text).To(Equal("hi there"))
			Expect(msgs[1].ID).To(Equal("m1"))
			Expect(msgs[1].Text).To(Equal("Hello!"))
			Expect(msgs[1].State).To(Equal(chat.StateFinished))
			Expect(msgs[1].IsStreaming).To(BeFalse())

			Expect(controller.ConversationID()).To(Equal("c1"))
			Expect(controller.LastDataID()).To(Equal("m1-4"))
			Expect(controller.Busy()).To(BeFalse())

			sends := transport.Sends()
			Expect(sends).To(HaveLen(1))
			Expect(sends[0]).To(Equal(api.SendRequest{UserInput: "hi there"}))
		})

		It("should send follow-up messages in the adopted conversation", func() {
			transport.EnqueueSend(testutil.StreamScript{Frames: frames.Reply("m1", "one")})
			transport.EnqueueSend(testutil.StreamScript{Frames: frames.Reply("m2", "two")})

			Expect(controller.SendMessage(ctx, "first")).To(Succeed())
			Expect(controller.SendMessage(ctx, "second")).To(Succeed())

			sends := transport.Sends()
			Expect(sends).To(HaveLen(2))
			Expect(sends[1].ConversationID).To(Equal("c1"))

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(4))
			Expect(msgs[3].Text).To(Equal("two"))
		})

		It("should finish a reply whose stream ends without a terminal status", func() {
			transport.EnqueueSend(testutil.StreamScript{Frames: []string{
				frames.Status("f1", "m1", testutil.StatusGenerating),
				frames.Chunk("f2", "m1", 0, "cut short"),
			}})

			Expect(controller.SendMessage(ctx, "hello")).To(Succeed())

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Text).To(Equal("cut short"))
			Expect(msgs[1].State).To(Equal(chat.StateFinished))
			Expect(msgs[1].IsStreaming).To(BeFalse())
			Expect(controller.Busy()).To(BeFalse())

			stored, err := store.FetchAllMessages(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored[1].State).To(Equal(chat.StateFinished))
		})

		It("should reject empty messages without a request", func() {
			Expect(controller.SendMessage(ctx, "   \n")).To(MatchError(controllers.ErrEmptyMessage))
			Expect(transport.Sends()).To(BeEmpty())
			Expect(controller.CurrentMessages()).To(BeEmpty())
		})

		It("should persist the transcript and resume position", func() {
			transport.EnqueueSend(testutil.StreamScript{Frames: frames.Reply("m1", "Hi")})

			Expect(controller.SendMessage(ctx, "hello")).To(Succeed())

			stored, err := store.FetchAllMessages(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(2))
			Expect(stored[1].Text).To(Equal("Hi"))
			Expect(stored[1].State).To(Equal(chat.StateFinished))

			state, err := store.LoadSession(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(storage.SessionState{ConversationID: "c1", LastDataID: "m1-2"}))
		})

		It("should apply replayed frames once", func() {
			reply := frames.Reply("m1", "ab")
			script := append([]string{}, reply[:2]...)
			script = append(script, reply[1], reply[2])
			transport.EnqueueSend(testutil.StreamScript{Frames: script})

			Expect(controller.SendMessage(ctx, "hi")).To(Succeed())
			Expect(controller.CurrentMessages()[1].Text).To(Equal("ab"))
		})
	})

	Describe("turn failures", func() {
		It("should mark the reply errored when the stream breaks", func() {
			transport.EnqueueSend(testutil.StreamScript{
				Frames:    frames.Reply("m1", "Hel", "lo"),
				FailAfter: 2,
			})

			err := controller.SendMessage(ctx, "hi")
			var turnErr *controllers.TurnError
			Expect(errors.As(err, &turnErr)).To(BeTrue())
			Expect(turnErr.Kind).To(Equal(controllers.NetworkFailure))
			Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Text).To(Equal("Hel"))
			Expect(msgs[1].State).To(Equal(chat.StateErrored))
			Expect(msgs[1].ErrorMessage).ToNot(BeEmpty())
			Expect(controller.Busy()).To(BeFalse())
		})

		It("should report the status code of a rejected turn", func() {
			transport.EnqueueSend(testutil.StreamScript{
				OpenErr: &api.TransportError{StatusCode: 429, Message: "slow down"},
			})

			err := controller.SendMessage(ctx, "hi")
			var turnErr *controllers.TurnError
			Expect(errors.As(err, &turnErr)).To(BeTrue())
			Expect(turnErr.Kind).To(Equal(controllers.ServerRejected))
			Expect(turnErr.Code).To(Equal(429))

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Role).To(Equal(chat.RoleAssistant))
			Expect(msgs[1].State).To(Equal(chat.StateErrored))
		})

		It("should fail with a decode failure when no frame can be read", func() {
			transport.EnqueueSend(testutil.StreamScript{
				Frames: []string{testutil.RawFrame("{not json"), testutil.RawFrame(`{"data":{}}`)},
			})

			err := controller.SendMessage(ctx, "hi")
			var turnErr *controllers.TurnError
			Expect(errors.As(err, &turnErr)).To(BeTrue())
			Expect(turnErr.Kind).To(Equal(controllers.DecodeFailure))
		})

		It("should skip malformed frames between good ones", func() {
			reply := frames.Reply("m1", "ok")
			script := []string{reply[0], testutil.RawFrame("{broken"), reply[1], reply[2]}
			transport.EnqueueSend(testutil.StreamScript{Frames: script})

			Expect(controller.SendMessage(ctx, "hi")).To(Succeed())
			Expect(controller.CurrentMessages()[1].Text).To(Equal("ok"))
		})

		It("should publish a failed turn to subscribers", func() {
			updates, unsubscribe := controller.Subscribe()
			defer unsubscribe()
			transport.EnqueueSend(testutil.StreamScript{OpenErr: errors.New("connection refused")})

			Expect(controller.SendMessage(ctx, "hi")).ToNot(Succeed())

			received := drain(updates)
			Expect(received).ToNot(BeEmpty())
			last := received[len(received)-1]
			Expect(last.Type).To(Equal(controllers.TurnFailed))
			Expect(last.Err).To(HaveOccurred())
		})
	})

	Describe("concurrency", func() {
		It("should reject a second turn and stop the first on cancel", func() {
			transport.EnqueueSend(testutil.StreamScript{
				Frames: []string{
					frames.Status("f1", "m1", testutil.StatusGenerating),
					frames.Chunk("f2", "m1", 0, "partial"),
				},
				Hold: true,
			})

			turnCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- controller.SendMessage(turnCtx, "hi")
			}()

			Eventually(func() string {
				msgs := controller.CurrentMessages()
				if len(msgs) < 2 {
					return ""
				}
				return msgs[1].Text
			}).Should(Equal("partial"))
			Expect(controller.Busy()).To(BeTrue())
			Expect(controller.SendMessage(ctx, "again")).To(MatchError(controllers.ErrBusy))

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].State).To(Equal(chat.StateStopped))
			Expect(msgs[1].Text).To(Equal("partial"))
			Expect(controller.Busy()).To(BeFalse())
		})
	})

	Describe("resume", func() {
		It("should finalize locally when there is no cursor", func() {
			streaming := chat.NewAssistantMessage("m1", "c1", base)
			streaming.Text = "half"
			Expect(store.SaveMessage(ctx, streaming)).To(Succeed())
			Expect(store.SaveSession(ctx, storage.SessionState{ConversationID: "c1"})).To(Succeed())

			Expect(controller.Initialize(ctx)).To(Succeed())

			Expect(transport.Resumes()).To(BeEmpty())
			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].State).To(Equal(chat.StateFinished))
			Expect(msgs[0].Text).To(Equal("half"))
		})

		It("should resume an unanswered message from the saved cursor", func() {
			user := chat.NewUserMessage("u1", "hi", base)
			user.ConversationID = "c1"
			Expect(store.SaveMessage(ctx, user)).To(Succeed())
			Expect(store.SaveSession(ctx, storage.SessionState{ConversationID: "c1", LastDataID: "f9"})).To(Succeed())
			transport.EnqueueResume(testutil.StreamScript{Frames: frames.Reply("m1", "Hi", " back")})

			Expect(controller.Initialize(ctx)).To(Succeed())

			resumes := transport.Resumes()
			Expect(resumes).To(Equal([]api.ResumeRequest{{ConversationID: "c1", LastDataID: "f9"}}))

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Text).To(Equal("Hi back"))
			Expect(msgs[1].State).To(Equal(chat.StateFinished))
			Expect(controller.LastDataID()).To(Equal("m1-3"))
		})

		It("should continue a message that was streaming before a restart", func() {
			streaming := chat.NewAssistantMessage("m1", "c1", base)
			streaming.Text = "Hel"
			Expect(store.SaveMessage(ctx, streaming)).To(Succeed())
			Expect(store.SaveSession(ctx, storage.SessionState{ConversationID: "c1", LastDataID: "m1-1"})).To(Succeed())
			transport.EnqueueResume(testutil.StreamScript{Frames: []string{
				frames.Chunk("m1-2", "m1", 1, "lo"),
				frames.Status("m1-3", "m1", testutil.StatusFinished),
			}})

			Expect(controller.Initialize(ctx)).To(Succeed())

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Text).To(Equal("Hello"))
			Expect(msgs[0].State).To(Equal(chat.StateFinished))
		})

		It("should not resume a finished conversation", func() {
			Expect(store.SaveMessages(ctx, []chat.Message{
				chat.NewUserMessage("u1", "hi", base),
				finishedAssistant("m1", "c1", "hello", base.Add(time.Second)),
			})).To(Succeed())
			Expect(store.SaveSession(ctx, storage.SessionState{ConversationID: "c1", LastDataID: "m1-2"})).To(Succeed())

			Expect(controller.Initialize(ctx)).To(Succeed())
			Expect(transport.Resumes()).To(BeEmpty())
		})

		It("should require a conversation", func() {
			Expect(controller.ResumeConversation(ctx, "", "f1")).To(MatchError(controllers.ErrNoConversation))
		})
	})

	Describe("Initialize", func() {
		It("should sync the latest server conversation into the store", func() {
			transport.Conversations = []api.Conversation{{ID: "c9"}}
			transport.History["c9"] = []chat.Message{
				chat.NewUserMessage("u1", "hello", base),
				finishedAssistant("a1", "c9", "world", base.Add(time.Second)),
			}

			Expect(controller.Initialize(ctx)).To(Succeed())

			Expect(controller.ConversationID()).To(Equal("c9"))
			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Text).To(Equal("world"))

			count, err := store.Count(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(2))
			Expect(transport.Resumes()).To(BeEmpty())
		})

		It("should not duplicate user messages already stored locally", func() {
			local := chat.NewUserMessage("local-id", "hello", base)
			local.ConversationID = "c9"
			Expect(store.SaveMessage(ctx, local)).To(Succeed())
			Expect(store.SaveSession(ctx, storage.SessionState{ConversationID: "c9"})).To(Succeed())

			transport.Conversations = []api.Conversation{{ID: "c9"}}
			transport.History["c9"] = []chat.Message{
				chat.NewUserMessage("server-id", "hello", base),
				finishedAssistant("a1", "c9", "world", base.Add(time.Second)),
			}

			Expect(controller.Initialize(ctx)).To(Succeed())

			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].ID).To(Equal("local-id"))
			Expect(msgs[1].ID).To(Equal("a1"))
		})

		It("should store synced messages where they appear in the transcript", func() {
			user := chat.NewUserMessage("u1", "hello", base)
			user.ConversationID = "c9"
			Expect(store.SaveMessages(ctx, []chat.Message{
				user,
				finishedAssistant("a3", "c9", "third", base.Add(2*time.Second)),
			})).To(Succeed())
			Expect(store.SaveSession(ctx, storage.SessionState{ConversationID: "c9"})).To(Succeed())

			transport.Conversations = []api.Conversation{{ID: "c9"}}
			transport.History["c9"] = []chat.Message{
				user,
				finishedAssistant("a2", "c9", "second", base.Add(time.Second)),
				finishedAssistant("a3", "c9", "third", base.Add(2*time.Second)),
			}

			Expect(controller.Initialize(ctx)).To(Succeed())

			stored, err := store.FetchAllMessages(ctx)
			Expect(err).ToNot(HaveOccurred())
			ids := make([]string, 0, len(stored))
			for _, msg := range stored {
				ids = append(ids, msg.ID)
			}
			Expect(ids).To(Equal([]string{"u1", "a2", "a3"}))

			state, err := store.LoadSession(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(state.ConversationID).To(Equal("c9"))
		})

		It("should keep local history when the server is unreachable", func() {
			Expect(store.SaveMessage(ctx, chat.NewUserMessage("u1", "hi", base))).To(Succeed())
			transport.ListErr = errors.New("offline")
			transport.HistoryErr = errors.New("offline")

			Expect(controller.Initialize(ctx)).To(Succeed())
			Expect(controller.CurrentMessages()).To(HaveLen(1))
		})
	})

	Describe("history and deletion", func() {
		BeforeEach(func() {
			transport.EnqueueSend(testutil.StreamScript{Frames: frames.Reply("m1", "Hi")})
			Expect(controller.SendMessage(ctx, "hello")).To(Succeed())
		})

		It("should replace the transcript with a loaded conversation", func() {
			transport.History["c2"] = []chat.Message{
				chat.NewUserMessage("u2", "question", base),
				finishedAssistant("a2", "c2", "answer", base.Add(time.Second)),
			}

			Expect(controller.GetConversationHistory(ctx, "c2")).To(Succeed())

			Expect(controller.ConversationID()).To(Equal("c2"))
			msgs := controller.CurrentMessages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Text).To(Equal("answer"))

			stored, err := store.FetchAllMessages(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(2))
			Expect(stored[0].ID).To(Equal("u2"))
		})

		It("should surface a missing conversation", func() {
			err := controller.GetConversationHistory(ctx, "missing")
			Expect(err).To(HaveOccurred())
			Expect(controller.ConversationID()).To(Equal("c1"))
			Expect(controller.CurrentMessages()).To(HaveLen(2))
		})

		It("should clear everything when deleting the current conversation", func() {
			Expect(controller.DeleteConversation(ctx, "c1")).To(Succeed())

			Expect(transport.Deleted).To(Equal([]string{"c1"}))
			Expect(controller.CurrentMessages()).To(BeEmpty())
			Expect(controller.ConversationID()).To(BeEmpty())

			count, err := store.Count(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
		})

		It("should leave the transcript alone when deleting another conversation", func() {
			Expect(controller.DeleteConversation(ctx, "other")).To(Succeed())

			Expect(transport.Deleted).To(Equal([]string{"other"}))
			Expect(controller.CurrentMessages()).To(HaveLen(2))
			Expect(controller.ConversationID()).To(Equal("c1"))
		})

		It("should clear local history", func() {
			Expect(controller.ClearHistory(ctx)).To(Succeed())

			Expect(controller.CurrentMessages()).To(BeEmpty())
			Expect(controller.LastDataID()).To(BeEmpty())
			state, err := store.LoadSession(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(storage.SessionState{}))
		})

		It("should page conversations from the backend", func() {
			transport.Conversations = []api.Conversation{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}

			page, err := controller.ListConversations(ctx, 2, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(page).To(Equal([]api.Conversation{{ID: "c2"}, {ID: "c3"}}))
		})
	})

	Describe("subscriptions", func() {
		It("should deliver updates in order for a turn", func() {
			updates, unsubscribe := controller.Subscribe()
			defer unsubscribe()
			transport.EnqueueSend(testutil.StreamScript{Frames: frames.Reply("m1", "Hi")})

			Expect(controller.SendMessage(ctx, "hello")).To(Succeed())

			types := updateTypes(drain(updates))
			Expect(types).ToNot(BeEmpty())
			Expect(types[0]).To(Equal(controllers.TurnStarted))
			Expect(types[len(types)-1]).To(Equal(controllers.TurnCompleted))
			Expect(types).To(ContainElement(controllers.ConversationChanged))
			Expect(types).To(ContainElement(controllers.MessagesChanged))
		})

		It("should close subscriptions on Close", func() {
			updates, _ := controller.Subscribe()
			controller.Close()
			Eventually(updates).Should(BeClosed())
		})
	})
})

var _ = Describe("SessionController over HTTP", func() {
	var (
		server     *testutil.FakeServer
		controller *controllers.SessionController
		frames     testutil.FrameBuilder
		ctx        context.Context
	)

	BeforeEach(func() {
		server = testutil.NewFakeServer()
		client := api.NewClient(server.URL, api.WithAuthToken("tok"))
		controller = controllers.NewSessionController(client)
		frames = testutil.NewFrameBuilder("c7")
		ctx = context.Background()
	})

	AfterEach(func() {
		controller.Close()
		server.Close()
	})

	It("should complete a turn end to end", func() {
		server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
			Frames:     frames.Reply("m1", "Hel", "lo"),
			ChunkDelay: time.Millisecond,
		})

		Expect(controller.SendMessage(ctx, "hi")).To(Succeed())

		msgs := controller.CurrentMessages()
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[1].Text).To(Equal("Hello"))
		Expect(controller.ConversationID()).To(Equal("c7"))
	})

	It("should classify an error status as a rejection", func() {
		server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
			Status:    401,
			ErrorBody: `{"detail":"bad token"}`,
		})

		err := controller.SendMessage(ctx, "hi")
		var turnErr *controllers.TurnError
		Expect(errors.As(err, &turnErr)).To(BeTrue())
		Expect(turnErr.Kind).To(Equal(controllers.ServerRejected))
		Expect(turnErr.Code).To(Equal(401))
		Expect(api.IsUnauthorized(err)).To(BeTrue())
	})

	It("should classify a dropped connection as a network failure", func() {
		server.EnqueueStream("/conversations/message/send", testutil.ServerStream{
			Frames: frames.Reply("m1", "Hel", "lo")[:2],
			Abort:  true,
		})

		err := controller.SendMessage(ctx, "hi")
		var turnErr *controllers.TurnError
		Expect(errors.As(err, &turnErr)).To(BeTrue())
		Expect(turnErr.Kind).To(Equal(controllers.NetworkFailure))
		Expect(controller.CurrentMessages()[1].State).To(Equal(chat.StateErrored))
	})
})
