package integration

import (
	"context"
	"path/filepath"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/controllers"
	"github.com/killallgit/thrive/pkg/storage"
	"github.com/killallgit/thrive/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	sendPath   = "/conversations/message/send"
	resumePath = "/conversations/message/resume"
)

var _ = Describe("Restart and resume", func() {
	var (
		server *testutil.FakeServer
		dbPath string
		frames testutil.FrameBuilder
		ctx    context.Context
	)

	openSession := func() (*controllers.SessionController, *storage.Store) {
		store, err := storage.Open(dbPath)
		Expect(err).ToNot(HaveOccurred())
		client := api.NewClient(server.URL, api.WithAuthToken("tok"))
		return controllers.NewSessionController(client, controllers.WithStore(store)), store
	}

	BeforeEach(func() {
		server = testutil.NewFakeServer()
		server.Respond("GET", "/conversations/list", 200, `{"conversations":[]}`)
		dbPath = filepath.Join(GinkgoT().TempDir(), "messages.db")
		frames = testutil.NewFrameBuilder("c1")
		ctx = context.Background()
	})

	AfterEach(func() {
		server.Close()
	})

	It("should continue a reply that was streaming when the process went away", func() {
		reply := frames.Reply("m1", "Hel", "lo", "!")
		server.EnqueueStream(sendPath, testutil.ServerStream{Frames: reply[:3], Hold: true})
		server.EnqueueStream(resumePath, testutil.ServerStream{Frames: reply[3:]})

		// The first process stays mid-turn; a second one opens the same database
		first, firstStore := openSession()
		firstCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- first.SendMessage(firstCtx, "hi")
		}()

		probe, err := storage.Open(dbPath)
		Expect(err).ToNot(HaveOccurred())
		Eventually(func() string {
			state, err := probe.LoadSession(ctx)
			if err != nil {
				return ""
			}
			return state.LastDataID
		}).Should(Equal("m1-2"))
		Eventually(func() string {
			msgs, err := probe.FetchAllMessages(ctx)
			if err != nil || len(msgs) < 2 {
				return ""
			}
			return msgs[1].Text
		}).Should(Equal("Hello"))
		Expect(probe.Close()).To(Succeed())

		second, secondStore := openSession()
		defer secondStore.Close()
		defer second.Close()

		Expect(second.Initialize(ctx)).To(Succeed())

		msgs := second.CurrentMessages()
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[1].Text).To(Equal("Hello!"))
		Expect(msgs[1].State).To(Equal(chat.StateFinished))

		req, ok := server.LastRequest(resumePath)
		Expect(ok).To(BeTrue())
		Expect(string(req.Body)).To(ContainSubstring(`"last_data_id":"m1-2"`))

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
		first.Close()
		Expect(firstStore.Close()).To(Succeed())
	})

	It("should keep the transcript across restarts", func() {
		server.EnqueueStream(sendPath, testutil.ServerStream{Frames: frames.Reply("m1", "Hi")})

		first, store := openSession()
		Expect(first.SendMessage(ctx, "hello")).To(Succeed())
		first.Close()
		Expect(store.Close()).To(Succeed())

		second, store := openSession()
		defer store.Close()
		defer second.Close()

		Expect(second.Initialize(ctx)).To(Succeed())
		msgs := second.CurrentMessages()
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Text).To(Equal("hello"))
		Expect(msgs[1].Text).To(Equal("Hi"))
		Expect(second.ConversationID()).To(Equal("c1"))
	})
})
