package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/chat"
)

var _ = Describe("Store", func() {
	var (
		store *Store
		clock time.Time
	)

	BeforeEach(func() {
		clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		store = NewStore(time.Hour, nil)
		store.now = func() time.Time { return clock }
	})

	It("creates sessions with uuid ids", func() {
		id := store.Create()
		_, err := uuid.Parse(id)
		Expect(err).NotTo(HaveOccurred())

		turns, err := store.Get(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(turns).To(BeEmpty())
		Expect(store.Create()).NotTo(Equal(id))
	})

	It("appends, undoes and clears turns", func() {
		id := store.Create()
		Expect(store.Append(id, chat.Turn{User: "1+1?", Assistant: "2"})).To(Succeed())
		Expect(store.Append(id, chat.Turn{User: "2+2?", Assistant: "4"})).To(Succeed())

		Expect(store.Get(id)).To(Equal([]chat.Turn{{User: "1+1?", Assistant: "2"}, {User: "2+2?", Assistant: "4"}}))

		Expect(store.Undo(id)).To(Succeed())
		Expect(store.Get(id)).To(Equal([]chat.Turn{{User: "1+1?", Assistant: "2"}}))

		Expect(store.Clear(id)).To(Succeed())
		Expect(store.Get(id)).To(BeEmpty())
		Expect(store.Undo(id)).To(MatchError(ErrEmpty))
	})

	It("pops the last turn for regeneration", func() {
		id := store.Create()
		Expect(store.Append(id, chat.Turn{User: "tell a joke", Assistant: "no"})).To(Succeed())

		last, err := store.PopLast(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(last.User).To(Equal("tell a joke"))
		Expect(store.Get(id)).To(BeEmpty())
	})

	It("returns copies", func() {
		id := store.Create()
		Expect(store.Append(id, chat.Turn{User: "a", Assistant: "b"})).To(Succeed())

		turns, _ := store.Get(id)
		turns[0].User = "changed"
		Expect(store.Get(id)).To(Equal([]chat.Turn{{User: "a", Assistant: "b"}}))
	})

	It("reports unknown sessions", func() {
		_, err := store.Get("missing")
		Expect(err).To(MatchError(ErrNotFound))
		Expect(store.Append("missing", chat.Turn{})).To(MatchError(ErrNotFound))
		Expect(store.Clear("missing")).To(MatchError(ErrNotFound))
	})

	Describe("expiry", func() {
		It("hides and sweeps idle sessions", func() {
			idle := store.Create()
			clock = clock.Add(45 * time.Minute)
			active := store.Create()
			clock = clock.Add(30 * time.Minute)

			_, err := store.Get(idle)
			Expect(err).To(MatchError(ErrNotFound))
			Expect(store.Get(active)).To(BeEmpty())

			Expect(store.Sweep()).To(Equal(1))
			Expect(store.Len()).To(Equal(1))
		})

		It("refreshes on writes", func() {
			id := store.Create()
			clock = clock.Add(50 * time.Minute)
			Expect(store.Append(id, chat.Turn{User: "u", Assistant: "a"})).To(Succeed())
			clock = clock.Add(50 * time.Minute)

			Expect(store.Get(id)).To(HaveLen(1))
		})

		It("never expires with a zero ttl", func() {
			store.ttl = 0
			id := store.Create()
			clock = clock.Add(24 * 365 * time.Hour)

			Expect(store.Sweep()).To(BeZero())
			Expect(store.Get(id)).To(BeEmpty())
		})
	})

	Describe("Run", func() {
		It("stops when the context is canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- store.Run(ctx) }()

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
