package merkle_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/merkle"
)

func user(content string) merkle.Entry {
	return merkle.MessageEntry("user", content, "")
}

var _ = Describe("Node", func() {
	Describe("NewNode", func() {
		Context("when creating a root node", func() {
			It("keeps the entry and has no parent", func() {
				node := merkle.NewNode(user("hello world"), nil)

				Expect(node.Entry.Content).To(Equal("hello world"))
				Expect(node.Entry.Type).To(Equal("message"))
				Expect(node.ParentHash).To(BeNil())
			})

			It("produces consistent hashes for the same entry", func() {
				node1 := merkle.NewNode(user("same content"), nil)
				node2 := merkle.NewNode(user("same content"), nil)

				Expect(node1.Hash).To(Equal(node2.Hash))
			})

			It("produces different hashes for different entries", func() {
				Expect(merkle.NewNode(user("A"), nil).Hash).NotTo(Equal(merkle.NewNode(user("B"), nil).Hash))
				Expect(merkle.NewNode(user("A"), nil).Hash).NotTo(Equal(
					merkle.NewNode(merkle.MessageEntry("assistant", "A", ""), nil).Hash))
			})

			It("covers the model and verdict in the hash", func() {
				plain := merkle.MessageEntry("assistant", "hi", "llama3:8b")
				blocked := plain
				blocked.Verdict = "self check input"

				Expect(merkle.NewNode(plain, nil).Hash).NotTo(Equal(merkle.NewNode(blocked, nil).Hash))
				Expect(merkle.NewNode(plain, nil).Hash).NotTo(Equal(
					merkle.NewNode(merkle.MessageEntry("assistant", "hi", "llama3:70b"), nil).Hash))
			})
		})

		Context("when creating a child node", func() {
			var parent *merkle.Node

			BeforeEach(func() {
				parent = merkle.NewNode(user("parent content"), nil)
			})

			It("creates a chain of nodes", func() {
				child1 := merkle.NewNode(user("child 1"), parent)
				child2 := merkle.NewNode(user("child 2"), child1)

				Expect(*child1.ParentHash).To(Equal(parent.Hash))
				Expect(*child2.ParentHash).To(Equal(child1.Hash))
			})

			It("produces different hashes for same entry with different parents", func() {
				parent2 := merkle.NewNode(user("different parent"), nil)
				child1 := merkle.NewNode(user("same content"), parent)
				child2 := merkle.NewNode(user("same content"), parent2)

				Expect(child1.Hash).NotTo(Equal(child2.Hash))
			})
		})
	})

	Describe("Verify", func() {
		It("detects tampered content", func() {
			node := merkle.NewNode(user("original"), nil)
			Expect(node.Verify()).To(BeTrue())

			node.Entry.Content = "edited"
			Expect(node.Verify()).To(BeFalse())
		})
	})

	Describe("Hash computation", func() {
		It("produces a valid SHA-256 hex string (64 characters)", func() {
			node := merkle.NewNode(user("test"), nil)

			Expect(node.Hash).To(MatchRegexp("^[a-f0-9]{64}$"))
		})
	})
})
