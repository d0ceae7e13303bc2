package merkle_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/merkle"
)

func hashes(nodes []*merkle.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Hash
	}
	return out
}

func storerBehaviour(newStorer func() merkle.Storer) {
	var (
		storer merkle.Storer
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		storer = newStorer()
	})

	AfterEach(func() {
		Expect(storer.Close()).To(Succeed())
	})

	Describe("Put and Get", func() {
		It("stores and retrieves a node with parent", func() {
			parent := merkle.NewNode(user("parent"), nil)
			child := merkle.NewNode(merkle.MessageEntry("assistant", "child", "llama3:8b"), parent)

			created, err := storer.Put(ctx, parent)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			_, err = storer.Put(ctx, child)
			Expect(err).NotTo(HaveOccurred())

			retrieved, err := storer.Get(ctx, child.Hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved).To(Equal(child))
			Expect(retrieved.Verify()).To(BeTrue())
		})

		It("returns ErrNotFound for non-existent hash", func() {
			_, err := storer.Get(ctx, "nonexistent")

			var notFound merkle.ErrNotFound
			Expect(err).To(BeAssignableToTypeOf(notFound))
			Expect(err.Error()).To(ContainSubstring("nonexistent"))
		})

		It("is idempotent for duplicate puts", func() {
			node := merkle.NewNode(user("test"), nil)

			_, err := storer.Put(ctx, node)
			Expect(err).NotTo(HaveOccurred())
			created, err := storer.Put(ctx, node)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())

			nodes, err := storer.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
		})

		It("rejects nil nodes", func() {
			_, err := storer.Put(ctx, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Has", func() {
		It("reports presence", func() {
			node := merkle.NewNode(user("test"), nil)
			_, err := storer.Put(ctx, node)
			Expect(err).NotTo(HaveOccurred())

			Expect(storer.Has(ctx, node.Hash)).To(BeTrue())
			Expect(storer.Has(ctx, "nonexistent")).To(BeFalse())
		})
	})

	Describe("traversal", func() {
		var root1, root2, child1, child2, grandchild *merkle.Node

		BeforeEach(func() {
			root1 = merkle.NewNode(user("root1"), nil)
			root2 = merkle.NewNode(user("root2"), nil)
			child1 = merkle.NewNode(merkle.MessageEntry("assistant", "child1", ""), root1)
			child2 = merkle.NewNode(merkle.MessageEntry("assistant", "child2", ""), root1)
			grandchild = merkle.NewNode(user("grandchild"), child1)

			for _, n := range []*merkle.Node{root1, root2, child1, child2, grandchild} {
				_, err := storer.Put(ctx, n)
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("lists nodes in insertion order", func() {
			nodes, err := storer.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(nodes)).To(Equal(hashes([]*merkle.Node{root1, root2, child1, child2, grandchild})))
		})

		It("returns children of a parent", func() {
			children, err := storer.GetByParent(ctx, &root1.Hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(children)).To(Equal([]string{child1.Hash, child2.Hash}))
		})

		It("returns roots", func() {
			roots, err := storer.Roots(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(roots)).To(Equal([]string{root1.Hash, root2.Hash}))

			viaParent, err := storer.GetByParent(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(viaParent)).To(Equal(hashes(roots)))
		})

		It("returns leaves", func() {
			leaves, err := storer.Leaves(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(leaves)).To(ConsistOf(root2.Hash, child2.Hash, grandchild.Hash))
		})

		It("returns the path from a node to its root", func() {
			ancestry, err := storer.Ancestry(ctx, grandchild.Hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(ancestry)).To(Equal([]string{grandchild.Hash, child1.Hash, root1.Hash}))

			_, err = storer.Ancestry(ctx, "nonexistent")
			Expect(err).To(BeAssignableToTypeOf(merkle.ErrNotFound{}))
		})

		It("computes depth", func() {
			Expect(storer.Depth(ctx, root1.Hash)).To(Equal(0))
			Expect(storer.Depth(ctx, grandchild.Hash)).To(Equal(2))
		})

		It("returns a conversation root first", func() {
			conv, err := merkle.Conversation(ctx, storer, grandchild.Hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(hashes(conv)).To(Equal([]string{root1.Hash, child1.Hash, grandchild.Hash}))
		})
	})

	Describe("Append", func() {
		It("reuses a shared prefix and branches on a different answer", func() {
			q := user("What is 2+2?")

			head1, err := merkle.Append(ctx, storer, nil, q, merkle.MessageEntry("assistant", "4", "m"))
			Expect(err).NotTo(HaveOccurred())
			head2, err := merkle.Append(ctx, storer, nil, q, merkle.MessageEntry("assistant", "four", "m"))
			Expect(err).NotTo(HaveOccurred())
			Expect(head1.Hash).NotTo(Equal(head2.Hash))
			Expect(*head1.ParentHash).To(Equal(*head2.ParentHash))

			nodes, err := storer.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(HaveLen(3))
		})

		It("returns the parent when there is nothing to append", func() {
			root := merkle.NewNode(user("hi"), nil)
			head, err := merkle.Append(ctx, storer, root)
			Expect(err).NotTo(HaveOccurred())
			Expect(head).To(BeIdenticalTo(root))
		})
	})
}

var _ = Describe("MemoryStorer", func() {
	storerBehaviour(func() merkle.Storer { return merkle.NewMemoryStorer() })
})

var _ = Describe("SQLiteStorer", func() {
	storerBehaviour(func() merkle.Storer {
		s, err := merkle.NewSQLiteStorer(":memory:")
		Expect(err).NotTo(HaveOccurred())
		return s
	})

	It("persists to a database file across reopen", func() {
		ctx := context.Background()
		dbPath := filepath.Join(GinkgoT().TempDir(), "transcripts.db")

		s, err := merkle.NewSQLiteStorer(dbPath)
		Expect(err).NotTo(HaveOccurred())
		head, err := merkle.Append(ctx, s, nil, user("hello"), merkle.MessageEntry("assistant", "hi", "m"))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Close()).To(Succeed())

		_, err = os.Stat(dbPath)
		Expect(err).NotTo(HaveOccurred())

		s, err = merkle.NewSQLiteStorer(dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		Expect(s.Depth(ctx, head.Hash)).To(Equal(1))
	})
})
