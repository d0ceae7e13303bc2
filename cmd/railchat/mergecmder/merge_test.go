package mergecmder

import (
	"bytes"
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/merkle"
)

var _ = Describe("Merge Command", func() {
	var (
		ctx     context.Context
		tmpDir  string
		srcPath string
		dstPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		srcPath = filepath.Join(tmpDir, "source.db")
		dstPath = filepath.Join(tmpDir, "target.db")
	})

	makeNode := func(role, text string, parent *merkle.Node) *merkle.Node {
		return merkle.NewNode(merkle.MessageEntry(role, text, "test-model"), parent)
	}

	seed := func(path string, nodes ...*merkle.Node) {
		s, err := merkle.NewSQLiteStorer(path)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()
		for _, n := range nodes {
			_, err := s.Put(ctx, n)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	list := func(path string) []*merkle.Node {
		s, err := merkle.NewSQLiteStorer(path)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()
		nodes, err := s.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		return nodes
	}

	merge := func(args ...string) string {
		var out bytes.Buffer
		cmd := NewMergeCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--target", dstPath}, args...))
		Expect(cmd.ExecuteContext(ctx)).To(Succeed())
		return out.String()
	}

	It("merges nodes from source into target", func() {
		nodeA := makeNode("user", "hello from source", nil)
		nodeB := makeNode("assistant", "hi back", nodeA)
		seed(srcPath, nodeA, nodeB)
		seed(dstPath, makeNode("user", "hello from target", nil))

		out := merge(srcPath)
		Expect(out).To(ContainSubstring("Merged 2 new nodes from 1 sources (0 already existed)"))

		nodes := list(dstPath)
		Expect(nodes).To(HaveLen(3))

		s, err := merkle.NewSQLiteStorer(dstPath)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()
		conv, err := merkle.Conversation(ctx, s, nodeB.Hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(conv).To(HaveLen(2))
		Expect(conv[0].Hash).To(Equal(nodeA.Hash))
	})

	It("deduplicates when merging the same source twice", func() {
		seed(srcPath, makeNode("user", "dedup test", nil))

		merge(srcPath)
		out := merge(srcPath)
		Expect(out).To(ContainSubstring("0 new, 1 already existed"))

		Expect(list(dstPath)).To(HaveLen(1))
	})

	It("merges multiple sources", func() {
		src2Path := filepath.Join(tmpDir, "source2.db")
		seed(srcPath, makeNode("user", "from source 1", nil))
		seed(src2Path, makeNode("user", "from source 2", nil))

		merge(srcPath, src2Path)

		Expect(list(dstPath)).To(HaveLen(2))
	})

	It("skips nodes whose hash does not match their content", func() {
		good := makeNode("user", "fine", nil)
		bad := makeNode("user", "original", nil)
		bad.Entry.Content = "tampered"
		seed(srcPath, good, bad)

		out := merge(srcPath)
		Expect(out).To(ContainSubstring("skipped 1 nodes with mismatched hashes"))

		nodes := list(dstPath)
		Expect(nodes).To(HaveLen(1))
		Expect(nodes[0].Hash).To(Equal(good.Hash))
	})

	It("fails when a source cannot be opened", func() {
		cmd := NewMergeCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--target", dstPath, filepath.Join(tmpDir, "missing", "nope.db")})
		Expect(cmd.ExecuteContext(ctx)).To(MatchError(ContainSubstring("could not open source database")))
	})
})
