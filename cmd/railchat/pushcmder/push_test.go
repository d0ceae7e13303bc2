package pushcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/merkle"
)

// receiver stands in for a railchat server's import endpoint.
type receiver struct {
	mu       sync.Mutex
	store    *merkle.MemoryStorer
	requests int
	status   int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++

	if req.URL.Path != "/transcripts/nodes" || req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}
	if r.status != 0 {
		http.Error(w, "boom", r.status)
		return
	}

	var nodes []*merkle.Node
	if err := json.NewDecoder(req.Body).Decode(&nodes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp pushResponse
	for _, n := range nodes {
		isNew, err := r.store.Put(req.Context(), n)
		switch {
		case err != nil:
			resp.Errors++
		case isNew:
			resp.New++
		default:
			resp.Duplicate++
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

var _ = Describe("Push Command", func() {
	var (
		ctx       context.Context
		localPath string
		recv      *receiver
		srv       *httptest.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		localPath = filepath.Join(GinkgoT().TempDir(), "local.db")
		recv = &receiver{store: merkle.NewMemoryStorer()}
		srv = httptest.NewServer(recv)
		DeferCleanup(srv.Close)
	})

	makeNode := func(role, text string, parent *merkle.Node) *merkle.Node {
		return merkle.NewNode(merkle.MessageEntry(role, text, "test-model"), parent)
	}

	seed := func(nodes ...*merkle.Node) {
		local, err := merkle.NewSQLiteStorer(localPath)
		Expect(err).NotTo(HaveOccurred())
		defer local.Close()
		for _, n := range nodes {
			_, err := local.Put(ctx, n)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	push := func(extra ...string) (string, error) {
		var out bytes.Buffer
		cmd := NewPushCmd()
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append(append([]string{"--source", localPath}, extra...), srv.URL+"/"))
		err := cmd.ExecuteContext(ctx)
		return out.String(), err
	}

	It("pushes local nodes to a remote server", func() {
		nodeA := makeNode("user", "hello from push test", nil)
		nodeB := makeNode("assistant", "hi back from push test", nodeA)
		seed(nodeA, nodeB)

		out, err := push()
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Pushed 2 new nodes (0 already existed, 0 errors)"))

		nodes, err := recv.store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(2))
	})

	It("deduplicates on double push", func() {
		seed(makeNode("user", "dedup push test", nil))

		_, err := push()
		Expect(err).NotTo(HaveOccurred())
		out, err := push()
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Pushed 0 new nodes (1 already existed"))

		nodes, err := recv.store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(1))
	})

	It("splits the push into batches", func() {
		root := makeNode("user", "one", nil)
		seed(root, makeNode("assistant", "two", root), makeNode("user", "three", nil))

		_, err := push("--batch-size", "2")
		Expect(err).NotTo(HaveOccurred())
		Expect(recv.requests).To(Equal(2))
	})

	It("reports an empty database without calling the server", func() {
		seed()

		out, err := push()
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("No local nodes to push."))
		Expect(recv.requests).To(BeZero())
	})

	It("fails on a server error", func() {
		seed(makeNode("user", "hello", nil))
		recv.status = http.StatusInternalServerError

		_, err := push()
		Expect(err).To(MatchError(ContainSubstring("server returned 500")))
	})
})
