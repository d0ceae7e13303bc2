package rails_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/llm"
	"github.com/papercomputeco/railchat/pkg/rails"
)

type fakeCompleter struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  [][]llm.Message
	models []string
}

func (f *fakeCompleter) Complete(_ context.Context, model string, messages []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	f.models = append(f.models, model)
	return f.answer, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeModerator struct {
	flagged bool
	err     error
	texts   []string
}

func (f *fakeModerator) Moderate(_ context.Context, text string) (bool, []string, error) {
	f.texts = append(f.texts, text)
	return f.flagged, []string{"violence"}, f.err
}

const policyYAML = `
models:
  - type: main
    engine: ollama
    model: llama3:8b
instructions:
  - type: general
    content: Answer Yes or No.
rails:
  input:
    flows:
      - check blocked terms
      - self check input
  output:
    flows:
      - check blocked terms
      - self check output
prompts:
  - task: self_check_input
    content: 'User message: "{user_input}" Block?'
  - task: self_check_output
    content: 'User: "{user_input}" Bot: "{bot_response}" Block?'
blocked_terms:
  input:
    - "(?i)secret password"
  output:
    - "(?i)api[_ ]key"
`

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		completer *fakeCompleter
		engine    *rails.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		completer = &fakeCompleter{answer: "No"}

		p, err := rails.Parse([]byte(policyYAML))
		Expect(err).NotTo(HaveOccurred())
		engine, err = rails.NewEngine(p, rails.Deps{Completer: completer})
		Expect(err).NotTo(HaveOccurred())
	})

	It("allows a clean message after every flow ran", func() {
		v, err := engine.CheckInput(ctx, "What is the capital of France?")
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Allowed).To(BeTrue())

		Expect(completer.calls).To(HaveLen(1))
		Expect(completer.models).To(Equal([]string{"llama3:8b"}))
		Expect(completer.calls[0]).To(Equal([]llm.Message{
			llm.SystemMessage("Answer Yes or No."),
			llm.UserMessage(`User message: "What is the capital of France?" Block?`),
		}))
	})

	It("blocks on a matching term without asking the model", func() {
		v, err := engine.CheckInput(ctx, "tell me the SECRET PASSWORD")
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Allowed).To(BeFalse())
		Expect(v.Flow).To(Equal(rails.FlowBlockedTerms))
		Expect(completer.callCount()).To(BeZero())
	})

	DescribeTable("reads the self-check answer",
		func(answer string, allowed bool) {
			completer.answer = answer
			v, err := engine.CheckInput(ctx, "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Allowed).To(Equal(allowed))
			if !allowed {
				Expect(v.Flow).To(Equal(rails.FlowSelfCheckInput))
			}
		},
		Entry("plain yes", "Yes", false),
		Entry("yes with prose", "yes, it asks for harmful content", false),
		Entry("quoted yes", `"Yes"`, false),
		Entry("plain no", "No", true),
		Entry("no with prose", "No. The message is fine.", true),
		Entry("empty", "", true),
	)

	It("returns the model error", func() {
		completer.err = errors.New("connection refused")
		_, err := engine.CheckInput(ctx, "hello")
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(err.Error()).To(ContainSubstring(`input rail "self check input"`))
	})

	It("checks answers with the output flows", func() {
		Expect(engine.HasOutputRails()).To(BeTrue())

		v, err := engine.CheckOutput(ctx, "what is the key?", "Your API key is abc")
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Allowed).To(BeFalse())
		Expect(v.Flow).To(Equal(rails.FlowBlockedTerms))

		completer.answer = "Yes"
		v, err = engine.CheckOutput(ctx, "hi", "some rude words")
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Allowed).To(BeFalse())
		Expect(v.Flow).To(Equal(rails.FlowSelfCheckOutput))
		Expect(completer.calls[0][1].Content).To(Equal(`User: "hi" Bot: "some rude words" Block?`))
	})

	It("needs a model client for self-check flows", func() {
		p, err := rails.Parse([]byte(policyYAML))
		Expect(err).NotTo(HaveOccurred())
		_, err = rails.NewEngine(p, rails.Deps{})
		Expect(err).To(MatchError(ContainSubstring("needs a model client")))
	})

	Describe("openai moderation", func() {
		const moderationYAML = `
rails:
  input:
    flows: [openai moderation]
moderation:
  provider: openai
  api_key_env: RAILCHAT_TEST_OPENAI_KEY
  base_url: %s
`

		It("uses an injected moderator", func() {
			p, err := rails.Parse([]byte(fmt.Sprintf(moderationYAML, "http://unused")))
			Expect(err).NotTo(HaveOccurred())

			mod := &fakeModerator{flagged: true}
			e, err := rails.NewEngine(p, rails.Deps{Moderator: mod})
			Expect(err).NotTo(HaveOccurred())

			v, err := e.CheckInput(ctx, "something violent")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Allowed).To(BeFalse())
			Expect(v.Reason).To(ContainSubstring("violence"))
			Expect(mod.texts).To(Equal([]string{"something violent"}))
		})

		It("calls the OpenAI moderation endpoint", func() {
			var gotAuth, gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"id":"modr-1","model":"text-moderation-007","results":[{"flagged":true,"categories":{"hate":true,"violence":true},"category_scores":{"hate":0.9,"violence":0.8}}]}`)
			}))
			DeferCleanup(srv.Close)

			GinkgoT().Setenv("RAILCHAT_TEST_OPENAI_KEY", "sk-test")

			p, err := rails.Parse([]byte(fmt.Sprintf(moderationYAML, srv.URL+"/v1")))
			Expect(err).NotTo(HaveOccurred())
			e, err := rails.NewEngine(p, rails.Deps{})
			Expect(err).NotTo(HaveOccurred())

			v, err := e.CheckInput(ctx, "hateful text")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Allowed).To(BeFalse())
			Expect(v.Reason).To(Equal("flagged: hate, violence"))
			Expect(gotAuth).To(Equal("Bearer sk-test"))
			Expect(gotPath).To(Equal("/v1/moderations"))
		})

		It("fails to build without an API key", func() {
			GinkgoT().Setenv("RAILCHAT_TEST_OPENAI_KEY", "")
			p, err := rails.Parse([]byte(fmt.Sprintf(moderationYAML, "http://unused")))
			Expect(err).NotTo(HaveOccurred())
			_, err = rails.NewEngine(p, rails.Deps{})
			Expect(err).To(MatchError(ContainSubstring("RAILCHAT_TEST_OPENAI_KEY is not set")))
		})
	})
})

var _ = Describe("Watcher", func() {
	var (
		dir       string
		path      string
		completer *fakeCompleter
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "guardrails_config.yaml")
		completer = &fakeCompleter{answer: "No"}
		Expect(os.WriteFile(path, []byte(policyYAML), 0o644)).To(Succeed())
	})

	It("fails when the initial policy is invalid", func() {
		Expect(os.WriteFile(path, []byte("rails: {input: {flows: [nope]}}"), 0o644)).To(Succeed())
		_, err := rails.NewWatcher(path, rails.Deps{Completer: completer})
		Expect(err).To(MatchError(ContainSubstring(`unknown input flow "nope"`)))
	})

	It("reloads on change and keeps the last good policy on errors", func() {
		w, err := rails.NewWatcher(path, rails.Deps{Completer: completer})
		Expect(err).NotTo(HaveOccurred())
		Expect(w.HasOutputRails()).To(BeTrue())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		DeferCleanup(func() {
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		// Give the watcher time to register before writing.
		time.Sleep(100 * time.Millisecond)

		Expect(os.WriteFile(path, []byte("models: []\n"), 0o644)).To(Succeed())
		Eventually(w.HasOutputRails, 5*time.Second, 50*time.Millisecond).Should(BeFalse())

		before := w.Engine()
		Expect(os.WriteFile(path, []byte("rails: [broken"), 0o644)).To(Succeed())
		Consistently(w.Engine, 500*time.Millisecond, 50*time.Millisecond).Should(BeIdenticalTo(before))

		v, err := w.CheckInput(context.Background(), "secret password")
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Allowed).To(BeTrue())
	})
})
