package rails_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/railchat/pkg/rails"
)

var _ = Describe("Policy", func() {
	Describe("DefaultPolicy", func() {
		It("is valid and round-trips through YAML", func() {
			data, err := rails.DefaultPolicy("llama3:70b").Marshal()
			Expect(err).NotTo(HaveOccurred())

			p, err := rails.Parse(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Validate()).To(Succeed())

			main, ok := p.MainModel()
			Expect(ok).To(BeTrue())
			Expect(main.Model).To(Equal("llama3:70b"))
			Expect(main.Engine).To(Equal("ollama"))
			Expect(p.Rails.Input.Flows).To(ContainElement(rails.FlowSelfCheckInput))
			Expect(p.Rails.Output.Flows).To(BeEmpty())
		})
	})

	Describe("Validate", func() {
		It("reports every problem at once", func() {
			p, err := rails.Parse([]byte(`
rails:
  input:
    flows:
      - self check input
      - check the vibes
  output:
    flows:
      - self check output
      - openai moderation
blocked_terms:
  input:
    - "(unclosed"
`))
			Expect(err).NotTo(HaveOccurred())

			err = p.Validate()
			Expect(err).To(HaveOccurred())
			msg := err.Error()
			Expect(msg).To(ContainSubstring(`unknown input flow "check the vibes"`))
			Expect(msg).To(ContainSubstring(`need a model with type "main"`))
			Expect(msg).To(ContainSubstring("missing prompt for task self_check_input"))
			Expect(msg).To(ContainSubstring("missing prompt for task self_check_output"))
			Expect(msg).To(ContainSubstring(`blocked term "(unclosed"`))
			Expect(msg).To(ContainSubstring("needs a moderation section"))
		})

		It("rejects prompts with the wrong variables", func() {
			p, err := rails.Parse([]byte(`
models:
  - type: main
    engine: ollama
    model: llama3:8b
rails:
  input:
    flows: [self check input]
prompts:
  - task: self_check_input
    content: "Is {bot_response} bad?"
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Validate()).To(MatchError(ContainSubstring("must reference {user_input}")))
		})

		It("rejects non-ollama main engines", func() {
			p, err := rails.Parse([]byte(`
models:
  - type: main
    engine: openai
    model: gpt-4o
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Validate()).To(MatchError(ContainSubstring(`unsupported main model engine "openai"`)))
		})

		It("accepts a policy with no flows", func() {
			p, err := rails.Parse([]byte("models: []\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Validate()).To(Succeed())
		})
	})

	Describe("Parse", func() {
		It("fails on malformed YAML", func() {
			_, err := rails.Parse([]byte("rails: [unbalanced"))
			Expect(err).To(MatchError(ContainSubstring("decode rails policy")))
		})
	})

	Describe("EnsureFile", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("writes the default policy when the file is missing", func() {
			path := filepath.Join(dir, "config", "guardrails_config.yaml")

			written, err := rails.EnsureFile(path, "llama3:8b")
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeTrue())

			p, err := rails.Load(path)
			Expect(err).NotTo(HaveOccurred())
			main, _ := p.MainModel()
			Expect(main.Model).To(Equal("llama3:8b"))
		})

		It("leaves an existing file alone", func() {
			path := filepath.Join(dir, "guardrails_config.yaml")
			Expect(os.WriteFile(path, []byte("models: []\n"), 0o644)).To(Succeed())

			written, err := rails.EnsureFile(path, "llama3:8b")
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeFalse())

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("models: []\n"))
		})
	})
})
