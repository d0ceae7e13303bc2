package rails

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/llm"
	"github.com/papercomputeco/railchat/pkg/metrics"
	"github.com/papercomputeco/railchat/pkg/prompt"
)

const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// Verdict is the outcome of running a direction's flows over a message.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Flow    string `json:"flow,omitempty"`   // the flow that blocked
	Reason  string `json:"reason,omitempty"` // human readable detail
}

var allow = Verdict{Allowed: true}

// Completer asks the main model for a non-streamed answer.
type Completer interface {
	Complete(ctx context.Context, model string, messages []llm.Message) (string, error)
}

// Moderator classifies text with an external moderation service.
type Moderator interface {
	Moderate(ctx context.Context, text string) (flagged bool, categories []string, err error)
}

// Deps are the collaborators an Engine may call. Completer is required when a
// self-check flow is configured; Moderator is built from the policy when nil.
type Deps struct {
	Completer Completer
	Moderator Moderator
	Logger    *zap.Logger
}

type message struct {
	user string
	bot  string
}

type flow interface {
	name() string
	check(ctx context.Context, m message) (Verdict, error)
}

// Engine runs a validated policy. It is immutable and safe for concurrent use.
type Engine struct {
	policy *Policy
	input  []flow
	output []flow
	logger *zap.Logger
}

// NewEngine validates policy and builds its flows.
func NewEngine(policy *Policy, deps Deps) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{policy: policy, logger: logger}

	b := &builder{policy: policy, deps: deps}
	var err error
	if e.input, err = b.flows(DirectionInput, policy.Rails.Input.Flows); err != nil {
		return nil, err
	}
	if e.output, err = b.flows(DirectionOutput, policy.Rails.Output.Flows); err != nil {
		return nil, err
	}
	return e, nil
}

// Policy returns the policy the engine was built from.
func (e *Engine) Policy() *Policy { return e.policy }

// HasOutputRails reports whether answers must be checked before release.
func (e *Engine) HasOutputRails() bool { return len(e.output) > 0 }

// CheckInput runs the input flows over a user message.
func (e *Engine) CheckInput(ctx context.Context, userMsg string) (Verdict, error) {
	return e.run(ctx, DirectionInput, e.input, message{user: userMsg})
}

// CheckOutput runs the output flows over a generated answer.
func (e *Engine) CheckOutput(ctx context.Context, userMsg, botMsg string) (Verdict, error) {
	return e.run(ctx, DirectionOutput, e.output, message{user: userMsg, bot: botMsg})
}

// run stops at the first flow that blocks or fails.
func (e *Engine) run(ctx context.Context, direction string, flows []flow, m message) (Verdict, error) {
	for _, f := range flows {
		v, err := f.check(ctx, m)
		if err != nil {
			metrics.RailVerdictsTotal.WithLabelValues(direction, f.name(), "error").Inc()
			return Verdict{}, fmt.Errorf("%s rail %q: %w", direction, f.name(), err)
		}
		if !v.Allowed {
			v.Flow = f.name()
			metrics.RailVerdictsTotal.WithLabelValues(direction, f.name(), "blocked").Inc()
			e.logger.Info("message blocked by rail",
				zap.String("direction", direction),
				zap.String("flow", f.name()),
				zap.String("reason", v.Reason),
			)
			return v, nil
		}
		metrics.RailVerdictsTotal.WithLabelValues(direction, f.name(), "allowed").Inc()
	}
	return allow, nil
}

type builder struct {
	policy *Policy
	deps   Deps
}

func (b *builder) flows(direction string, names []string) ([]flow, error) {
	out := make([]flow, 0, len(names))
	for _, name := range names {
		f, err := b.flow(direction, name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (b *builder) flow(direction, name string) (flow, error) {
	switch name {
	case FlowSelfCheckInput, FlowSelfCheckOutput:
		if b.deps.Completer == nil {
			return nil, fmt.Errorf("flow %q needs a model client", name)
		}
		task := TaskSelfCheckInput
		if name == FlowSelfCheckOutput {
			task = TaskSelfCheckOutput
		}
		content, _ := b.policy.PromptFor(task)
		tmpl, err := prompt.Infer(content)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", task, err)
		}
		model, _ := b.policy.MainModel()
		return &selfCheck{
			flowName:    name,
			tmpl:        tmpl,
			model:       model.Model,
			instruction: b.policy.GeneralInstruction(),
			completer:   b.deps.Completer,
		}, nil

	case FlowBlockedTerms:
		exprs := b.policy.BlockedTerms.Input
		if direction == DirectionOutput {
			exprs = b.policy.BlockedTerms.Output
		}
		bt := &blockedTerms{direction: direction}
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("blocked term %q: %w", expr, err)
			}
			bt.patterns = append(bt.patterns, re)
		}
		return bt, nil

	case FlowOpenAIModeration:
		mod := b.deps.Moderator
		if mod == nil {
			var err error
			if mod, err = NewOpenAIModerator(*b.policy.Moderation); err != nil {
				return nil, err
			}
			b.deps.Moderator = mod
		}
		return &moderation{direction: direction, moderator: mod}, nil
	}
	return nil, fmt.Errorf("unknown flow %q", name)
}

// selfCheck asks the main model whether the message should be blocked.
type selfCheck struct {
	flowName    string
	tmpl        *prompt.Template
	model       string
	instruction string
	completer   Completer
}

func (s *selfCheck) name() string { return s.flowName }

func (s *selfCheck) check(ctx context.Context, m message) (Verdict, error) {
	values := map[string]string{}
	for _, v := range s.tmpl.InputVariables() {
		switch v {
		case varUserInput:
			values[v] = m.user
		case varBotResponse:
			values[v] = m.bot
		}
	}

	text, err := s.tmpl.Format(values)
	if err != nil {
		return Verdict{}, err
	}

	var messages []llm.Message
	if s.instruction != "" {
		messages = append(messages, llm.SystemMessage(s.instruction))
	}
	messages = append(messages, llm.UserMessage(text))

	answer, err := s.completer.Complete(ctx, s.model, messages)
	if err != nil {
		return Verdict{}, err
	}

	if isYes(answer) {
		return Verdict{Allowed: false, Reason: "model self-check answered: " + strings.TrimSpace(answer)}, nil
	}
	return allow, nil
}

// isYes reads a Yes/No answer, tolerating punctuation and surrounding prose.
func isYes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	a = strings.TrimLeft(a, "\"'*` ")
	return strings.HasPrefix(a, "yes")
}

// blockedTerms blocks on the first matching pattern.
type blockedTerms struct {
	direction string
	patterns  []*regexp.Regexp
}

func (b *blockedTerms) name() string { return FlowBlockedTerms }

func (b *blockedTerms) check(_ context.Context, m message) (Verdict, error) {
	text := m.user
	if b.direction == DirectionOutput {
		text = m.bot
	}
	for _, re := range b.patterns {
		if re.MatchString(text) {
			return Verdict{Allowed: false, Reason: "matched " + re.String()}, nil
		}
	}
	return allow, nil
}

// moderation defers to an external classifier.
type moderation struct {
	direction string
	moderator Moderator
}

func (m *moderation) name() string { return FlowOpenAIModeration }

func (m *moderation) check(ctx context.Context, msg message) (Verdict, error) {
	text := msg.user
	if m.direction == DirectionOutput {
		text = msg.bot
	}
	flagged, categories, err := m.moderator.Moderate(ctx, text)
	if err != nil {
		return Verdict{}, err
	}
	if flagged {
		return Verdict{Allowed: false, Reason: "flagged: " + strings.Join(categories, ", ")}, nil
	}
	return allow, nil
}
