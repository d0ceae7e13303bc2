// Package chat turns a user message, its history and a system prompt into a
// screened, streamed model answer.
package chat

import "github.com/papercomputeco/railchat/pkg/llm"

// Fixed replies shown in place of a model answer.
const (
	RejectionMessage = "This question is not allowed."
	ApologyMessage   = "Sorry, I could not generate a response right now. Please try again."
)

// DefaultSystemPrompt is preset in every client's system prompt box.
const DefaultSystemPrompt = "Behave as if you are professional writer."

// Turn is one completed exchange.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Request is a single user turn together with what came before it.
type Request struct {
	Message      string `json:"message"`
	History      []Turn `json:"history,omitempty"`
	SystemPrompt string `json:"system_prompt"`
}

// FormatHistory projects a turn history into the message list sent to the
// model: the system prompt, each past exchange as a user/assistant pair, and
// finally the new user message.
func FormatHistory(msg string, history []Turn, systemPrompt string) []llm.Message {
	messages := make([]llm.Message, 0, 2+2*len(history))
	messages = append(messages, llm.SystemMessage(systemPrompt))
	for _, t := range history {
		messages = append(messages, llm.UserMessage(t.User), llm.AssistantMessage(t.Assistant))
	}
	return append(messages, llm.UserMessage(msg))
}
