// Package llm defines the text-in/text-out model interface used for reply
// generation and memory compression, with OpenAI and Anthropic backends.
package llm

import (
	"context"
	"strings"
)

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model    string
	Messages []Message
	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
	// Temperature is passed through when non-nil.
	Temperature *float64
}

// CompletionResponse is the model output.
type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption for budgeting.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is implemented by every LLM backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Float returns a pointer to v, for CompletionRequest.Temperature.
func Float(v float64) *float64 { return &v }

// systemAndTurns splits leading system messages from the conversational
// turns. Multiple system messages are joined with a blank line.
func systemAndTurns(msgs []Message) (string, []Message) {
	var system []string
	var turns []Message
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}
