package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/llm"
)

// Compressor condenses text with a model. It is the boundary to the LLM
// service; transient failures surface to the caller and retry policy lives
// in the Provider behind it.
type Compressor interface {
	// Condense applies instruction to content, with prior as context the
	// result should build on. The returned text is untrimmed.
	Condense(ctx context.Context, instruction, prior, content string) (string, error)
}

// NoLongTermMemory is the answer the consolidation instruction asks for when
// nothing is worth keeping.
const NoLongTermMemory = "no long term memory"

// SummarizeInstruction condenses chat lines into one active-memory fragment.
const SummarizeInstruction = `Summarize the following lines of a group chat into a short list of "sender: item" notes, focusing on actions, requests, and information worth remembering. Newlines inside a message were replaced with "\n". Skip lines that carry nothing memorable, such as bare reactions or exclamations. Reply with the notes only, separated by commas.

Example lines:
alex: Haha!\nWow!
sam: can someone share the deploy checklist?
alex: sure, it's pinned in #ops
Example notes:
sam: asked for the deploy checklist, alex: pointed to the pinned copy in #ops`

// ConsolidateInstruction folds short-term notes into the long-term narrative.
const ConsolidateInstruction = `Merge the new short-term memories into the existing long-term memory, producing a single coherent narrative. Keep what is essential and meaningful, drop trivia, and preserve who said or did what. If nothing significant needs remembering, reply exactly "` + NoLongTermMemory + `".`

// LLMCompressor implements Compressor on top of an llm.Provider.
type LLMCompressor struct {
	provider    llm.Provider
	model       string
	maxTokens   int
	temperature *float64
	logger      *slog.Logger
}

// LLMCompressorConfig configures an LLMCompressor.
type LLMCompressorConfig struct {
	// Model overrides the provider default.
	Model string
	// MaxTokens caps each condensed answer. Default: 1000.
	MaxTokens int
	// Temperature for condensation. Default: 0.7.
	Temperature float64
}

// NewLLMCompressor creates a compressor that sends instruction as the system
// prompt and prior plus content as the user turn. If logger is nil, the
// default slog logger is used.
func NewLLMCompressor(provider llm.Provider, cfg LLMCompressorConfig, logger *slog.Logger) *LLMCompressor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCompressor{
		provider:    provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: llm.Float(cfg.Temperature),
		logger:      logger,
	}
}

// Condense implements Compressor.
func (c *LLMCompressor) Condense(ctx context.Context, instruction, prior, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}

	var user strings.Builder
	if strings.TrimSpace(prior) != "" {
		user.WriteString("Existing memory:\n")
		user.WriteString(prior)
		user.WriteString("\n\n")
	}
	user.WriteString("New content:\n")
	user.WriteString(content)

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: instruction},
			{Role: llm.RoleUser, Content: user.String()},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("memory compressor: %w", err)
	}

	c.logger.Debug("memory compressor: condensed",
		"input_len", len(content),
		"output_len", len(resp.Content),
		"tokens", resp.Usage.TotalTokens,
	)
	return resp.Content, nil
}

// ExtractiveCompressor is the model-free fallback used when no LLM is
// configured. It keeps the last MaxLines non-empty lines of content joined
// with commas, so memory still accumulates something useful.
type ExtractiveCompressor struct {
	MaxLines int
}

// Condense implements Compressor without any external call.
func (e ExtractiveCompressor) Condense(_ context.Context, _, _, content string) (string, error) {
	maxLines := e.MaxLines
	if maxLines <= 0 {
		maxLines = 3
	}
	var lines []string
	for _, l := range strings.Split(content, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, ", "), nil
}

var (
	_ Compressor = (*LLMCompressor)(nil)
	_ Compressor = ExtractiveCompressor{}
)

// isNoLongTermMemory reports whether a consolidation answer means "nothing
// to keep".
func isNoLongTermMemory(s string) bool {
	s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), `."'`)
	return s == "" || s == NoLongTermMemory
}
