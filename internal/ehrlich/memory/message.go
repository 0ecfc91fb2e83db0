// Package memory implements per-channel conversational memory for the agent.
//
// Each channel owns a Conversation holding its raw history and two tiers of
// condensed memory: active memory, an ordered list of recent summary
// fragments bounded by a token window; and long-term memory, a single
// narrative re-consolidated from active memory whenever the window
// overflows and indexed for similarity search.
//
// Summarisation runs beside live message intake. An exclusive per-channel
// guard serialises response rounds and long-term consolidation; messages
// arriving while it is held are buffered and merged when it is released.
package memory

import (
	"strings"
	"time"
)

// AgentSender is the sender recorded for the agent's own replies.
const AgentSender = "ai"

// Tier is the model capability a message asks for.
type Tier int

const (
	// TierStandard is the default, cheaper model tier.
	TierStandard Tier = iota
	// TierHigh requests the more capable model.
	TierHigh
)

// String returns "standard" or "high".
func (t Tier) String() string {
	if t == TierHigh {
		return "high"
	}
	return "standard"
}

// ParseTier is the inverse of Tier.String. Unknown names map to
// TierStandard.
func ParseTier(s string) Tier {
	if s == "high" {
		return TierHigh
	}
	return TierStandard
}

// Message is a single chat message in a channel. Values are immutable once
// recorded.
type Message struct {
	ID        string    // platform or store ID, may be empty
	Sender    string    // sender identifier, AgentSender for the agent
	Content   string    // raw text
	Mentioned bool      // true when the agent was explicitly addressed
	Tier      Tier      // requested capability tier
	SentAt    time.Time // when the message was received
}

// FromAgent reports whether the message was written by the agent.
func (m Message) FromAgent() bool { return m.Sender == AgentSender }

// Line renders the message as a single "sender: content" line. Newlines in
// the content are escaped so one message always occupies one line.
func (m Message) Line() string {
	return m.Sender + ": " + strings.ReplaceAll(m.Content, "\n", `\n`)
}

// formatLines renders messages one per line, oldest first.
func formatLines(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Line())
	}
	return b.String()
}
