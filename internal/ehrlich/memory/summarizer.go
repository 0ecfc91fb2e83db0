package memory

import (
	"context"
	"fmt"
	"strings"
)

// Long-term memory block markers used in prompts.
const (
	longTermHeader = "LONG TERM MEMORIES [time_in_past: memory]:"
	longTermFooter = "END LONG TERM MEMORIES"
	// NoLongTermMemories marks an empty retrieval.
	NoLongTermMemories = "No long term memories found"
)

// RunSummarizer folds the next batch of unsummarized history (at most
// SummaryWindowSize lines) into active memory as one new fragment. It reads
// a snapshot, so intake continues while the compressor runs.
//
// When active memory then exceeds the token window and no consolidation is
// running, one is submitted to the Scheduler and its Task returned; otherwise
// the Task is nil. A compressor failure changes nothing.
func (c *Conversation) RunSummarizer(ctx context.Context) (*Task, error) {
	c.summarizeMu.Lock()
	defer c.summarizeMu.Unlock()

	c.mu.Lock()
	start := c.cursor
	end := min(len(c.history), start+c.cfg.SummaryWindowSize)
	batch := append([]Message(nil), c.history[start:end]...)
	prior := renderFragments(c.fragments)
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	condensed, err := c.compressor.Condense(ctx, SummarizeInstruction, prior, formatLines(batch))
	if err != nil {
		return nil, fmt.Errorf("memory conversation: summarize %s: %w", c.id, err)
	}
	condensed = strings.TrimSpace(condensed)

	c.mu.Lock()
	if condensed != "" {
		c.fragments = append(c.fragments, Fragment{Text: condensed, Tokens: c.measurer.Count(condensed)})
	}
	c.cursor = end
	c.recountLocked()
	tokens := c.activeTokens
	consolidate := tokens > c.cfg.TokenWindowSize && !c.summarizing
	if consolidate {
		c.summarizing = true
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Debug("memory conversation: summarized",
		"lines", len(batch),
		"fragment_len", len(condensed),
		"active_tokens", tokens,
	)
	c.save(ctx, st)

	if !consolidate {
		return nil, nil
	}

	c.logger.Info("memory conversation: active memory over window, consolidating",
		"active_tokens", tokens,
		"window", c.cfg.TokenWindowSize,
	)
	task := c.scheduler.Submit("consolidate "+c.id, c.consolidate)
	if task.rejected {
		c.clearSummarizing()
		return task, fmt.Errorf("memory conversation: schedule consolidation: %w", task.Err())
	}
	return task, nil
}

// CommitToLongTermMemory consolidates active memory into long-term memory
// right away. It returns ErrConsolidationInFlight if one is already running.
func (c *Conversation) CommitToLongTermMemory(ctx context.Context) error {
	c.mu.Lock()
	if c.summarizing {
		c.mu.Unlock()
		return ErrConsolidationInFlight
	}
	c.summarizing = true
	c.mu.Unlock()

	return c.consolidate(ctx)
}

// consolidate runs under the exclusive guard with summarizing already set.
// The guard is released and the flag cleared on every return path.
func (c *Conversation) consolidate(ctx context.Context) error {
	defer c.clearSummarizing()

	if err := c.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if c.Release() && c.onMention != nil {
			c.onMention(c)
		}
	}()

	c.mu.Lock()
	n := len(c.fragments)
	active := renderFragments(c.fragments)
	prior := c.longTerm
	c.mu.Unlock()

	if n == 0 {
		return nil
	}

	revised, err := c.compressor.Condense(ctx, ConsolidateInstruction, prior, active)
	if err != nil {
		return fmt.Errorf("memory conversation: consolidate %s: %w", c.id, err)
	}
	revised = strings.TrimSpace(revised)

	keep := isNoLongTermMemory(revised)
	if !keep && c.index != nil {
		if err := c.index.AddFragment(ctx, revised, c.now()); err != nil {
			return fmt.Errorf("memory conversation: consolidate %s: %w", c.id, err)
		}
	}

	c.mu.Lock()
	if !keep {
		c.longTerm = revised
	}
	// Fragments appended by a summarizer run during the compressor call were
	// not part of this consolidation and are kept after the trimmed ones.
	kept := trimToWatermark(c.fragments[:n], c.cfg.LowWatermark)
	c.fragments = append(kept, c.fragments[n:]...)
	c.recountLocked()
	tokens := c.activeTokens
	st := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("memory conversation: consolidated long-term memory",
		"fragments_in", n,
		"fragments_kept", len(kept),
		"active_tokens", tokens,
		"long_term_len", len(st.LongTerm),
		"narrative_unchanged", keep,
	)
	c.save(ctx, st)
	return nil
}

func (c *Conversation) clearSummarizing() {
	c.mu.Lock()
	c.summarizing = false
	c.mu.Unlock()
}

// GetLongTermMemories searches the index with the message content and
// renders the hits as "<time in past>: <text>" lines inside the long-term
// block. Search failures are logged and rendered as no matches.
func (c *Conversation) GetLongTermMemories(ctx context.Context, msg Message) string {
	var matches []Match
	if c.index != nil {
		var err error
		matches, err = c.index.Search(ctx, msg.Content)
		if err != nil {
			c.logger.Warn("memory conversation: long-term search failed", "err", err)
			matches = nil
		}
	}

	var b strings.Builder
	b.WriteString(longTermHeader)
	b.WriteByte('\n')
	if len(matches) == 0 {
		b.WriteString(NoLongTermMemories)
		b.WriteByte('\n')
	}
	now := c.now()
	for _, m := range matches {
		b.WriteString(m.Ago(now))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	b.WriteString(longTermFooter)
	return b.String()
}
