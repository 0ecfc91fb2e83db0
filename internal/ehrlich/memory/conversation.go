package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/tokenizer"
)

// Budget defaults, in tokens and lines.
const (
	// TokenWindowSize is the active-memory size that triggers consolidation.
	TokenWindowSize = 400
	// ActiveMemoryLowWatermark is the most active memory kept after
	// consolidation.
	ActiveMemoryLowWatermark = 100
	// SummaryWindowSize caps the history lines folded per summarizer call.
	SummaryWindowSize = 15
)

// ErrConsolidationInFlight is returned by CommitToLongTermMemory when another
// consolidation of the same conversation is already running.
var ErrConsolidationInFlight = errors.New("memory conversation: consolidation already in flight")

// Config holds the memory budgets of a Conversation.
type Config struct {
	// TokenWindowSize: active memory above this triggers consolidation.
	TokenWindowSize int
	// LowWatermark bounds the active memory retained by consolidation.
	LowWatermark int
	// SummaryWindowSize caps the lines per summarizer call.
	SummaryWindowSize int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		TokenWindowSize:   TokenWindowSize,
		LowWatermark:      ActiveMemoryLowWatermark,
		SummaryWindowSize: SummaryWindowSize,
	}
}

// MemoryState is the persisted part of a Conversation's memory.
type MemoryState struct {
	Fragments []Fragment
	LongTerm  string
	// Cursor counts history messages already folded into active memory.
	Cursor    int
	UpdatedAt time.Time
}

// StateSaver persists memory state after every successful mutation.
type StateSaver interface {
	SaveMemoryState(ctx context.Context, channelID string, st MemoryState) error
}

// Options are the collaborators shared by the conversations of a Registry.
type Options struct {
	Config     Config
	Measurer   tokenizer.Measurer
	Compressor Compressor
	// Embedder and Fragments back the SimilarityIndex. Without Fragments
	// long-term retrieval always reports no matches.
	Embedder  Embedder
	Fragments FragmentStore
	Index     IndexConfig
	Scheduler Scheduler
	State     StateSaver
	// OnMention is called when releasing the guard after a consolidation
	// merged a buffered message that addressed the agent.
	OnMention func(c *Conversation)
	Logger    *slog.Logger
	Now       func() time.Time
}

// PromptLine is one history entry in prompt-ready form.
type PromptLine struct {
	Sender    string
	Content   string
	FromAgent bool
}

// Conversation is the memory of one channel. All methods are safe for
// concurrent use.
//
// Two locks are involved. mu protects the fields below it for short critical
// sections and is never held across a model or index call. The exclusive
// guard (a one-slot semaphore) is held for a whole response round or
// consolidation; while it is held, AddMessage buffers into pending.
type Conversation struct {
	id         string
	cfg        Config
	measurer   tokenizer.Measurer
	compressor Compressor
	index      *SimilarityIndex
	scheduler  Scheduler
	state      StateSaver
	onMention  func(c *Conversation)
	logger     *slog.Logger
	now        func() time.Time

	guard chan struct{}
	// intakeMu orders Record calls, persistence included.
	intakeMu sync.Mutex
	// summarizeMu serialises RunSummarizer so two runs never fold the same
	// batch.
	summarizeMu sync.Mutex

	mu           sync.Mutex
	held         bool
	history      []Message
	pending      []Message
	fragments    []Fragment
	activeTokens int
	longTerm     string
	cursor       int
	summarizing  bool
	lastActivity time.Time
}

// NewConversation creates an empty conversation for channelID.
func NewConversation(channelID string, opts Options) *Conversation {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.TokenWindowSize <= 0 {
		cfg.TokenWindowSize = def.TokenWindowSize
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = def.LowWatermark
	}
	if cfg.SummaryWindowSize <= 0 {
		cfg.SummaryWindowSize = def.SummaryWindowSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		id:         channelID,
		cfg:        cfg,
		measurer:   opts.Measurer,
		compressor: opts.Compressor,
		scheduler:  opts.Scheduler,
		state:      opts.State,
		onMention:  opts.OnMention,
		logger:     logger.With("channel_id", channelID),
		now:        opts.Now,
		guard:      make(chan struct{}, 1),
	}
	if c.measurer == nil {
		c.measurer = tokenizer.Heuristic{}
	}
	if c.compressor == nil {
		c.compressor = ExtractiveCompressor{}
	}
	if c.scheduler == nil {
		c.scheduler = GoScheduler{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.Fragments != nil {
		c.index = NewSimilarityIndex(channelID, opts.Embedder, opts.Fragments, opts.Index, logger)
	}
	return c
}

// restore loads persisted history and memory state into a fresh
// conversation. Fragment token counts are re-measured because the measurer
// may have changed since they were saved.
func (c *Conversation) restore(history []Message, st MemoryState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append([]Message(nil), history...)
	c.fragments = make([]Fragment, 0, len(st.Fragments))
	for _, f := range st.Fragments {
		if f.Text == "" {
			continue
		}
		c.fragments = append(c.fragments, Fragment{Text: f.Text, Tokens: c.measurer.Count(f.Text)})
	}
	c.longTerm = st.LongTerm
	c.cursor = min(max(st.Cursor, 0), len(c.history))
	if n := len(c.history); n > 0 {
		c.lastActivity = c.history[n-1].SentAt
	}
	c.recountLocked()
}

// ID returns the channel ID.
func (c *Conversation) ID() string { return c.id }

// --- Exclusive guard --------------------------------------------------------

// TryAcquire takes the exclusive guard if it is free, in a single atomic
// attempt, and reports whether it did.
func (c *Conversation) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryAcquireLocked()
}

func (c *Conversation) tryAcquireLocked() bool {
	select {
	case c.guard <- struct{}{}:
		c.held = true
		return true
	default:
		return false
	}
}

// Acquire blocks until the exclusive guard is taken or ctx ends.
func (c *Conversation) Acquire(ctx context.Context) error {
	select {
	case c.guard <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("memory conversation: acquire guard: %w", ctx.Err())
	}
	c.markHeld()
	return nil
}

func (c *Conversation) markHeld() {
	c.mu.Lock()
	c.held = true
	c.mu.Unlock()
}

// Release frees the exclusive guard. Buffered messages are merged and the
// slot is emptied in one critical section, so a message added concurrently
// is either merged here or finds the guard free; the result reports whether
// any merged message mentioned the agent. Releasing a guard that is not
// held panics.
func (c *Conversation) Release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held {
		panic("memory: release of unheld conversation guard")
	}
	mentioned := c.drainLocked()
	c.held = false
	<-c.guard // full while held, never blocks
	return mentioned
}

// guardTakenLocked also covers an Acquire that has filled the slot but not
// yet marked the guard held; that holder drains pending like any other.
func (c *Conversation) guardTakenLocked() bool {
	return c.held || len(c.guard) > 0
}

// --- Intake -----------------------------------------------------------------

// AddMessage records msg. While the exclusive guard is held the message is
// buffered so that the round or consolidation holding it sees a stable
// history.
func (c *Conversation) AddMessage(msg Message) {
	c.Record(msg, nil, false)
}

// Record stamps msg, passes it to persist and adds it, all under the intake
// lock, so a persisted log and history see messages in the same order.
// persist may be nil; its error is returned but the message is added
// regardless.
//
// With acquire set the guard is tried in the same critical section as the
// append, and the result reports whether the caller now holds it. A caller
// that loses finds its message buffered for the holder, so a mention is
// always either owned by the caller or reported by DrainPending or Release.
func (c *Conversation) Record(msg Message, persist func(Message) error, acquire bool) (acquired bool, err error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = c.now()
	}

	c.intakeMu.Lock()
	defer c.intakeMu.Unlock()
	if persist != nil {
		err = persist(msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = msg.SentAt
	if acquire && c.tryAcquireLocked() {
		c.history = append(c.history, msg)
		return true, err
	}
	if c.guardTakenLocked() {
		c.pending = append(c.pending, msg)
		return false, err
	}
	c.history = append(c.history, msg)
	return false, err
}

// DrainPending merges buffered messages into history in arrival order and
// reports whether any of them mentioned the agent, meaning another response
// round is owed.
func (c *Conversation) DrainPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainLocked()
}

func (c *Conversation) drainLocked() bool {
	mentioned := false
	for _, m := range c.pending {
		if m.Mentioned {
			mentioned = true
		}
	}
	c.history = append(c.history, c.pending...)
	c.pending = nil
	return mentioned
}

// --- Read access ------------------------------------------------------------

// History returns a copy of the merged history.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

// PendingCount returns the number of buffered messages.
func (c *Conversation) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Unsummarized returns how many history messages are not yet folded into
// active memory.
func (c *Conversation) Unsummarized() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history) - c.cursor
}

// LastActivity returns when the latest message was recorded.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConversationPrompts returns the most recent history lines whose combined
// size fits in budget tokens, oldest first. budget <= 0 returns the whole
// history. The newest message is always included.
func (c *Conversation) ConversationPrompts(budget int) []PromptLine {
	c.mu.Lock()
	history := append([]Message(nil), c.history...)
	c.mu.Unlock()

	start := 0
	if budget > 0 {
		used := 0
		start = len(history)
		for start > 0 {
			cost := c.measurer.Count(history[start-1].Line())
			if used+cost > budget && start < len(history) {
				break
			}
			used += cost
			start--
		}
	}

	lines := make([]PromptLine, 0, len(history)-start)
	for _, m := range history[start:] {
		lines = append(lines, PromptLine{Sender: m.Sender, Content: m.Content, FromAgent: m.FromAgent()})
	}
	return lines
}

// ActiveMemory renders active memory as one comma-separated string.
func (c *Conversation) ActiveMemory() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return renderFragments(c.fragments)
}

// ActiveMemoryTokens returns the measured size of ActiveMemory.
func (c *Conversation) ActiveMemoryTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTokens
}

// Fragments returns a copy of the active-memory fragments, oldest first.
func (c *Conversation) Fragments() []Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Fragment(nil), c.fragments...)
}

// LongTermMemory returns the consolidated narrative.
func (c *Conversation) LongTermMemory() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.longTerm
}

// Summarizing reports whether a consolidation is in flight.
func (c *Conversation) Summarizing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summarizing
}

// RequestsHighCapability reports whether any message in history asked for
// the high-capability tier.
func (c *Conversation) RequestsHighCapability() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.history {
		if m.Tier == TierHigh {
			return true
		}
	}
	return false
}

// State returns a snapshot of the persisted memory state.
func (c *Conversation) State() MemoryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Conversation) stateLocked() MemoryState {
	return MemoryState{
		Fragments: append([]Fragment(nil), c.fragments...),
		LongTerm:  c.longTerm,
		Cursor:    c.cursor,
		UpdatedAt: c.now(),
	}
}

// recountLocked re-measures the rendered active memory. Must be called with
// mu held after every change to fragments.
func (c *Conversation) recountLocked() {
	c.activeTokens = c.measurer.Count(renderFragments(c.fragments))
}

// save persists st. Failures are logged; memory stays authoritative in
// process and is saved again on the next mutation.
func (c *Conversation) save(ctx context.Context, st MemoryState) {
	if c.state == nil {
		return
	}
	if err := c.state.SaveMemoryState(ctx, c.id, st); err != nil {
		c.logger.Warn("memory conversation: save state failed", "err", err)
	}
}
