// Package bot is the platform-facing loop: it records every inbound message
// in its channel's memory, runs at most one response round per channel at a
// time, and hands finished rounds to the memory pipeline.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmattis/ehrlichgpt/common/trace"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/llm"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/observability"
)

// Inbound is a message received from the chat platform.
type Inbound struct {
	ChannelID string
	MessageID string
	Sender    string
	Content   string
	Mentioned bool
	SentAt    time.Time
}

// Platform is the chat transport.
type Platform interface {
	SendReply(ctx context.Context, channelID, text string) error
	// StartTyping shows a liveness indicator until the returned function is
	// called. The stop function must be idempotent and must not fail.
	StartTyping(ctx context.Context, channelID string) (stop func())
	MemberCount(ctx context.Context, channelID string) (int, error)
}

// MessageLog persists raw messages.
type MessageLog interface {
	AppendMessage(ctx context.Context, channelID string, m memory.Message) error
}

// Config tunes response rounds.
type Config struct {
	// Name is the bot's username, used in the prompt and reply cleanup.
	Name string
	// Model and HighModel select the standard and high-capability models.
	// Empty means the provider default.
	Model     string
	HighModel string
	// MaxTokens caps each reply. Default: 500.
	MaxTokens int
	// Temperature for replies. Default: 0.9.
	Temperature float64
	// HistoryTokens bounds the history tail sent with each prompt.
	// Default: 1500.
	HistoryTokens int
	// DailyTokenBudget per channel. Default: DefaultDailyTokenBudget.
	DailyTokenBudget int
	// RoundsPerMinute per channel. Default: DefaultRoundsPerMinute.
	RoundsPerMinute int
}

// Deps are the Orchestrator's collaborators. Log and Scheduler are optional.
type Deps struct {
	Registry  *memory.Registry
	Provider  llm.Provider
	Platform  Platform
	Log       MessageLog
	Scheduler memory.Scheduler
	Logger    *slog.Logger
}

// Orchestrator routes inbound messages to conversations and runs response
// rounds.
type Orchestrator struct {
	cfg       Config
	registry  *memory.Registry
	provider  llm.Provider
	platform  Platform
	log       MessageLog
	scheduler memory.Scheduler
	budget    *TokenBudget
	limiter   *RateLimiter
	logger    *slog.Logger
	now       func() time.Time

	// ctx bounds rounds started outside HandleMessage; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator and installs it as the registry's mention
// handler, so it must be called before the registry is initialised.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.9
	}
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = 1500
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = memory.GoScheduler{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		registry:  deps.Registry,
		provider:  deps.Provider,
		platform:  deps.Platform,
		log:       deps.Log,
		scheduler: scheduler,
		budget:    NewTokenBudget(cfg.DailyTokenBudget),
		limiter:   NewRateLimiter(cfg.RoundsPerMinute, time.Minute),
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	o.registry.SetMentionHandler(o.onMention)
	return o
}

// HandleMessage records in and, unless a round is already running in its
// channel, runs response rounds until no buffered message addresses the
// agent. It returns once this call has nothing left to do.
func (o *Orchestrator) HandleMessage(ctx context.Context, in Inbound) {
	conv, ok := o.intake(ctx, in)
	if !ok {
		return
	}
	o.respond(ctx, conv)
}

// Dispatch records in synchronously, preserving arrival order, and runs any
// response rounds it wins in the background. Platform event loops use it so
// one slow round never blocks intake for other channels.
func (o *Orchestrator) Dispatch(ctx context.Context, in Inbound) {
	conv, ok := o.intake(ctx, in)
	if !ok {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.respond(ctx, conv)
	}()
}

// intake records in and reports whether the caller took the conversation's
// guard and so owes it a response.
func (o *Orchestrator) intake(ctx context.Context, in Inbound) (*memory.Conversation, bool) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, false
	}
	conv := o.registry.GetOrCreate(in.ChannelID)
	acquired := o.record(ctx, conv, memory.Message{
		ID:        in.MessageID,
		Sender:    in.Sender,
		Content:   in.Content,
		Mentioned: in.Mentioned,
		Tier:      DetectTier(in.Content),
		SentAt:    in.SentAt,
	}, true)
	if !acquired {
		o.logger.Debug("bot: round in flight, message buffered", "channel_id", conv.ID())
		return nil, false
	}
	return conv, true
}

// onMention runs a round for a mention that was buffered during a
// consolidation.
func (o *Orchestrator) onMention(conv *memory.Conversation) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := conv.Acquire(o.ctx); err != nil {
			return
		}
		o.respond(o.ctx, conv)
	}()
}

// respond runs rounds while holding the guard and releases it. A mention
// merged by the release itself is owed a round, so the guard is taken again
// for it. Once the guard is free the new history is handed to the
// summarizer.
func (o *Orchestrator) respond(ctx context.Context, conv *memory.Conversation) {
	replied := false
	defer func() {
		if replied {
			o.summarize(conv)
		}
	}()
	for {
		for {
			ok, err := o.round(ctx, conv)
			if err != nil {
				o.logger.Warn("bot: response round failed", "channel_id", conv.ID(), "err", err)
			}
			replied = replied || ok
			if !conv.DrainPending() {
				break
			}
		}
		if !conv.Release() {
			return
		}
		if err := conv.Acquire(ctx); err != nil {
			return
		}
	}
}

// round builds a prompt, asks the model and delivers the reply, reporting
// whether a reply was sent. The caller holds the conversation's guard.
func (o *Orchestrator) round(ctx context.Context, conv *memory.Conversation) (bool, error) {
	ctx, _ = trace.Start(ctx)
	channel := conv.ID()
	logger := observability.WithTrace(ctx, o.logger).With("channel_id", channel)

	if !o.limiter.Allow(channel) {
		logger.Warn("bot: round rate limit reached, skipping")
		return false, nil
	}
	if !o.budget.Allow(channel) {
		logger.Warn("bot: daily token budget exhausted, skipping", "budget", o.budget.Budget())
		return false, nil
	}

	// Stopping waits for the indicator to clear, so it runs after delivery.
	stopTyping := o.platform.StartTyping(ctx, channel)
	defer stopTyping()

	req, high := o.buildRequest(ctx, conv, logger)
	start := time.Now()
	resp, err := o.provider.Complete(ctx, req)
	if err != nil {
		return false, fmt.Errorf("bot: complete: %w", err)
	}
	o.budget.RecordUsage(channel, resp.Usage.TotalTokens)

	reply := CleanReply(o.cfg.Name, resp.Content)
	if reply == "" || reply == PassReply {
		logger.Info("bot: model declined to respond", "tokens", resp.Usage.TotalTokens)
		return false, nil
	}
	if err := o.platform.SendReply(ctx, channel, reply); err != nil {
		return false, fmt.Errorf("bot: send reply: %w", err)
	}
	logger.Info("bot: replied",
		"model", resp.Model,
		"high_capability", high,
		"tokens", resp.Usage.TotalTokens,
		"reply_len", len(reply),
		"duration", time.Since(start),
	)

	o.record(ctx, conv, memory.Message{
		ID:      uuid.NewString(),
		Sender:  memory.AgentSender,
		Content: reply,
		SentAt:  o.now(),
	}, false)
	return true, nil
}

func (o *Orchestrator) buildRequest(ctx context.Context, conv *memory.Conversation, logger *slog.Logger) (llm.CompletionRequest, bool) {
	lines := conv.ConversationPrompts(o.cfg.HistoryTokens)
	high := conv.RequestsHighCapability()

	members, err := o.platform.MemberCount(ctx, conv.ID())
	if err != nil {
		logger.Debug("bot: member count unavailable", "err", err)
		members = 0
	}
	system := systemPrompt(promptData{
		Name:         o.cfg.Name,
		Context:      channelContext(members),
		ActiveMemory: conv.ActiveMemory(),
		LongTerm:     conv.GetLongTermMemories(ctx, memory.Message{Content: lastHumanContent(lines)}),
		High:         high,
	})

	model := o.cfg.Model
	if high && o.cfg.HighModel != "" {
		model = o.cfg.HighModel
	}
	messages := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, historyMessages(lines)...)
	return llm.CompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: llm.Float(o.cfg.Temperature),
	}, high
}

// record persists m and adds it to the conversation in one step, trying the
// guard when acquire is set. A persistence failure is logged; memory stays
// authoritative.
func (o *Orchestrator) record(ctx context.Context, conv *memory.Conversation, m memory.Message, acquire bool) bool {
	var persist func(memory.Message) error
	if o.log != nil {
		persist = func(m memory.Message) error { return o.log.AppendMessage(ctx, conv.ID(), m) }
	}
	acquired, err := conv.Record(m, persist, acquire)
	if err != nil {
		o.logger.Warn("bot: persist message failed", "channel_id", conv.ID(), "err", err)
	}
	return acquired
}

// summarize folds new history into active memory in the background.
func (o *Orchestrator) summarize(conv *memory.Conversation) {
	task := o.scheduler.Submit("summarize "+conv.ID(), func(ctx context.Context) error {
		_, err := conv.RunSummarizer(ctx)
		return err
	})
	if task.Rejected() {
		<-task.Done()
		o.logger.Warn("bot: summarizer not scheduled", "channel_id", conv.ID(), "err", task.Err())
	}
}

// Close cancels rounds started for buffered mentions and waits for every
// background round to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
