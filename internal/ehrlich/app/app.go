// Package app wires the store, memory pipeline, model backend and Matrix
// client into the running bot.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/bot"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/config"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/matrix"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/store"
)

// App is the running bot.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *memory.Registry
	workers  *memory.Workers
	runner   *memory.SummaryRunner
	orch     *bot.Orchestrator
	matrix   *matrix.Client
	health   *HealthServer
	closers  []func()
}

// New builds every component and restores persisted conversations. Nothing
// talks to Matrix until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.RequireMatrix(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logger.Info("opening database", "path", cfg.Store.Path)
	a.store, err = store.New(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	provider, err := newProvider(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	measurer, closeMeasurer, err := newMeasurer(cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("app: token counter: %w", err)
	}
	a.closers = append(a.closers, closeMeasurer)
	embedder, closeEmbedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("app: embedder: %w", err)
	}
	a.closers = append(a.closers, closeEmbedder)
	fragments, err := newFragmentStore(cfg.Index, a.store.DB(), cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("app: fragment store: %w", err)
	}

	a.workers = memory.NewWorkers(memory.WorkersConfig{
		Size:       cfg.Memory.Workers,
		QueueSize:  cfg.Memory.QueueSize,
		JobTimeout: cfg.Memory.JobTimeout,
	}, logger)
	a.registry = memory.NewRegistry(memory.Options{
		Config: memory.Config{
			TokenWindowSize:   cfg.Memory.TokenWindowSize,
			LowWatermark:      cfg.Memory.LowWatermark,
			SummaryWindowSize: cfg.Memory.SummaryWindowSize,
		},
		Measurer:   measurer,
		Compressor: newCompressor(provider, cfg.LLM, logger),
		Embedder:   embedder,
		Fragments:  fragments,
		Index: memory.IndexConfig{
			MinSimilarity: cfg.Index.MinSimilarity,
			Limit:         cfg.Index.Limit,
		},
		Scheduler: a.workers,
		State:     a.store,
		Logger:    logger,
	}, a.store)

	a.matrix, err = matrix.New(matrix.Config{
		Homeserver:    cfg.Matrix.Homeserver,
		UserID:        cfg.Matrix.UserID,
		AccessToken:   cfg.Matrix.AccessToken,
		Name:          cfg.Bot.Name,
		Rooms:         cfg.Matrix.Rooms,
		AutoJoin:      cfg.Matrix.AutoJoin,
		DB:            a.store.DB(),
		TypingDelay:   cfg.Matrix.TypingDelay,
		TypingTimeout: cfg.Matrix.TypingTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	if provider != nil {
		// The mention handler must be installed before Init creates the
		// restored conversations.
		a.orch = bot.New(bot.Config{
			Name:             cfg.Bot.Name,
			Model:            cfg.LLM.Model,
			HighModel:        cfg.LLM.HighModel,
			MaxTokens:        cfg.Bot.MaxTokens,
			Temperature:      cfg.Bot.Temperature,
			HistoryTokens:    cfg.Bot.HistoryTokens,
			DailyTokenBudget: cfg.Bot.DailyTokenBudget,
			RoundsPerMinute:  cfg.Bot.RoundsPerMinute,
		}, bot.Deps{
			Registry:  a.registry,
			Provider:  provider,
			Platform:  a.matrix,
			Log:       a.store,
			Scheduler: a.workers,
			Logger:    logger,
		})
	} else {
		logger.Warn("no llm provider configured, the bot will only listen")
	}

	if err := a.registry.Init(ctx); err != nil {
		// Broken channels are skipped; the rest were restored.
		logger.Warn("some conversations could not be restored", "err", err)
	}
	logger.Info("conversations restored", "channels", len(a.registry.Channels()))

	a.runner = memory.NewSummaryRunner(a.registry, cfg.Memory.SweepInterval, cfg.Memory.IdleAfter, logger)
	if cfg.Health.Addr != "" {
		a.health = NewHealthServer(cfg.Health.Addr, registryStatus{a.registry}, logger)
	}
	return a, nil
}

// Run connects to Matrix and serves until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}
	go a.runner.Run(ctx)

	a.logger.Info("starting Matrix sync", "homeserver", a.cfg.Matrix.Homeserver, "user_id", a.matrix.UserID())
	if err := a.matrix.Start(ctx, a.handleInbound); err != nil {
		return fmt.Errorf("app: start matrix: %w", err)
	}
	a.logger.Info("bot is running", "name", a.matrix.Name())

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// Stop halts intake, lets rounds and background memory work finish, saves
// every conversation and closes the database.
func (a *App) Stop() {
	a.matrix.Stop()
	a.runner.Stop()
	if a.health != nil {
		a.health.Stop()
	}
	if a.orch != nil {
		a.orch.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Memory.ShutdownTimeout)
	defer cancel()
	if err := a.registry.Shutdown(ctx); err != nil {
		a.logger.Warn("memory shutdown incomplete", "err", err)
	}
	a.close()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
}

// handleInbound feeds Matrix messages to the orchestrator. Without a model
// messages are still recorded so memory keeps up.
func (a *App) handleInbound(ctx context.Context, in matrix.Inbound) {
	msg := bot.Inbound{
		ChannelID: in.RoomID,
		MessageID: in.EventID,
		Sender:    in.Sender,
		Content:   in.Body,
		Mentioned: in.Mentioned,
		SentAt:    in.SentAt,
	}
	if a.orch != nil {
		a.orch.Dispatch(ctx, msg)
		return
	}
	conv := a.registry.GetOrCreate(msg.ChannelID)
	m := memory.Message{
		ID:        msg.MessageID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Mentioned: msg.Mentioned,
		Tier:      bot.DetectTier(msg.Content),
		SentAt:    msg.SentAt,
	}
	persist := func(m memory.Message) error { return a.store.AppendMessage(ctx, msg.ChannelID, m) }
	if _, err := conv.Record(m, persist, false); err != nil {
		a.logger.Warn("persist message failed", "channel_id", msg.ChannelID, "err", err)
	}
}

// registryStatus adapts the registry for the health server.
type registryStatus struct{ r *memory.Registry }

func (s registryStatus) ChannelCount() int { return len(s.r.Channels()) }

func (s registryStatus) ConsolidatingCount() int {
	n := 0
	for _, c := range s.r.Conversations() {
		if c.Summarizing() {
			n++
		}
	}
	return n
}
