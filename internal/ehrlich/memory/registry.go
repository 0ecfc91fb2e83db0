package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Loader reads persisted conversations at startup.
type Loader interface {
	ListChannels(ctx context.Context) ([]string, error)
	LoadHistory(ctx context.Context, channelID string) ([]Message, error)
	// LoadMemoryState returns found=false for channels with no saved state.
	LoadMemoryState(ctx context.Context, channelID string) (st MemoryState, found bool, err error)
}

// Registry owns every Conversation of the process, keyed by channel ID.
// Conversations are never evicted.
type Registry struct {
	opts   Options
	loader Loader
	logger *slog.Logger

	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewRegistry creates an empty registry. loader may be nil, in which case
// Init is a no-op. If opts.Logger is nil, the default slog logger is used.
func NewRegistry(opts Options, loader Loader) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		loader: loader,
		logger: opts.Logger,
		convs:  make(map[string]*Conversation),
	}
}

// SetMentionHandler installs the callback conversations use when a
// consolidation releases the guard over a buffered mention. It must be
// called before Init and GetOrCreate.
func (r *Registry) SetMentionHandler(fn func(c *Conversation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.OnMention = fn
}

// Init restores every persisted channel. Channels that fail to load are
// skipped and their errors joined into the result; the rest are registered.
func (r *Registry) Init(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	channels, err := r.loader.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("memory registry: list channels: %w", err)
	}

	var errs []error
	restored := 0
	for _, id := range channels {
		history, err := r.loader.LoadHistory(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("memory registry: load history %s: %w", id, err))
			continue
		}
		st, _, err := r.loader.LoadMemoryState(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("memory registry: load state %s: %w", id, err))
			continue
		}

		r.mu.Lock()
		conv := NewConversation(id, r.opts)
		conv.restore(history, st)
		r.convs[id] = conv
		r.mu.Unlock()
		restored++
	}

	r.logger.Info("memory registry: restored conversations",
		"channels", len(channels),
		"restored", restored,
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// GetOrCreate returns the channel's conversation, creating an empty one on
// first use.
func (r *Registry) GetOrCreate(channelID string) *Conversation {
	r.mu.RLock()
	conv, ok := r.convs[channelID]
	r.mu.RUnlock()
	if ok {
		return conv
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.convs[channelID]; ok {
		return conv
	}
	conv = NewConversation(channelID, r.opts)
	r.convs[channelID] = conv
	r.logger.Debug("memory registry: new conversation", "channel_id", channelID)
	return conv
}

// Get returns the channel's conversation if it exists.
func (r *Registry) Get(channelID string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.convs[channelID]
	return conv, ok
}

// Channels returns the registered channel IDs in sorted order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Conversations returns every registered conversation, ordered by channel.
func (r *Registry) Conversations() []*Conversation {
	ids := r.Channels()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.convs[id])
	}
	return out
}

// Shutdown stops the scheduler when it supports stopping, waiting for
// in-flight memory tasks, then saves every conversation's state.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	if s, ok := r.opts.Scheduler.(interface{ Stop(context.Context) error }); ok {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("memory registry: stop scheduler: %w", err))
		}
	}
	if r.opts.State != nil {
		for _, conv := range r.Conversations() {
			if err := r.opts.State.SaveMemoryState(ctx, conv.ID(), conv.State()); err != nil {
				errs = append(errs, fmt.Errorf("memory registry: save %s: %w", conv.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
