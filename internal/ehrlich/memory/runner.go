package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SummaryRunner periodically folds idle conversations' unsummarized history
// into active memory, so quiet channels still get summarized when the agent
// has not replied recently.
type SummaryRunner struct {
	registry *Registry
	interval time.Duration
	idle     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewSummaryRunner creates a runner that sweeps every interval and
// summarizes conversations idle for at least idle. Zero values default to
// 5 minutes and 2 minutes.
func NewSummaryRunner(registry *Registry, interval, idle time.Duration, logger *slog.Logger) *SummaryRunner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryRunner{
		registry: registry,
		interval: interval,
		idle:     idle,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled or Stop is called. Call it in a goroutine.
func (r *SummaryRunner) Run(ctx context.Context) {
	r.stopMu.Lock()
	if r.stopCh == nil {
		r.stopCh = make(chan struct{})
	}
	stopCh := r.stopCh
	r.stopMu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Stop signals the runner to stop. Safe to call multiple times.
func (r *SummaryRunner) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	if r.stopCh == nil {
		r.stopCh = make(chan struct{})
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Sweep summarizes every idle conversation with unsummarized history until
// it is caught up or a run fails. It returns the consolidation tasks that
// were scheduled.
func (r *SummaryRunner) Sweep(ctx context.Context) []*Task {
	now := r.now()
	var tasks []*Task
	for _, conv := range r.registry.Conversations() {
		if conv.Unsummarized() == 0 || now.Sub(conv.LastActivity()) < r.idle {
			continue
		}
		for conv.Unsummarized() > 0 {
			if ctx.Err() != nil {
				return tasks
			}
			task, err := conv.RunSummarizer(ctx)
			if err != nil {
				r.logger.Warn("summary runner: summarize failed", "channel_id", conv.ID(), "err", err)
				break
			}
			if task != nil {
				tasks = append(tasks, task)
			}
		}
	}
	return tasks
}
