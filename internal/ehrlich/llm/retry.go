package llm

import (
	"context"
	"log/slog"

	"github.com/nmattis/ehrlichgpt/common/retry"
)

// retrying decorates a Provider with exponential backoff.
type retrying struct {
	inner  Provider
	cfg    retry.Config
	logger *slog.Logger
}

// WithRetry wraps p so transient failures are retried according to cfg.
// Errors marked with retry.Permanent (4xx other than 408/429) are returned
// immediately.
func WithRetry(p Provider, cfg retry.Config, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{inner: p, cfg: cfg, logger: logger}
}

func (r *retrying) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	attempt := 0
	return retry.DoValue(ctx, r.cfg, func() (*CompletionResponse, error) {
		attempt++
		resp, err := r.inner.Complete(ctx, req)
		if err != nil && attempt > 1 {
			r.logger.Debug("llm: retried completion failed", "attempt", attempt, "err", err)
		}
		return resp, err
	})
}
