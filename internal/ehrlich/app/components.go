package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nmattis/ehrlichgpt/common/retry"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/config"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/llm"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/tokenizer"
)

// newProvider builds the chat backend wrapped with retries. It returns nil
// for provider "none".
func newProvider(cfg config.LLMConfig, logger *slog.Logger) (llm.Provider, error) {
	var p llm.Provider
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "openai":
		p = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case "anthropic":
		p = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	rc := retry.DefaultConfig
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryDelay > 0 {
		rc.InitialDelay = cfg.RetryDelay
	}
	return llm.WithRetry(p, rc, logger), nil
}

// newMeasurer builds the token counter behind a cache. The returned close
// function releases the cache.
func newMeasurer(cfg config.MemoryConfig, logger *slog.Logger) (tokenizer.Measurer, func(), error) {
	var inner tokenizer.Measurer = tokenizer.Heuristic{}
	if cfg.Tokenizer == "tiktoken" {
		tk, err := tokenizer.NewTiktoken(cfg.Encoding)
		if err != nil {
			// The BPE file is downloaded when not cached locally, so
			// offline hosts fall back to the estimate.
			logger.Warn("tiktoken unavailable, using heuristic token counts", "encoding", cfg.Encoding, "err", err)
		} else {
			inner = tk
		}
	}
	if cfg.TokenCacheSize <= 0 {
		return inner, func() {}, nil
	}
	cached, err := tokenizer.NewCached(inner, tokenizer.CacheConfig{MaxEntries: cfg.TokenCacheSize})
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

// newEmbedder builds the long-term memory embedder, cached when configured.
func newEmbedder(cfg config.EmbeddingConfig) (memory.Embedder, func(), error) {
	var e memory.Embedder
	switch cfg.Provider {
	case "none":
		return memory.NoopEmbedder{}, func() {}, nil
	case "hash":
		e = memory.HashEmbedder{Dimensions: cfg.Dimensions}
	case "openai":
		e = memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheEntries <= 0 {
		return e, func() {}, nil
	}
	cached, err := memory.NewCachedEmbedder(e, cfg.CacheEntries)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

// newFragmentStore opens the long-term memory backend. SQLite shares the
// bot's database; chromem persists next to it unless index.path is set.
func newFragmentStore(cfg config.IndexConfig, db *sql.DB, dbPath string, logger *slog.Logger) (memory.FragmentStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return memory.NewSQLiteFragmentStore(db, logger), nil
	case "chromem":
		path := cfg.Path
		if path == "" && dbPath != ":memory:" {
			path = filepath.Join(filepath.Dir(dbPath), "ehrlich-index")
		}
		return memory.NewChromemFragmentStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}

// newCompressor condenses with the model when there is one and falls back
// to extractive notes otherwise.
func newCompressor(provider llm.Provider, cfg config.LLMConfig, logger *slog.Logger) memory.Compressor {
	if provider == nil {
		return memory.ExtractiveCompressor{}
	}
	model := cfg.SummaryModel
	if model == "" {
		model = cfg.Model
	}
	return memory.NewLLMCompressor(provider, memory.LLMCompressorConfig{Model: model}, logger)
}
