// Package config loads the bot's YAML configuration, layers environment
// overrides on top and validates the result against an embedded JSON schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/nmattis/ehrlichgpt/common/environment"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "ehrlich-config.schema.json"

// Config is the complete bot configuration.
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix" json:"matrix"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Bot       BotConfig       `yaml:"bot" json:"bot"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Health    HealthConfig    `yaml:"health" json:"health"`
}

// MatrixConfig connects the bot to a homeserver.
type MatrixConfig struct {
	Homeserver    string        `yaml:"homeserver" json:"homeserver"`
	UserID        string        `yaml:"user_id" json:"user_id"`
	AccessToken   string        `yaml:"access_token" json:"-"`
	Rooms         []string      `yaml:"rooms" json:"rooms"`
	AutoJoin      bool          `yaml:"auto_join" json:"auto_join"`
	TypingDelay   time.Duration `yaml:"typing_delay" json:"typing_delay"`
	TypingTimeout time.Duration `yaml:"typing_timeout" json:"typing_timeout"`
}

// LLMConfig selects the chat model backend.
type LLMConfig struct {
	// Provider is "openai", "anthropic" or "none". With "none" the bot never
	// replies and memory falls back to extractive compression.
	Provider  string `yaml:"provider" json:"provider"`
	APIKey    string `yaml:"api_key" json:"-"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
	HighModel string `yaml:"high_model" json:"high_model"`
	// SummaryModel condenses memory. Empty uses Model.
	SummaryModel string        `yaml:"summary_model" json:"summary_model"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// MemoryConfig holds the per-channel memory budgets and background work.
type MemoryConfig struct {
	TokenWindowSize   int `yaml:"token_window_size" json:"token_window_size"`
	LowWatermark      int `yaml:"low_watermark" json:"low_watermark"`
	SummaryWindowSize int `yaml:"summary_window_size" json:"summary_window_size"`
	// Tokenizer is "heuristic" or "tiktoken".
	Tokenizer       string        `yaml:"tokenizer" json:"tokenizer"`
	Encoding        string        `yaml:"encoding" json:"encoding"`
	TokenCacheSize  int64         `yaml:"token_cache_size" json:"token_cache_size"`
	Workers         int           `yaml:"workers" json:"workers"`
	QueueSize       int           `yaml:"queue_size" json:"queue_size"`
	JobTimeout      time.Duration `yaml:"job_timeout" json:"job_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	IdleAfter       time.Duration `yaml:"idle_after" json:"idle_after"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// EmbeddingConfig selects how long-term memory is embedded.
type EmbeddingConfig struct {
	// Provider is "openai", "hash" or "none".
	Provider     string        `yaml:"provider" json:"provider"`
	APIKey       string        `yaml:"api_key" json:"-"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	Model        string        `yaml:"model" json:"model"`
	Dimensions   int           `yaml:"dimensions" json:"dimensions"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	CacheEntries int64         `yaml:"cache_entries" json:"cache_entries"`
}

// IndexConfig selects the long-term memory store and its search limits.
type IndexConfig struct {
	// Backend is "sqlite" or "chromem".
	Backend       string  `yaml:"backend" json:"backend"`
	Path          string  `yaml:"path" json:"path"`
	Limit         int     `yaml:"limit" json:"limit"`
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// BotConfig tunes response rounds.
type BotConfig struct {
	Name             string  `yaml:"name" json:"name"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	HistoryTokens    int     `yaml:"history_tokens" json:"history_tokens"`
	DailyTokenBudget int     `yaml:"daily_token_budget" json:"daily_token_budget"`
	RoundsPerMinute  int     `yaml:"rounds_per_minute" json:"rounds_per_minute"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// HealthConfig enables the HTTP health endpoint. An empty Addr disables it.
type HealthConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the configuration used when a setting is absent.
func Default() Config {
	return Config{
		Matrix: MatrixConfig{
			AutoJoin:      true,
			TypingDelay:   2 * time.Second,
			TypingTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			HighModel:   "gpt-4o",
			Timeout:     120 * time.Second,
			MaxAttempts: 3,
			RetryDelay:  500 * time.Millisecond,
		},
		Memory: MemoryConfig{
			TokenWindowSize:   400,
			LowWatermark:      100,
			SummaryWindowSize: 15,
			Tokenizer:         "tiktoken",
			Encoding:          "cl100k_base",
			TokenCacheSize:    10_000,
			Workers:           2,
			QueueSize:         64,
			JobTimeout:        2 * time.Minute,
			SweepInterval:     5 * time.Minute,
			IdleAfter:         2 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:     "openai",
			Model:        "text-embedding-3-small",
			Timeout:      30 * time.Second,
			CacheEntries: 4096,
		},
		Index: IndexConfig{
			Backend:       "sqlite",
			Limit:         3,
			MinSimilarity: 0.35,
		},
		Store: StoreConfig{Path: "./ehrlich.db"},
		Bot: BotConfig{
			Name:             "EhrlichGPT",
			MaxTokens:        500,
			Temperature:      0.9,
			HistoryTokens:    1500,
			DailyTokenBudget: 200_000,
			RoundsPerMinute:  20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (when non-empty) over Default, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads path over Default without environment overrides or
// validation. Offline tools use it to find the database.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Parse decodes YAML over Default and validates it without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from the environment. Secrets are normally
// supplied this way rather than in the file.
func (c *Config) ApplyEnv() {
	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", c.Matrix.Rooms)
	c.Matrix.AutoJoin = environment.BoolOr("MATRIX_AUTO_JOIN", c.Matrix.AutoJoin)

	c.LLM.Provider = environment.StringOr("EHRLICH_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.BaseURL = environment.StringOr("EHRLICH_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = environment.StringOr("EHRLICH_LLM_MODEL", c.LLM.Model)
	c.LLM.HighModel = environment.StringOr("EHRLICH_LLM_HIGH_MODEL", c.LLM.HighModel)
	c.LLM.SummaryModel = environment.StringOr("EHRLICH_LLM_SUMMARY_MODEL", c.LLM.SummaryModel)
	c.LLM.Timeout = environment.DurationOr("EHRLICH_LLM_TIMEOUT", c.LLM.Timeout)
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKey = environment.StringOr("ANTHROPIC_API_KEY", "")
		case "openai":
			c.LLM.APIKey = environment.StringOr("OPENAI_API_KEY", "")
		}
	}

	c.Memory.TokenWindowSize = environment.IntOr("EHRLICH_TOKEN_WINDOW_SIZE", c.Memory.TokenWindowSize)
	c.Memory.LowWatermark = environment.IntOr("EHRLICH_LOW_WATERMARK", c.Memory.LowWatermark)
	c.Memory.Tokenizer = environment.StringOr("EHRLICH_TOKENIZER", c.Memory.Tokenizer)

	c.Embedding.Provider = environment.StringOr("EHRLICH_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = environment.StringOr("EHRLICH_EMBEDDING_MODEL", c.Embedding.Model)
	if c.Embedding.APIKey == "" && c.Embedding.Provider == "openai" {
		c.Embedding.APIKey = environment.StringOr("OPENAI_API_KEY", "")
	}

	c.Index.Backend = environment.StringOr("EHRLICH_INDEX_BACKEND", c.Index.Backend)
	c.Index.Path = environment.StringOr("EHRLICH_INDEX_PATH", c.Index.Path)
	c.Index.MinSimilarity = environment.FloatOr("EHRLICH_MIN_SIMILARITY", c.Index.MinSimilarity)

	c.Store.Path = environment.StringOr("EHRLICH_DATABASE_PATH", c.Store.Path)

	c.Bot.Name = environment.StringOr("EHRLICH_BOT_NAME", c.Bot.Name)
	c.Bot.DailyTokenBudget = environment.IntOr("EHRLICH_DAILY_TOKEN_BUDGET", c.Bot.DailyTokenBudget)
	c.Bot.RoundsPerMinute = environment.IntOr("EHRLICH_ROUNDS_PER_MINUTE", c.Bot.RoundsPerMinute)

	c.Log.Level = environment.StringOr("EHRLICH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("EHRLICH_LOG_FORMAT", c.Log.Format)
	c.Health.Addr = environment.StringOr("EHRLICH_HEALTH_ADDR", c.Health.Addr)
}

// Validate checks c against the embedded schema, then the rules the schema
// cannot express.
func (c *Config) Validate() error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: decode for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}

	if c.Memory.LowWatermark > c.Memory.TokenWindowSize {
		return fmt.Errorf("config: memory.low_watermark (%d) must not exceed memory.token_window_size (%d)",
			c.Memory.LowWatermark, c.Memory.TokenWindowSize)
	}
	if c.LLM.Provider != "none" && c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required for provider %q", c.LLM.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return errors.New("config: embedding.api_key is required for provider \"openai\"")
	}
	return nil
}

// RequireMatrix reports a missing connection setting. Commands that never
// connect skip it.
func (c *Config) RequireMatrix() error {
	var errs []error
	if c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("matrix.homeserver (MATRIX_HOMESERVER) is required"))
	}
	if c.Matrix.UserID == "" {
		errs = append(errs, errors.New("matrix.user_id (MATRIX_USER_ID) is required"))
	}
	if c.Matrix.AccessToken == "" {
		errs = append(errs, errors.New("matrix.access_token (MATRIX_ACCESS_TOKEN) is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("config: load schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}
	return schema, nil
}
