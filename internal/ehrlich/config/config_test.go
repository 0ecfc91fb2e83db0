package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@ehrlich:example.org"
  rooms: ["!abc:example.org"]
llm:
  provider: anthropic
  api_key: sk-ant-test
  model: claude-3-5-haiku-latest
embedding:
  provider: hash
  dimensions: 512
index:
  backend: chromem
  path: /tmp/ehrlich-index
memory:
  typing_delay_unused: 1
`

func TestParse_Valid(t *testing.T) {
	yamlDoc := strings.Replace(validYAML, "  typing_delay_unused: 1\n", "  sweep_interval: 90s\n", 1)
	cfg, err := Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "sk-ant-test" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Memory.SweepInterval != 90*time.Second {
		t.Errorf("sweep_interval = %v, want 90s", cfg.Memory.SweepInterval)
	}
	// Unset values keep their defaults.
	if cfg.Memory.TokenWindowSize != 400 || cfg.Memory.LowWatermark != 100 {
		t.Errorf("memory budgets = %d/%d, want 400/100", cfg.Memory.TokenWindowSize, cfg.Memory.LowWatermark)
	}
	if cfg.Bot.Name != "EhrlichGPT" || cfg.Bot.Temperature != 0.9 {
		t.Errorf("bot = %+v", cfg.Bot)
	}
	if cfg.Index.Backend != "chromem" || cfg.Index.MinSimilarity != 0.35 {
		t.Errorf("index = %+v", cfg.Index)
	}
}

func TestParse_UnknownField(t *testing.T) {
	if _, err := Parse([]byte(validYAML)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("llm:\n  provider: none\nembedding:\n  provider: none\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Default()
		c.LLM.APIKey = "sk-test"
		c.Embedding.APIKey = "sk-test"
		return c
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults with keys", func(c *Config) {}, ""},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "cohere" }, "invalid"},
		{"missing llm key", func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		{"no llm needs no key", func(c *Config) { c.LLM.Provider = "none"; c.LLM.APIKey = "" }, ""},
		{"missing embedding key", func(c *Config) { c.Embedding.APIKey = "" }, "embedding.api_key"},
		{"hash embedder needs no key", func(c *Config) { c.Embedding.Provider = "hash"; c.Embedding.APIKey = "" }, ""},
		{"similarity above one", func(c *Config) { c.Index.MinSimilarity = 1.5 }, "invalid"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "invalid"},
		{"bad room id", func(c *Config) { c.Matrix.Rooms = []string{"general"} }, "invalid"},
		{"name with colon", func(c *Config) { c.Bot.Name = "bot:" }, "invalid"},
		{"zero window", func(c *Config) { c.Memory.TokenWindowSize = 0 }, "invalid"},
		{"watermark above window", func(c *Config) { c.Memory.LowWatermark = 500 }, "low_watermark"},
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MATRIX_HOMESERVER", "https://hs.example.org")
	t.Setenv("MATRIX_ROOMS", "!a:example.org, !b:example.org")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("EHRLICH_LOG_LEVEL", "debug")
	t.Setenv("EHRLICH_MIN_SIMILARITY", "0.5")
	t.Setenv("EHRLICH_DAILY_TOKEN_BUDGET", "1000")

	c := Default()
	c.ApplyEnv()

	if c.Matrix.Homeserver != "https://hs.example.org" {
		t.Errorf("homeserver = %q", c.Matrix.Homeserver)
	}
	if len(c.Matrix.Rooms) != 2 || c.Matrix.Rooms[1] != "!b:example.org" {
		t.Errorf("rooms = %q", c.Matrix.Rooms)
	}
	if c.LLM.APIKey != "sk-env" || c.Embedding.APIKey != "sk-env" {
		t.Errorf("api keys = %q/%q, want sk-env", c.LLM.APIKey, c.Embedding.APIKey)
	}
	if c.Log.Level != "debug" || c.Index.MinSimilarity != 0.5 || c.Bot.DailyTokenBudget != 1000 {
		t.Errorf("overrides not applied: %+v %+v %+v", c.Log, c.Index, c.Bot)
	}
}

func TestApplyEnv_AnthropicKey(t *testing.T) {
	t.Setenv("EHRLICH_LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("OPENAI_API_KEY", "sk-openai-env")

	c := Default()
	c.ApplyEnv()
	if c.LLM.APIKey != "sk-ant-env" {
		t.Errorf("llm api key = %q, want the Anthropic key", c.LLM.APIKey)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := filepath.Join(t.TempDir(), "ehrlich.yaml")
	if err := os.WriteFile(path, []byte("bot:\n  name: Ehrlich\nstore:\n  path: /var/lib/ehrlich.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.Name != "Ehrlich" || cfg.Store.Path != "/var/lib/ehrlich.db" {
		t.Errorf("cfg = %+v %+v", cfg.Bot, cfg.Store)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRequireMatrix(t *testing.T) {
	c := Default()
	err := c.RequireMatrix()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"homeserver", "user_id", "access_token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	c.Matrix = MatrixConfig{Homeserver: "https://hs", UserID: "@a:hs", AccessToken: "tok"}
	if err := c.RequireMatrix(); err != nil {
		t.Errorf("RequireMatrix: %v", err)
	}
}

func TestLoadFile_SkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ehrlich.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: ./data.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Store.Path != "./data.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
}
