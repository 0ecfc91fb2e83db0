package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIEmbedderConfig configures an OpenAIEmbedder.
type OpenAIEmbedderConfig struct {
	// APIKey is the bearer token for the embeddings API.
	APIKey string
	// BaseURL overrides the endpoint. Default: https://api.openai.com/v1.
	BaseURL string
	// Model is the embedding model. Default: text-embedding-3-small.
	Model string
	// Timeout for each request. Default: 30s.
	Timeout time.Duration
	// MaxRetries is passed to the SDK. Default: 2.
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAIEmbedder implements Embedder with the openai-go embeddings API.
type OpenAIEmbedder struct {
	client openaigo.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder for the configured model.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIEmbedder{
		client: openaigo.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(cfg.MaxRetries),
		),
		model: cfg.Model,
	}
}

// Embed returns the embedding of text. Blank text embeds to nil.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openaigo.EmbeddingNewParams{
		Model: openaigo.EmbeddingModel(e.model),
		Input: openaigo.EmbeddingNewParamsInputUnion{OfString: openaigo.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("memory openai embedder: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("memory openai embedder: empty response")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
