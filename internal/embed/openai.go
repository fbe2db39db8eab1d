package embed

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/semafold/semafold/internal/errors"
)

// OpenAIConfig holds the settings for an OpenAI-compatible embedding API.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // empty uses the default endpoint
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// OpenAIEmbedder generates embeddings via an OpenAI-compatible API.
// API failures are transient embedding errors, retryable by the caller.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	timeout    time.Duration
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an OpenAI-compatible embedding provider.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.EmbeddingError(err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.EmbeddingError(fmt.Errorf("empty embedding response"))
	}

	vec := resp.Data[0].Embedding
	if e.dimensions == 0 {
		e.dimensions = len(vec)
	}
	return vec, nil
}

// Dimensions returns the embedding dimension (0 until the first call when
// not configured explicitly).
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return string(e.model)
}

// Close releases resources.
func (e *OpenAIEmbedder) Close() error {
	return nil
}
