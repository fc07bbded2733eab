package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig represents the configuration for the embedding client.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// Embedder turns text into a fixed-length vector through an
// OpenAI-compatible embeddings API, retrying with exponential backoff.
type Embedder struct {
	config EmbedderConfig
	client embeddingClient
	retry  RetryPolicy
}

// embeddingClient is the slice of the provider client the Embedder needs.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

func NewEmbedder(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "text-embedding-ada-002"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(config.Model),
	}
	if config.APIKey != "" {
		opts = append(opts, openai.WithToken(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}

	return &Embedder{
		config: config,
		client: client,
		retry: RetryPolicy{
			MaxAttempts: config.MaxRetries,
			BaseDelay:   config.RetryDelay,
		},
	}, nil
}

// Embed returns the embedding vector for one text. After the retry budget
// is exhausted it returns a RetryExhaustedError and no vector, never an
// empty vector masquerading as success.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32

	err := e.retry.Do(ctx, "embedding", func(ctx context.Context) error {
		out, err := e.client.CreateEmbedding(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(out) == 0 || len(out[0]) == 0 {
			return errors.New("provider returned an empty embedding")
		}
		vector = out[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	return vector, nil
}
