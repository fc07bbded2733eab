package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// GeneratorConfig represents the configuration for the generation client.
type GeneratorConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	RetryDelay  time.Duration
}

// Generator produces natural-language text from a prompt. Calls are
// retried with exponential backoff and successful responses are cached by
// prompt hash for the lifetime of the Generator.
type Generator struct {
	config GeneratorConfig
	llm    llms.Model
	retry  RetryPolicy
	cache  *ResponseCache
}

func NewGenerator(config GeneratorConfig) (*Generator, error) {
	if config.Model == "" {
		config.Model = "gpt-3.5-turbo"
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}

	opts := []openai.Option{
		openai.WithModel(config.Model),
	}
	if config.APIKey != "" {
		opts = append(opts, openai.WithToken(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generation client: %w", err)
	}

	return newGenerator(config, model), nil
}

func newGenerator(config GeneratorConfig, model llms.Model) *Generator {
	return &Generator{
		config: config,
		llm:    model,
		retry: RetryPolicy{
			MaxAttempts: config.MaxRetries,
			BaseDelay:   config.RetryDelay,
		},
		cache: NewResponseCache(),
	}
}

// Generate returns the model's reply for the prompt, serving repeated
// prompts from the cache. Failures are never cached.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	if cached, ok := g.cache.Get(prompt); ok {
		return cached, nil
	}

	var reply string
	err := g.retry.Do(ctx, "generation", func(ctx context.Context) error {
		content := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}

		resp, err := g.llm.GenerateContent(ctx, content,
			llms.WithTemperature(g.config.Temperature),
			llms.WithMaxTokens(g.config.MaxTokens),
		)
		if err != nil {
			return err
		}
		if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
			return errors.New("provider returned an empty completion")
		}

		reply = resp.Choices[0].Content
		return nil
	})
	if err != nil {
		return "", err
	}

	g.cache.Put(prompt, reply)
	return reply, nil
}
