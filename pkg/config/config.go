package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		UploadDir string `yaml:"upload_dir"`
	} `yaml:"server"`

	LLM struct {
		BaseURL        string  `yaml:"base_url"`
		APIKey         string  `yaml:"api_key"`
		Model          string  `yaml:"model"`
		EmbeddingModel string  `yaml:"embedding_model"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float64 `yaml:"temperature"`
		MaxRetries     int     `yaml:"max_retries"`
	} `yaml:"llm"`

	Database struct {
		Driver    string `yaml:"driver"`
		URL       string `yaml:"url"`
		VectorDim int    `yaml:"vector_dim"`
	} `yaml:"database"`

	Messaging struct {
		AccountSID string  `yaml:"account_sid"`
		AuthToken  string  `yaml:"auth_token"`
		Number     string  `yaml:"number"`
		BaseURL    string  `yaml:"base_url"`
		RateLimit  float64 `yaml:"rate_limit"`
		// SingleTenant enables the first-organization fallback when an
		// inbound number matches no organization. Off by default; with it
		// off an unmatched number is a configuration gap, not a new tenant.
		SingleTenant bool `yaml:"single_tenant"`
	} `yaml:"messaging"`

	Processor struct {
		ChunkSize int `yaml:"chunk_size"`
	} `yaml:"processor"`

	Retrieval struct {
		TopK         int `yaml:"top_k"`
		ContextTurns int `yaml:"context_turns"`
	} `yaml:"retrieval"`

	Ingest struct {
		Workers int `yaml:"workers"`
	} `yaml:"ingest"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/ragbot/config.yaml"),
			"/etc/ragbot/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}

		if path == "" {
			cfg := &Config{}
			cfg.applyEnv()
			cfg.applyDefaults()
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv fills secrets and endpoints from the environment when the file
// left them empty, so credentials can stay out of config files.
func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("DATABASE_URL")
	}
	if c.Messaging.AccountSID == "" {
		c.Messaging.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if c.Messaging.AuthToken == "" {
		c.Messaging.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if c.Messaging.Number == "" {
		c.Messaging.Number = os.Getenv("TWILIO_WHATSAPP_NUMBER")
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-3.5-turbo"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-ada-002"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 2000
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Database.Driver == "" {
		if c.Database.URL != "" {
			c.Database.Driver = "postgres"
		} else {
			c.Database.Driver = "memory"
		}
	}
	if c.Database.VectorDim == 0 {
		c.Database.VectorDim = 1536
	}
	if c.Messaging.RateLimit == 0 {
		c.Messaging.RateLimit = 1.0
	}
	if c.Processor.ChunkSize == 0 {
		c.Processor.ChunkSize = 1000
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.ContextTurns == 0 {
		c.Retrieval.ContextTurns = 5
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 4
	}
}
