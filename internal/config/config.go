// Package config loads the YAML configuration file. API keys can be kept
// out of the file: a .env next to the process is loaded first and ${VAR}
// references in the YAML are expanded from the environment.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"docqa/internal/models"
)

type Config struct {
	Server   ServerConfig `yaml:"server"`
	Store    StoreConfig  `yaml:"store"`
	RAG      RAGConfig    `yaml:"rag"`
	EmbedLLM LLMConfig    `yaml:"embed_llm"`
	LLM      LLMConfig    `yaml:"llm"`
	OCR      OCRConfig    `yaml:"ocr"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
}

// StoreConfig selects the vector store backend. "file" is the default
// directory-backed store; "chromem" uses chromem-go persistence at the same
// path; "postgres" uses pgvector via the DSN.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	DSN        string `yaml:"dsn"`
	Password   string `yaml:"password"`
	Debug      bool   `yaml:"debug"`
}

type RAGConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	TopK         int    `yaml:"top_k"`
	Metric       string `yaml:"metric"`
}

type LLMConfig struct {
	Provider  string `yaml:"provider"` // "openai" or "ollama"
	BaseURL   string `yaml:"base_url"`
	Key       string `yaml:"key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"` // embedding models only
}

type OCRConfig struct {
	BaseURL string `yaml:"base_url"`
	Key     string `yaml:"key"`
	Model   string `yaml:"model"`
}

// LoadConfig reads and validates the config at path.
func LoadConfig(path string) (*Config, error) {
	// Missing .env is fine; keys may come from the real environment.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "./data"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./vectordb"
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "documents"
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = models.DefaultChunkSize
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = models.DefaultChunkOverlap
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = models.DefaultTopK
	}
	if c.RAG.Metric == "" {
		c.RAG.Metric = string(models.MetricCosine)
	}
	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = "ollama"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "chromem":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: postgres backend requires store.dsn", models.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidConfig, c.Store.Backend)
	}
	if c.EmbedLLM.Dimension < 1 {
		return fmt.Errorf("%w: embed_llm.dimension must be positive", models.ErrInvalidConfig)
	}
	if _, err := models.ParseMetric(c.RAG.Metric); err != nil {
		return err
	}
	return c.PipelineConfig().Validate()
}

// PipelineConfig returns the per-call parameters configured as defaults.
func (c *Config) PipelineConfig() models.PipelineConfig {
	metric, _ := models.ParseMetric(c.RAG.Metric)
	return models.PipelineConfig{
		ChunkSize:    c.RAG.ChunkSize,
		ChunkOverlap: c.RAG.ChunkOverlap,
		TopK:         c.RAG.TopK,
		Metric:       metric,
	}
}
