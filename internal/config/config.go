package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSourceDir      = "./data"
	defaultChunkSize      = 500 // characters
	defaultChunkOverlap   = 50  // characters
	defaultTopK           = 2
	defaultTimeout        = 120 * time.Second
	defaultEmbedBatchSize = 16
	defaultIndexPath      = "vectorstores/index.gob"
	defaultOllamaURL      = "http://localhost:11434"
	defaultEmbedModel     = "all-minilm"
	defaultAnswerModel    = "ivfbot"
	defaultServerAddr     = ":8080"
	defaultTable          = "ivf_chunks"
)

type Config struct {
	Data         DataConfig     `yaml:"data"`
	RAG          RAGConfig      `yaml:"rag"`
	Index        IndexConfig    `yaml:"index"`
	EmbedLLM     LLMConfig      `yaml:"embed_llm"`
	InferenceLLM LLMConfig      `yaml:"inference_llm"`
	Database     DatabaseConfig `yaml:"database"`
	Server       ServerConfig   `yaml:"server"`
	Log          LogConfig      `yaml:"log"`
}

// DataConfig locates the corpus.
type DataConfig struct {
	SourceDir  string   `yaml:"source_dir"`
	Extensions []string `yaml:"extensions"`
}

type RAGConfig struct {
	ChunkSize      int           `yaml:"chunk_size"`
	ChunkOverlap   int           `yaml:"chunk_overlap"`
	TopK           int           `yaml:"top_k"`
	Timeout        time.Duration `yaml:"timeout"`
	EmbedBatchSize int           `yaml:"embed_batch_size"`
}

// IndexConfig selects where and how the vector index is persisted and searched.
type IndexConfig struct {
	Path   string `yaml:"path"`
	Codec  string `yaml:"codec"`  // gob | sqlite
	Engine string `yaml:"engine"` // flat | chromem | pgvector
}

type LLMConfig struct {
	Provider      string `yaml:"provider"` // ollama | openai
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	Key           string `yaml:"key" json:"-"`
	Dimension     int    `yaml:"dimension"`
	MaxInputChars int    `yaml:"max_input_chars"`
}

// DatabaseConfig configures the optional PostgreSQL/pgvector mirror.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Driver   string `yaml:"driver"` // pgdriver | pq
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password" json:"-"`
	Table    string `yaml:"table"`
	Debug    bool   `yaml:"debug"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// LoadConfig reads the YAML file at path, expanding ${VAR} references from the
// environment. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Data.SourceDir == "" {
		c.Data.SourceDir = defaultSourceDir
	}
	if len(c.Data.Extensions) == 0 {
		c.Data.Extensions = []string{".pdf"}
	}
	for i, ext := range c.Data.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Data.Extensions[i] = ext
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = defaultChunkSize
		if c.RAG.ChunkOverlap == 0 {
			c.RAG.ChunkOverlap = defaultChunkOverlap
		}
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = defaultTopK
	}
	if c.RAG.Timeout == 0 {
		c.RAG.Timeout = defaultTimeout
	}
	if c.RAG.EmbedBatchSize == 0 {
		c.RAG.EmbedBatchSize = defaultEmbedBatchSize
	}
	if c.Index.Path == "" {
		c.Index.Path = defaultIndexPath
	}
	if c.Index.Codec == "" {
		c.Index.Codec = "gob"
	}
	if c.Index.Engine == "" {
		c.Index.Engine = "flat"
	}
	c.EmbedLLM.applyDefaults(defaultEmbedModel)
	c.InferenceLLM.applyDefaults(defaultAnswerModel)
	if c.Database.Driver == "" {
		c.Database.Driver = "pgdriver"
	}
	if c.Database.Table == "" {
		c.Database.Table = defaultTable
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (l *LLMConfig) applyDefaults(model string) {
	if l.Provider == "" {
		l.Provider = "ollama"
	}
	if l.BaseURL == "" && l.Provider == "ollama" {
		l.BaseURL = defaultOllamaURL
	}
	if l.Model == "" && l.Provider == "ollama" {
		l.Model = model
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be greater than zero")
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size)")
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("rag.top_k must be greater than zero")
	}
	if c.RAG.Timeout < 0 {
		return fmt.Errorf("rag.timeout must not be negative")
	}
	switch c.Index.Codec {
	case "gob", "sqlite":
	default:
		return fmt.Errorf("index.codec %q is not supported", c.Index.Codec)
	}
	switch c.Index.Engine {
	case "flat", "chromem":
	case "pgvector":
		if !c.Database.Enabled {
			return fmt.Errorf("index.engine pgvector requires database.enabled")
		}
	default:
		return fmt.Errorf("index.engine %q is not supported", c.Index.Engine)
	}
	for name, llm := range map[string]LLMConfig{"embed_llm": c.EmbedLLM, "inference_llm": c.InferenceLLM} {
		switch llm.Provider {
		case "ollama", "openai":
		default:
			return fmt.Errorf("%s.provider %q is not supported", name, llm.Provider)
		}
		if strings.TrimSpace(llm.Model) == "" {
			return fmt.Errorf("%s.model is required", name)
		}
	}
	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required when database.enabled is set")
		}
		switch c.Database.Driver {
		case "pgdriver", "pq":
		default:
			return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
		}
	}
	return nil
}
