// Package config loads docrag settings from defaults, a TOML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Generation   GenerationConfig   `toml:"generation"`
	Ollama       OllamaConfig       `toml:"ollama"`
	Ingest       IngestConfig       `toml:"ingest"`
	Retrieval    RetrievalConfig    `toml:"retrieval"`
	Conversation ConversationConfig `toml:"conversation"`
	Storage      StorageConfig      `toml:"storage"`
	Server       ServerConfig       `toml:"server"`
	Log          LogConfig          `toml:"log"`
}

type GenerationConfig struct {
	APIKey            string  `toml:"api_key"`
	BaseURL           string  `toml:"base_url"`
	Model             string  `toml:"model"`
	MaxTokens         int     `toml:"max_tokens"`
	Timeout           string  `toml:"timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

type OllamaConfig struct {
	BaseURL    string `toml:"base_url"`
	EmbedModel string `toml:"embed_model"`
	Timeout    string `toml:"timeout"`
}

type IngestConfig struct {
	ChunkSize    int    `toml:"chunk_size"`
	ChunkOverlap int    `toml:"chunk_overlap"`
	KeepWords    bool   `toml:"keep_words"`
	Workers      int    `toml:"workers"`
	ImageMode    string `toml:"image_mode"`
}

type RetrievalConfig struct {
	TopK int `toml:"top_k"`
}

type ConversationConfig struct {
	MaxTurns    int    `toml:"max_turns"`
	MaxTokens   int    `toml:"max_tokens"`
	SessionTTL  string `toml:"session_ttl"`
	MaxSessions int    `toml:"max_sessions"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	Token    string `toml:"token"`
	MaxConns int    `toml:"max_conns"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func defaults() Config {
	return Config{
		Generation: GenerationConfig{
			Model:             "claude-3-7-sonnet-20250219",
			MaxTokens:         1024,
			Timeout:           "60s",
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "all-minilm",
			Timeout:    "30s",
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			Workers:      4,
			ImageMode:    "soft",
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Conversation: ConversationConfig{
			MaxTurns:    20,
			SessionTTL:  "1h",
			MaxSessions: 1000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, or from the default location when
// path is empty. A missing file is not an error.
//
// Precedence, lowest first: built-in defaults, the TOML file, a .env file in
// the working directory, DOCRAG_* environment variables. ANTHROPIC_API_KEY
// and ANTHROPIC_MODEL are honoured when the DOCRAG_ equivalents are unset.
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	if err := readFile(path, &cfg); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("invalid config: ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("invalid config: ingest.chunk_overlap must be in [0, %d), got %d",
			c.Ingest.ChunkSize, c.Ingest.ChunkOverlap)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("invalid config: ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.ImageMode != "soft" && c.Ingest.ImageMode != "fast" {
		return fmt.Errorf("invalid config: ingest.image_mode must be soft or fast, got %q", c.Ingest.ImageMode)
	}
	if c.Conversation.MaxSessions < 0 {
		return fmt.Errorf("invalid config: conversation.max_sessions must not be negative, got %d", c.Conversation.MaxSessions)
	}
	for key, raw := range map[string]string{
		"generation.timeout":       c.Generation.Timeout,
		"ollama.timeout":           c.Ollama.Timeout,
		"conversation.session_ttl": c.Conversation.SessionTTL,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid config: %s must not be negative, got %s", key, raw)
		}
	}
	return nil
}

// RequireAPIKey reports a missing generation API key. Commands that only
// read the store can run without one.
func (c Config) RequireAPIKey() error {
	if c.Generation.APIKey == "" {
		return errors.New("missing required config: Anthropic API key. " +
			"Set it via environment variable ANTHROPIC_API_KEY or DOCRAG_GENERATION_API_KEY")
	}
	return nil
}

// GenerationTimeout returns the parsed generation timeout.
func (c Config) GenerationTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Generation.Timeout)
	return d
}

// EmbedTimeout returns the parsed embedding timeout.
func (c Config) EmbedTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Ollama.Timeout)
	return d
}

// SessionTTL returns how long an idle chat session is kept. Zero keeps
// sessions until they are deleted.
func (c Config) SessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.Conversation.SessionTTL)
	return d
}
