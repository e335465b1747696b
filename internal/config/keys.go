package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "generation.api_key", typ: kString, env: "DOCRAG_GENERATION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "generation.base_url", typ: kString, env: "DOCRAG_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.model", typ: kString, env: "DOCRAG_GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "DOCRAG_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "generation.timeout", typ: kString, env: "DOCRAG_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.requests_per_second", typ: kFloat, env: "DOCRAG_GENERATION_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Generation.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.RequestsPerSecond },
	},
	{
		key: "generation.burst", typ: kInt, env: "DOCRAG_GENERATION_BURST",
		apply:   func(cfg *Config, v any) { cfg.Generation.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.Burst },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCRAG_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.timeout", typ: kString, env: "DOCRAG_OLLAMA_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Timeout },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "DOCRAG_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "DOCRAG_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.keep_words", typ: kBool, env: "DOCRAG_INGEST_KEEP_WORDS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.KeepWords = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.KeepWords },
	},
	{
		key: "ingest.workers", typ: kInt, env: "DOCRAG_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.image_mode", typ: kString, env: "DOCRAG_INGEST_IMAGE_MODE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ImageMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.ImageMode },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DOCRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "conversation.max_turns", typ: kInt, env: "DOCRAG_CONVERSATION_MAX_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Conversation.MaxTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.MaxTurns },
	},
	{
		key: "conversation.max_tokens", typ: kInt, env: "DOCRAG_CONVERSATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Conversation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.MaxTokens },
	},
	{
		key: "conversation.session_ttl", typ: kString, env: "DOCRAG_CONVERSATION_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Conversation.SessionTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Conversation.SessionTTL },
	},
	{
		key: "conversation.max_sessions", typ: kInt, env: "DOCRAG_CONVERSATION_MAX_SESSIONS",
		apply:   func(cfg *Config, v any) { cfg.Conversation.MaxSessions = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.MaxSessions },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "server.port", typ: kInt, env: "DOCRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "DOCRAG_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.max_conns", typ: kInt, env: "DOCRAG_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "log.level", typ: kString, env: "DOCRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// fallbackEnv maps keys to the variables the upstream Anthropic tooling uses.
var fallbackEnv = map[string]string{
	"generation.api_key": "ANTHROPIC_API_KEY",
	"generation.model":   "ANTHROPIC_MODEL",
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, name := os.Getenv(s.env), s.env
		if raw == "" {
			if alt, ok := fallbackEnv[s.key]; ok {
				raw, name = os.Getenv(alt), alt
			}
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, strings.TrimSpace(raw))
		if err != nil {
			slog.Warn("ignoring invalid config env var", "var", name, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	default:
		return "string"
	}
}

func invalidValue(key string, typ keyType, err error) error {
	return fmt.Errorf("invalid %s value for %s: %w", typ, key, err)
}
