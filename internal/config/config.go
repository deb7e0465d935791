package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultPort              = 18790
	DefaultTopK              = 4
	DefaultChunkSizeTokens   = 4000
	DefaultChunkOverlap      = 200
	DefaultEmbeddingModel    = "ada"
	DefaultMonitorIntervalMs = 2000
	DefaultMaxToolIterations = 5
	DefaultMaxHistory        = 40
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:        DefaultPort,
			Bind:        "loopback",
			MaxUploadMB: 32,
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
		},
		Embedding: EmbeddingConfig{
			Model:           DefaultEmbeddingModel,
			CacheTTLSeconds: 600,
			MaxRetries:      3,
		},
		Search: SearchConfig{
			MinRelevance: 0.0,
			TopK:         DefaultTopK,
		},
		Chunking: ChunkingConfig{
			SizeTokens:    DefaultChunkSizeTokens,
			OverlapTokens: DefaultChunkOverlap,
		},
		VectorStore: VectorStoreConfig{
			Driver: "sqlite",
		},
		Session: SessionConfig{
			MonitorIntervalMs:  DefaultMonitorIntervalMs,
			HistoryStore:       "memory",
			MaxHistoryMessages: DefaultMaxHistory,
		},
		Agent: AgentConfig{
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// MonitorInterval returns the liveness polling interval.
func (s SessionConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalMs) * time.Millisecond
}

// CacheTTL returns the query embedding cache lifetime.
func (e EmbeddingConfig) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLSeconds) * time.Second
}
