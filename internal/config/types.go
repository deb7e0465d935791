package config

// Config is the root configuration for docchat.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway,omitempty"`
	LLM         LLMConfig         `yaml:"llm,omitempty"`
	Embedding   EmbeddingConfig   `yaml:"embedding,omitempty"`
	Search      SearchConfig      `yaml:"search,omitempty"`
	Chunking    ChunkingConfig    `yaml:"chunking,omitempty"`
	VectorStore VectorStoreConfig `yaml:"vectorStore,omitempty"`
	Session     SessionConfig     `yaml:"session,omitempty"`
	Agent       AgentConfig       `yaml:"agent,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Hooks       HooksConfig       `yaml:"hooks,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int              `yaml:"port,omitempty"`
	Bind           string           `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string           `yaml:"customBindHost,omitempty"`
	MaxUploadMB    int              `yaml:"maxUploadMB,omitempty"`
	Auth           GatewayAuth      `yaml:"auth,omitempty"`
	ControlUI      GatewayControlUI `yaml:"controlUi,omitempty"`
	TLS            GatewayTLS       `yaml:"tls,omitempty"`
}

// GatewayTLS enables TLS on the gateway listener.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayControlUI configures browser access to the gateway.
type GatewayControlUI struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// LLMConfig selects the chat-completion provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider,omitempty"` // "openai" | "anthropic" | "ollama"
	Model       string        `yaml:"model,omitempty"`
	APIKey      string        `yaml:"apiKey,omitempty"`
	Endpoint    string        `yaml:"endpoint,omitempty"`
	MaxTokens   int           `yaml:"maxTokens,omitempty"`
	Temperature *float64      `yaml:"temperature,omitempty"`
	Fallbacks   []LLMEndpoint `yaml:"fallbacks,omitempty"`
}

// LLMEndpoint is a fallback provider tried when the primary fails.
type LLMEndpoint struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// EmbeddingConfig selects the embedding function.
type EmbeddingConfig struct {
	Model           string `yaml:"model,omitempty"` // "ada" | "text-embedding-3-small" | "gemini" | "minilm" | "ollama:<name>" | "hashing"
	APIKey          string `yaml:"apiKey,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	CacheTTLSeconds int    `yaml:"cacheTTLSeconds,omitempty"`
	MaxRetries      int    `yaml:"maxRetries,omitempty"`
}

// SearchConfig bounds retrieval results.
type SearchConfig struct {
	MinRelevance float64 `yaml:"minRelevance"`
	TopK         int     `yaml:"topK,omitempty"`
}

// ChunkingConfig sizes text chunks, in model tokens.
type ChunkingConfig struct {
	SizeTokens    int `yaml:"sizeTokens,omitempty"`
	OverlapTokens int `yaml:"overlapTokens"`
}

// VectorStoreConfig selects where chunk embeddings live.
type VectorStoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "memory" | "sqlite" | "postgres"
	DSN    string `yaml:"dsn,omitempty"`
}

// SessionConfig defines session behavior.
type SessionConfig struct {
	MonitorIntervalMs  int    `yaml:"monitorIntervalMs,omitempty"`
	HistoryStore       string `yaml:"historyStore,omitempty"` // "memory" | "sqlite"
	MaxHistoryMessages int    `yaml:"maxHistoryMessages,omitempty"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxToolIterations int `yaml:"maxToolIterations,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
	MaxSizeMB    int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups   int    `yaml:"maxBackups,omitempty"`
}

// HooksConfig defines shell commands run on lifecycle events.
type HooksConfig struct {
	SessionStart     []HookEntry `yaml:"sessionStart,omitempty"`
	SessionEnd       []HookEntry `yaml:"sessionEnd,omitempty"`
	DocumentIngested []HookEntry `yaml:"documentIngested,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
