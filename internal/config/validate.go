package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// EmbeddingModels lists the accepted embedding.model values. Any
// "ollama:<name>" value is accepted as well.
var EmbeddingModels = []string{
	"ada",
	"text-embedding-ada-002",
	"text-embedding-3-small",
	"text-embedding-3-large",
	"gemini",
	"minilm",
	"nomic-embed-text",
	"mxbai-embed-large",
	"hashing",
}

var (
	validBinds         = []string{"auto", "lan", "loopback", "custom"}
	validAuthModes     = []string{"token", "password"}
	validProviders     = []string{"openai", "anthropic", "ollama"}
	validDrivers       = []string{"memory", "sqlite", "postgres"}
	validHistoryStores = []string{"memory", "sqlite"}
	validLogLevels     = []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	validConsoleStyles = []string{"pretty", "json"}
)

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(path string, valid []string, got string) {
		if got != "" && !slices.Contains(valid, got) {
			add(path, "must be one of %v, got %q", valid, got)
		}
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	oneOf("gateway.bind", validBinds, cfg.Gateway.Bind)
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	oneOf("gateway.auth.mode", validAuthModes, cfg.Gateway.Auth.Mode)
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when tls is enabled")
	}
	if cfg.Gateway.MaxUploadMB < 0 {
		add("gateway.maxUploadMB", "must not be negative, got %d", cfg.Gateway.MaxUploadMB)
	}

	// LLM
	oneOf("llm.provider", validProviders, cfg.LLM.Provider)
	if cfg.LLM.Model == "" {
		add("llm.model", "model is required")
	}
	if cfg.LLM.Temperature != nil && (*cfg.LLM.Temperature < 0 || *cfg.LLM.Temperature > 2) {
		add("llm.temperature", "must be between 0 and 2, got %g", *cfg.LLM.Temperature)
	}
	for i, fb := range cfg.LLM.Fallbacks {
		path := fmt.Sprintf("llm.fallbacks[%d]", i)
		oneOf(path+".provider", validProviders, fb.Provider)
		if fb.Provider == "" {
			add(path+".provider", "provider is required")
		}
		if fb.Model == "" {
			add(path+".model", "model is required")
		}
	}

	// Embedding
	if m := cfg.Embedding.Model; m != "" && !slices.Contains(EmbeddingModels, m) && !isOllamaModel(m) {
		add("embedding.model", "must be one of %v or ollama:<name>, got %q", EmbeddingModels, m)
	}
	if cfg.Embedding.MaxRetries < 0 {
		add("embedding.maxRetries", "must not be negative, got %d", cfg.Embedding.MaxRetries)
	}

	// Search
	if cfg.Search.MinRelevance < 0 || cfg.Search.MinRelevance > 1 {
		add("search.minRelevance", "must be between 0 and 1, got %g", cfg.Search.MinRelevance)
	}
	if cfg.Search.TopK < 1 {
		add("search.topK", "must be at least 1, got %d", cfg.Search.TopK)
	}

	// Chunking
	if cfg.Chunking.SizeTokens < 1 {
		add("chunking.sizeTokens", "must be at least 1, got %d", cfg.Chunking.SizeTokens)
	}
	if cfg.Chunking.OverlapTokens < 0 || cfg.Chunking.OverlapTokens >= cfg.Chunking.SizeTokens {
		add("chunking.overlapTokens", "must be in [0, sizeTokens), got %d", cfg.Chunking.OverlapTokens)
	}

	// Vector store
	oneOf("vectorStore.driver", validDrivers, cfg.VectorStore.Driver)
	if cfg.VectorStore.Driver == "postgres" && cfg.VectorStore.DSN == "" {
		add("vectorStore.dsn", "required when driver is postgres")
	}

	// Session
	if cfg.Session.MonitorIntervalMs < 0 {
		add("session.monitorIntervalMs", "must not be negative, got %d", cfg.Session.MonitorIntervalMs)
	}
	oneOf("session.historyStore", validHistoryStores, cfg.Session.HistoryStore)
	if cfg.Session.MaxHistoryMessages < 0 {
		add("session.maxHistoryMessages", "must not be negative, got %d", cfg.Session.MaxHistoryMessages)
	}

	// Agent
	if cfg.Agent.MaxToolIterations < 1 {
		add("agent.maxToolIterations", "must be at least 1, got %d", cfg.Agent.MaxToolIterations)
	}

	// Logging
	oneOf("logging.level", validLogLevels, cfg.Logging.Level)
	oneOf("logging.consoleStyle", validConsoleStyles, cfg.Logging.ConsoleStyle)

	// Hooks
	checkHooks := func(name string, entries []HookEntry) {
		for i, h := range entries {
			path := fmt.Sprintf("hooks.%s[%d]", name, i)
			if strings.TrimSpace(h.Command) == "" {
				add(path+".command", "command is required")
			}
			if h.Timeout < 0 {
				add(path+".timeout", "must not be negative, got %d", h.Timeout)
			}
		}
	}
	checkHooks("sessionStart", cfg.Hooks.SessionStart)
	checkHooks("sessionEnd", cfg.Hooks.SessionEnd)
	checkHooks("documentIngested", cfg.Hooks.DocumentIngested)

	return issues
}

func isOllamaModel(m string) bool {
	name, ok := strings.CutPrefix(m, "ollama:")
	return ok && name != ""
}
