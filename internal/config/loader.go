package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so keys and tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	cfg.LLM.APIKey = expandEnvVars(cfg.LLM.APIKey)
	for i := range cfg.LLM.Fallbacks {
		cfg.LLM.Fallbacks[i].APIKey = expandEnvVars(cfg.LLM.Fallbacks[i].APIKey)
	}
	cfg.Embedding.APIKey = expandEnvVars(cfg.Embedding.APIKey)
	cfg.VectorStore.DSN = expandEnvVars(cfg.VectorStore.DSN)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			applyProviderKeys(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	applyProviderKeys(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// Decode builds a Config from a raw map as LoadRaw returns it, without
// environment overrides. It is used to check an edit before saving it.
func Decode(raw map[string]any) (Config, error) {
	cfg := Defaults()
	data, err := yaml.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "invalid config: " + err.Error()}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.MaxUploadMB == 0 {
		cfg.Gateway.MaxUploadMB = d.Gateway.MaxUploadMB
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = d.LLM.Provider
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = d.LLM.Model
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = d.Embedding.Model
	}
	if cfg.Embedding.CacheTTLSeconds == 0 {
		cfg.Embedding.CacheTTLSeconds = d.Embedding.CacheTTLSeconds
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = d.Embedding.MaxRetries
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = d.Search.TopK
	}
	if cfg.Chunking.SizeTokens == 0 {
		cfg.Chunking.SizeTokens = d.Chunking.SizeTokens
	}
	if cfg.VectorStore.Driver == "" {
		cfg.VectorStore.Driver = d.VectorStore.Driver
	}
	if cfg.Session.MonitorIntervalMs == 0 {
		cfg.Session.MonitorIntervalMs = d.Session.MonitorIntervalMs
	}
	if cfg.Session.HistoryStore == "" {
		cfg.Session.HistoryStore = d.Session.HistoryStore
	}
	if cfg.Session.MaxHistoryMessages == 0 {
		cfg.Session.MaxHistoryMessages = d.Session.MaxHistoryMessages
	}
	if cfg.Agent.MaxToolIterations == 0 {
		cfg.Agent.MaxToolIterations = d.Agent.MaxToolIterations
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
}

// applyEnvOverrides reads DOCCHAT_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCCHAT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("DOCCHAT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("DOCCHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("DOCCHAT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("DOCCHAT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("DOCCHAT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DOCCHAT_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("DOCCHAT_SEARCH_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Search.TopK = k
		}
	}
	if v := os.Getenv("DOCCHAT_SEARCH_MIN_RELEVANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.MinRelevance = f
		}
	}
	if v := os.Getenv("DOCCHAT_VECTOR_STORE_DRIVER"); v != "" {
		cfg.VectorStore.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DOCCHAT_VECTOR_STORE_DSN"); v != "" {
		cfg.VectorStore.DSN = v
	}
}

// applyProviderKeys falls back to the providers' conventional key variables
// when no key was configured explicitly.
func applyProviderKeys(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKey(cfg.LLM.Provider)
	}
	for i := range cfg.LLM.Fallbacks {
		if cfg.LLM.Fallbacks[i].APIKey == "" {
			cfg.LLM.Fallbacks[i].APIKey = providerKey(cfg.LLM.Fallbacks[i].Provider)
		}
	}
	if cfg.Embedding.APIKey == "" {
		switch {
		case cfg.Embedding.Model == "gemini":
			cfg.Embedding.APIKey = os.Getenv("GOOGLE_API_KEY")
		case IsOpenAIEmbedding(cfg.Embedding.Model):
			cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

func providerKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// IsOpenAIEmbedding reports whether model names an OpenAI embedding model.
func IsOpenAIEmbedding(model string) bool {
	return model == "ada" || strings.HasPrefix(model, "text-embedding-3-") || model == "text-embedding-ada-002"
}
