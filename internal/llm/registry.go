package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/logging"
)

// ProviderError is returned when an LLM provider fails.
type ProviderError struct {
	Provider string
	Message  string
	Code     int // HTTP status code (401, 429, 500, etc.)
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether another provider may succeed where this one
// failed. Rate limits, server errors and transport failures qualify; bad
// requests and auth failures do not.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Code == 0:
		return true
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout:
		return true
	case e.Code >= 500:
		return true
	}
	return false
}

// IsRetryable reports whether err should trigger a fallback provider.
// Cancellation is never retryable; other errors that are not
// ProviderErrors are.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return err != nil
}

// Registry manages LLM provider clients and resolves model references to clients.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]Client // endpoint name → client
	aliases   map[string]string // model alias → endpoint name
	fallback  string            // default endpoint name
	primary   string
	fallbacks []string
	log       *logging.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		aliases: make(map[string]string),
		log:     log.Sub("llm.registry"),
	}
}

// Register adds a client under the given name.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	r.log.Info().Str("provider", name).Msg("registered LLM provider")
}

// Alias maps a model name/alias to a registered name.
func (r *Registry) Alias(model, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[model] = name
}

// SetFallback sets the default client used when no name or alias matches.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Resolve returns the Client for the given model reference.
// Resolution order: exact name → alias → fallback.
func (r *Registry) Resolve(model string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[model]; ok {
		return c, nil
	}
	if name, ok := r.aliases[model]; ok {
		if c, ok := r.clients[name]; ok {
			return c, nil
		}
	}
	if r.fallback != "" {
		if c, ok := r.clients[r.fallback]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no LLM provider for model %q", model)
}

// List returns all registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetChain sets the endpoint order used for failover.
func (r *Registry) SetChain(primary string, fallbacks ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = primary
	r.fallbacks = append([]string(nil), fallbacks...)
}

// Chain returns the configured primary endpoint and its fallbacks in order.
func (r *Registry) Chain() (primary string, fallbacks []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary, append([]string(nil), r.fallbacks...)
}

// EndpointName is the registry key for a provider/model pair.
func EndpointName(provider, model string) string {
	return provider + "/" + model
}

// NewClient builds a client for a single configured endpoint.
func NewClient(ep config.LLMEndpoint) (Client, error) {
	switch ep.Provider {
	case "openai":
		if ep.APIKey == "" {
			return nil, &ProviderError{Provider: ep.Provider, Message: "api key is required"}
		}
		return NewOpenAIClient(ep.APIKey, ep.Model, ep.Endpoint), nil
	case "anthropic":
		if ep.APIKey == "" {
			return nil, &ProviderError{Provider: ep.Provider, Message: "api key is required"}
		}
		return NewAnthropicClient(ep.APIKey, ep.Model, ep.Endpoint), nil
	case "ollama":
		return NewOllamaClient(ep.Endpoint, ep.Model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", ep.Provider)
	}
}

// NewRegistryFromConfig registers the primary endpoint and every fallback.
// The primary is also the registry fallback, and each model name is aliased
// to its endpoint. Fallbacks that cannot be built are skipped with a warning.
func NewRegistryFromConfig(cfg config.LLMConfig, log *logging.Logger) (*Registry, error) {
	reg := NewRegistry(log)

	primary := config.LLMEndpoint{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		Endpoint: cfg.Endpoint,
	}
	client, err := NewClient(primary)
	if err != nil {
		return nil, fmt.Errorf("primary LLM: %w", err)
	}
	name := EndpointName(primary.Provider, primary.Model)
	reg.Register(name, client)
	reg.Alias(primary.Model, name)
	reg.SetFallback(name)
	reg.primary = name

	for _, fb := range cfg.Fallbacks {
		client, err := NewClient(fb)
		if err != nil {
			reg.log.Warn().Err(err).Str("provider", fb.Provider).Str("model", fb.Model).Msg("skipping LLM fallback")
			continue
		}
		name := EndpointName(fb.Provider, fb.Model)
		reg.Register(name, client)
		if _, taken := reg.aliases[fb.Model]; !taken {
			reg.Alias(fb.Model, name)
		}
		reg.fallbacks = append(reg.fallbacks, name)
	}
	return reg, nil
}
