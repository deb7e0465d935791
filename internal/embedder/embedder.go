// Package embedder provides the embedding functions used by the vector stores.
package embedder

import (
	"context"
	"fmt"
	"strings"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Provider identifies the service behind an embedding model.
type Provider string

const (
	ProviderOpenAI  Provider = "openai"
	ProviderGoogle  Provider = "google"
	ProviderOllama  Provider = "ollama"
	ProviderHashing Provider = "hashing"
)

// Options configures New.
type Options struct {
	Model      string
	APIKey     string
	Endpoint   string
	Dimensions int // hashing only
}

// Resolve maps a configured model name to its provider and the model id the
// provider expects. "ada" and "minilm" are accepted shorthands.
func Resolve(model string) (Provider, string, error) {
	m := strings.TrimSpace(model)
	switch {
	case m == "ada" || m == "text-embedding-ada-002":
		return ProviderOpenAI, "text-embedding-ada-002", nil
	case strings.HasPrefix(m, "text-embedding-3-"):
		return ProviderOpenAI, m, nil
	case m == "gemini":
		return ProviderGoogle, "text-embedding-004", nil
	case m == "text-embedding-004" || m == "embedding-001":
		return ProviderGoogle, m, nil
	case m == "minilm" || m == "all-minilm":
		return ProviderOllama, "all-minilm", nil
	case m == "nomic-embed-text" || m == "mxbai-embed-large":
		return ProviderOllama, m, nil
	case strings.HasPrefix(m, "ollama:") && len(m) > len("ollama:"):
		return ProviderOllama, strings.TrimPrefix(m, "ollama:"), nil
	case m == "hashing":
		return ProviderHashing, "hashing", nil
	default:
		return "", "", fmt.Errorf("embedder: unknown embedding model %q", model)
	}
}

// New builds the embedder for opts.Model.
func New(ctx context.Context, opts Options) (Embedder, error) {
	provider, model, err := Resolve(opts.Model)
	if err != nil {
		return nil, err
	}
	switch provider {
	case ProviderOpenAI:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("embedder: %s requires an OpenAI API key", model)
		}
		return NewOpenAI(opts.APIKey, model, opts.Endpoint), nil
	case ProviderGoogle:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("embedder: %s requires a Google API key", model)
		}
		return NewGoogle(ctx, opts.APIKey, model)
	case ProviderOllama:
		return NewOllama(opts.Endpoint, model), nil
	default:
		return NewHashing(opts.Dimensions), nil
	}
}

// checkCount guards against providers returning fewer vectors than inputs.
func checkCount(provider string, want, got int) error {
	if want != got {
		return fmt.Errorf("%s: expected %d embeddings, got %d", provider, want, got)
	}
	return nil
}
