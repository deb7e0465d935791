package agent

import (
	"context"

	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/logging"
)

// FailoverClient wraps an LLM registry to try fallback endpoints on failure.
type FailoverClient struct {
	registry  *llm.Registry
	primary   string
	fallbacks []string
	log       *logging.Logger
}

// NewFailoverClient creates a client that tries the registry's primary
// endpoint first, then its fallbacks in order on retryable errors.
func NewFailoverClient(registry *llm.Registry, log *logging.Logger) *FailoverClient {
	primary, fallbacks := registry.Chain()
	return &FailoverClient{
		registry:  registry,
		primary:   primary,
		fallbacks: fallbacks,
		log:       log.Sub("failover"),
	}
}

func (f *FailoverClient) endpoints() []string {
	return append([]string{f.primary}, f.fallbacks...)
}

// Complete tries the primary endpoint, falling back on retryable errors.
func (f *FailoverClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for _, name := range f.endpoints() {
		client, err := f.registry.Resolve(name)
		if err != nil {
			f.log.Debug().Str("endpoint", name).Err(err).Msg("no provider for endpoint, skipping")
			lastErr = err
			continue
		}

		// each endpoint completes with its own configured model
		req.Model = ""
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if llm.IsRetryable(err) {
			f.log.Warn().
				Str("endpoint", name).
				Err(err).
				Msg("retryable error, trying next provider")
			continue
		}

		// Non-retryable error, don't try more providers
		return nil, err
	}

	return nil, lastErr
}

// Stream tries the primary endpoint for streaming, with failover. Only
// errors returned before the stream starts trigger failover.
func (f *FailoverClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	var lastErr error
	for _, name := range f.endpoints() {
		client, err := f.registry.Resolve(name)
		if err != nil {
			lastErr = err
			continue
		}

		req.Model = ""
		ch, err := client.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}

		lastErr = err

		if llm.IsRetryable(err) {
			f.log.Warn().
				Str("endpoint", name).
				Err(err).
				Msg("retryable stream error, trying next provider")
			continue
		}

		return nil, err
	}

	return nil, lastErr
}
