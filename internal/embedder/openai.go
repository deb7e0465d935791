package embedder

import (
	"context"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// OpenAI embeds through the OpenAI embeddings endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI embedder. baseURL may be empty for the public API.
func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAI) Model() string { return e.model }

func (e *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	rsp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if err := checkCount("openai", len(texts), len(rsp.Data)); err != nil {
		return nil, err
	}

	data := rsp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("openai: empty embedding at index %d", d.Index)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
