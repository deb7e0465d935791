package embedder

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Google embeds through the Gemini embedding models.
type Google struct {
	client *genai.Client
	model  string
}

// NewGoogle creates a Google embedder.
func NewGoogle(ctx context.Context, apiKey, model string) (*Google, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google embeddings client: %w", err)
	}
	return &Google{client: client, model: model}, nil
}

func (e *Google) Model() string { return e.model }

func (e *Google) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	rsp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("google embeddings: %w", err)
	}
	if err := checkCount("google", len(texts), len(rsp.Embeddings)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(rsp.Embeddings))
	for i, emb := range rsp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("google: empty embedding at index %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

// Close releases the underlying client.
func (e *Google) Close() error {
	return e.client.Close()
}
