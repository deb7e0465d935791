package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to the OpenAI chat completions API, or any server that
// speaks it when a base URL is given.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI chat client. baseURL may be empty.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAIClient) Name() string { return "openai" }

func (o *OpenAIClient) request(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	out := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// Complete sends a non-streaming chat completion.
func (o *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, o.request(req, false))
	if err != nil {
		return nil, o.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: o.Name(), Message: "no choices in response"}
	}
	return &CompletionResponse{
		Content:    resp.Choices[0].Message.Content,
		StopReason: string(resp.Choices[0].FinishReason),
		Model:      resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Duration: time.Since(start),
	}, nil
}

// Stream sends a streaming chat completion and relays content deltas.
func (o *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	start := time.Now()
	stream, err := o.client.CreateChatCompletionStream(ctx, o.request(req, true))
	if err != nil {
		return nil, o.wrapErr(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()

		var (
			full  strings.Builder
			final = &CompletionResponse{Model: o.model}
		)
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: EventError, Error: o.wrapErr(err).Error()})
				return
			}
			if chunk.Usage != nil {
				final.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
			}
			if chunk.Model != "" {
				final.Model = chunk.Model
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				final.StopReason = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if !send(ctx, ch, StreamEvent{Type: EventDelta, Content: choice.Delta.Content}) {
				return
			}
		}
		final.Content = full.String()
		final.Duration = time.Since(start)
		send(ctx, ch, StreamEvent{Type: EventDone, Response: final})
	}()
	return ch, nil
}

func (o *OpenAIClient) wrapErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: o.Name(), Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: o.Name(), Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Provider: o.Name(), Message: err.Error()}
}
