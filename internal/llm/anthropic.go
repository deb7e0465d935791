package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 1024

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates an Anthropic client. baseURL may be empty.
func NewAnthropicClient(apiKey, model, baseURL string) *AnthropicClient {
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: model}
}

func (a *AnthropicClient) Name() string { return "anthropic" }

func (a *AnthropicClient) params(req CompletionRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		default:
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	if req.System != "" {
		system = append([]anthropic.TextBlockParam{{Text: req.System}}, system...)
	}

	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  msgs,
	}
	if req.Temperature != nil {
		p.Temperature = anthropic.Float(*req.Temperature)
	}
	return p
}

// Complete sends a Messages request and joins the returned text blocks.
func (a *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	rsp, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return nil, a.wrapErr(err)
	}

	var b strings.Builder
	for _, content := range rsp.Content {
		if text, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return &CompletionResponse{
		Content:    b.String(),
		StopReason: string(rsp.StopReason),
		Model:      string(rsp.Model),
		Usage: Usage{
			InputTokens:  int(rsp.Usage.InputTokens),
			OutputTokens: int(rsp.Usage.OutputTokens),
		},
		Duration: time.Since(start),
	}, nil
}

// Stream completes the request and delivers the answer as a single delta.
func (a *AnthropicClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	resp, err := a.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return singleShot(resp), nil
}

func (a *AnthropicClient) wrapErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: a.Name(), Code: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return &ProviderError{Provider: a.Name(), Message: err.Error()}
}
