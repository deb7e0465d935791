package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient is a direct HTTP client for the Ollama chat API.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient creates a new Ollama client.
// baseURL should be like "http://localhost:11434"; empty means that default.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Name returns the provider name.
func (o *OllamaClient) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

func (o *OllamaClient) body(req CompletionRequest, stream bool) ([]byte, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	r := ollamaChatRequest{Model: o.model, Messages: msgs, Stream: stream}
	if req.Temperature != nil || req.MaxTokens > 0 {
		r.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return json.Marshal(r)
}

func (o *OllamaClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ProviderError{Provider: o.Name(), Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{Provider: o.Name(), Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// Complete sends a non-streaming chat request.
func (o *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	payload, err := o.body(req, false)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := o.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: o.Name(), Message: "failed to parse response: " + err.Error()}
	}
	if result.Error != "" {
		return nil, &ProviderError{Provider: o.Name(), Message: result.Error}
	}
	return &CompletionResponse{
		Content:    result.Message.Content,
		StopReason: result.DoneReason,
		Model:      o.model,
		Usage:      Usage{InputTokens: result.PromptEvalCount, OutputTokens: result.EvalCount},
		Duration:   time.Since(start),
	}, nil
}

// Stream sends a streaming chat request. Ollama answers with one JSON
// object per line.
func (o *OllamaClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	payload, err := o.body(req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := o.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	eventChan := make(chan StreamEvent)
	go o.readStream(ctx, resp.Body, eventChan)
	return eventChan, nil
}

func (o *OllamaClient) readStream(ctx context.Context, body io.ReadCloser, eventChan chan StreamEvent) {
	defer close(eventChan)
	defer body.Close()

	start := time.Now()
	final := &CompletionResponse{Model: o.model}
	var fullContent strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event.Error != "" {
			send(ctx, eventChan, StreamEvent{Type: EventError, Error: event.Error})
			return
		}
		if event.Message.Content != "" {
			fullContent.WriteString(event.Message.Content)
			if !send(ctx, eventChan, StreamEvent{Type: EventDelta, Content: event.Message.Content}) {
				return
			}
		}
		if event.Done {
			final.StopReason = event.DoneReason
			final.Usage = Usage{InputTokens: event.PromptEvalCount, OutputTokens: event.EvalCount}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, eventChan, StreamEvent{Type: EventError, Error: fmt.Sprintf("stream read failed: %v", err)})
		return
	}

	final.Content = fullContent.String()
	final.Duration = time.Since(start)
	send(ctx, eventChan, StreamEvent{Type: EventDone, Response: final})
}
