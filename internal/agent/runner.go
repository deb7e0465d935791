package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/retrieval"
)

const (
	// DefaultMaxToolIterations limits model calls per turn.
	DefaultMaxToolIterations = 5
	// DefaultMaxHistory is how many history messages are sent to the model.
	DefaultMaxHistory = 40
)

// FallbackAnswer ends a turn whose document search failed.
const FallbackAnswer = "I couldn't search your documents right now. Please try again."

// echoGroup is how many runes each echoed delta carries.
const echoGroup = 3

// ErrMissingSession is returned by Run and RunStream without a session id.
var ErrMissingSession = errors.New("agent: session id is required")

// RunnerConfig configures the agent runner.
type RunnerConfig struct {
	MaxTokens         int
	Temperature       *float64
	MaxToolIterations int
	MaxHistory        int
	EchoDelay         time.Duration // pause between echoed rune groups
}

// RunResult is the outcome of one conversational turn.
type RunResult struct {
	Response  string            `json:"response"`
	SessionID domain.SessionID  `json:"sessionId"`
	Model     string            `json:"model,omitempty"`
	Usage     llm.Usage         `json:"usage"`
	Duration  time.Duration     `json:"duration"`
	ToolCalls []domain.ToolCall `json:"toolCalls,omitempty"`
	Fallback  bool              `json:"fallback,omitempty"`
}

// StreamCallback receives the "delta" events of RunStream.
type StreamCallback func(event llm.StreamEvent)

// Completer is the part of an LLM client the runner needs. FailoverClient
// implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error)
}

// Runner is the agent orchestration loop of one session: it records the
// user's message, lets the model call the session's tools, and returns the
// final answer.
type Runner struct {
	cfg      RunnerConfig
	client   Completer
	sessions SessionStore
	tools    *ToolRegistry
	log      *logging.Logger
}

// NewRunner creates an agent runner.
func NewRunner(
	cfg RunnerConfig,
	client Completer,
	sessions SessionStore,
	tools *ToolRegistry,
	log *logging.Logger,
) *Runner {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Runner{
		cfg:      cfg,
		client:   client,
		sessions: sessions,
		tools:    tools,
		log:      log.Sub("agent"),
	}
}

// Run answers query within the session and returns the agent's response.
func (r *Runner) Run(ctx context.Context, sessionID domain.SessionID, query string) (*RunResult, error) {
	return r.run(ctx, sessionID, query, nil)
}

// RunStream is Run with incremental output. Text the model produces before
// any tool call is forwarded as it arrives; an answer given after tool use
// is echoed in small rune groups.
func (r *Runner) RunStream(ctx context.Context, sessionID domain.SessionID, query string, cb StreamCallback) (*RunResult, error) {
	if cb == nil {
		cb = func(llm.StreamEvent) {}
	}
	return r.run(ctx, sessionID, query, cb)
}

func (r *Runner) run(ctx context.Context, sessionID domain.SessionID, query string, cb StreamCallback) (*RunResult, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	start := time.Now()

	r.log.Info().
		Str("session", string(sessionID)).
		Int("queryLen", len(query)).
		Bool("stream", cb != nil).
		Msg("processing message")

	r.sessions.Append(sessionID, domain.Message{
		Role:      domain.RoleUser,
		Content:   query,
		Timestamp: time.Now(),
	})

	system := BuildSystemPrompt(PromptConfig{Tools: r.tools.Definitions()})
	result := &RunResult{SessionID: sessionID}

	var (
		final     string
		pending   bool
		toolsUsed bool
		streamed  string // text forwarded live during the first call
	)

	for i := 0; i < r.cfg.MaxToolIterations; i++ {
		req := llm.CompletionRequest{
			System:      system,
			Messages:    trimHistory(r.sessions.History(sessionID, r.cfg.MaxHistory)),
			MaxTokens:   r.cfg.MaxTokens,
			Temperature: r.cfg.Temperature,
		}

		var (
			resp *llm.CompletionResponse
			err  error
		)
		if cb == nil {
			resp, err = r.client.Complete(ctx, req)
		} else {
			var fwd string
			resp, fwd, err = r.stream(ctx, req, cb, !toolsUsed)
			streamed += fwd
		}
		if err != nil {
			return nil, fmt.Errorf("LLM completion: %w", err)
		}

		result.Usage.Add(resp.Usage)
		if resp.Model != "" {
			result.Model = resp.Model
		}
		final = resp.Content

		calls := parseToolCalls(resp.Content)
		if len(calls) == 0 {
			pending = false
			break
		}
		pending = true

		r.log.Info().Str("session", string(sessionID)).Int("toolCalls", len(calls)).Msg("executing tool calls")

		results := r.executeToolCalls(ctx, calls)
		records := make([]domain.ToolCall, len(results))
		for j, tr := range results {
			records[j] = tr.record()
		}
		result.ToolCalls = append(result.ToolCalls, records...)

		// Record the assistant's response (with tool calls)
		r.sessions.Append(sessionID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			Timestamp: time.Now(),
			ToolCalls: records,
		})

		if err := retrievalFailure(results); err != nil {
			r.log.Warn().Err(err).Str("session", string(sessionID)).Msg("document search failed, answering with fallback")
			result.Fallback = true
			return r.finish(ctx, result, FallbackAnswer, "", streamed != "", cb, start), nil
		}

		// Append tool results as a follow-up message
		r.sessions.Append(sessionID, domain.Message{
			Role:      domain.RoleUser,
			Content:   formatToolResults(results),
			Timestamp: time.Now(),
		})
		toolsUsed = true
	}

	if pending {
		r.log.Warn().Str("session", string(sessionID)).Int("limit", r.cfg.MaxToolIterations).Msg("tool iteration limit reached")
	}

	clean := stripToolCalls(final, r.log)
	if clean == "" {
		clean = RefusalAnswer
	}
	if toolsUsed {
		// the live text belonged to an earlier model call
		return r.finish(ctx, result, clean, "", streamed != "", cb, start), nil
	}
	return r.finish(ctx, result, clean, streamed, false, cb, start), nil
}

// finish records the answer, echoes what the client has not seen yet and
// fills in the result.
func (r *Runner) finish(ctx context.Context, result *RunResult, answer, streamed string, separate bool, cb StreamCallback, start time.Time) *RunResult {
	r.sessions.Append(result.SessionID, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   answer,
		Timestamp: time.Now(),
	})

	if cb != nil {
		rest := answer
		if seen := strings.TrimSpace(streamed); seen != "" {
			rest = ""
			if strings.HasPrefix(answer, seen) {
				rest = answer[len(seen):]
			}
		}
		if separate && rest != "" {
			cb(llm.StreamEvent{Type: llm.EventDelta, Content: "\n\n"})
		}
		r.echo(ctx, rest, cb)
	}

	result.Response = answer
	result.Duration = time.Since(start)

	r.log.Info().
		Str("session", string(result.SessionID)).
		Str("model", result.Model).
		Int("inputTokens", result.Usage.InputTokens).
		Int("outputTokens", result.Usage.OutputTokens).
		Int("toolCalls", len(result.ToolCalls)).
		Dur("duration", result.Duration).
		Msg("response generated")
	return result
}

// stream runs one streaming completion. With live set, text is forwarded
// up to the first code fence; the forwarded text is returned.
func (r *Runner) stream(ctx context.Context, req llm.CompletionRequest, cb StreamCallback, live bool) (*llm.CompletionResponse, string, error) {
	ch, err := r.client.Stream(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var (
		full strings.Builder
		sent int
		resp *llm.CompletionResponse
	)
	forward := func(final bool) {
		if !live {
			return
		}
		s := full.String()
		if n := forwardable(s, final); n > sent {
			cb(llm.StreamEvent{Type: llm.EventDelta, Content: s[sent:n]})
			sent = n
		}
	}

	for evt := range ch {
		switch evt.Type {
		case llm.EventDelta:
			full.WriteString(evt.Content)
			forward(false)
		case llm.EventDone:
			resp = evt.Response
		case llm.EventError:
			return nil, "", fmt.Errorf("stream error: %s", evt.Error)
		}
	}
	forward(true)

	content := full.String()
	if resp == nil {
		resp = &llm.CompletionResponse{Content: content}
	} else if resp.Content == "" {
		resp.Content = content
	}
	return resp, content[:sent], nil
}

// forwardable returns how much of s can be shown before tool-call parsing:
// everything before the first fence, holding back a trailing partial fence
// unless the stream is complete.
func forwardable(s string, final bool) int {
	if i := strings.Index(s, "```"); i >= 0 {
		return i
	}
	if final {
		return len(s)
	}
	switch {
	case strings.HasSuffix(s, "``"):
		return len(s) - 2
	case strings.HasSuffix(s, "`"):
		return len(s) - 1
	}
	return len(s)
}

// echo emits text as deltas of a few runes each.
func (r *Runner) echo(ctx context.Context, text string, cb StreamCallback) {
	runes := []rune(text)
	for i := 0; i < len(runes); i += echoGroup {
		if ctx.Err() != nil {
			return
		}
		cb(llm.StreamEvent{Type: llm.EventDelta, Content: string(runes[i:min(i+echoGroup, len(runes))])})
		if r.cfg.EchoDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.EchoDelay):
			}
		}
	}
}

// trimHistory drops leading non-user messages left over from truncation so
// the conversation always opens with the user.
func trimHistory(msgs []llm.Message) []llm.Message {
	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}

// toolCall is a parsed tool invocation from the LLM response.
type toolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// toolResult holds the output from executing a tool.
type toolResult struct {
	Tool   string
	Input  string
	Output string
	Err    error
}

func (tr toolResult) record() domain.ToolCall {
	out := tr.Output
	if tr.Err != nil {
		out = "error: " + tr.Err.Error()
	}
	return domain.ToolCall{ID: uuid.NewString(), Name: tr.Tool, Input: tr.Input, Output: out}
}

func retrievalFailure(results []toolResult) error {
	for _, tr := range results {
		var rerr *retrieval.RetrievalError
		if errors.As(tr.Err, &rerr) {
			return rerr
		}
	}
	return nil
}

// toolCallRe matches ```tool_call\n{...}\n``` blocks in LLM output.
var toolCallRe = regexp.MustCompile("(?s)```tool_call\\s*\n(\\{.*?\\})\n\\s*```")

// xmlFuncCallRe matches <function_calls>...</function_calls> XML blocks in LLM output.
var xmlFuncCallRe = regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`)

// xmlBlockLevelRe matches self-contained XML blocks that LLMs emit for tool use
// (block-level, replaced with paragraph break).
var xmlBlockLevelRe = regexp.MustCompile(`(?s)(?:` +
	`<invoke\b[^>]*>.*?</invoke>` +
	`|<tool_call\b[^>]*>.*?</tool_call>` +
	`|<tool_use\b[^>]*>.*?</tool_use>` +
	`)`)

// xmlInlineTagRe matches parameter tags, with leading blanks, that can
// appear inline within text.
var xmlInlineTagRe = regexp.MustCompile(`(?s)[ \t]*<parameter\b[^>]*>.*?</parameter>`)

// whitespaceLineRe matches lines containing only horizontal whitespace.
var whitespaceLineRe = regexp.MustCompile(`(?m)^[ \t]+$`)

// blankLineCollapseRe collapses 3+ consecutive newlines to a single blank line.
var blankLineCollapseRe = regexp.MustCompile(`\n{3,}`)

// parseToolCalls extracts tool_call blocks from LLM response text.
func parseToolCalls(text string) []toolCall {
	matches := toolCallRe.FindAllStringSubmatch(text, -1)
	var calls []toolCall
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		var tc toolCall
		if err := json.Unmarshal([]byte(match[1]), &tc); err != nil {
			continue
		}
		if tc.Tool != "" {
			calls = append(calls, tc)
		}
	}
	return calls
}

// executeToolCalls runs each tool and returns results.
func (r *Runner) executeToolCalls(ctx context.Context, calls []toolCall) []toolResult {
	var results []toolResult
	for _, tc := range calls {
		input := string(tc.Input)
		tool, ok := r.tools.Get(tc.Tool)
		if !ok {
			results = append(results, toolResult{
				Tool:  tc.Tool,
				Input: input,
				Err:   fmt.Errorf("unknown tool: %s", tc.Tool),
			})
			continue
		}

		r.log.Debug().Str("tool", tc.Tool).Msg("executing tool")
		output, err := tool.Execute(ctx, input)
		results = append(results, toolResult{
			Tool:   tc.Tool,
			Input:  input,
			Output: output,
			Err:    err,
		})
	}
	return results
}

// formatToolResults renders tool execution results for the LLM.
func formatToolResults(results []toolResult) string {
	var b strings.Builder
	b.WriteString("Tool execution results:\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "### %s\n", r.Tool)
		if r.Err != nil {
			fmt.Fprintf(&b, "Error: %s\n", r.Err)
		} else {
			b.WriteString(r.Output)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// stripToolCalls removes tool_call blocks and XML tool-use markup from the
// response, leaving surrounding text and ordinary code blocks. Stripped XML
// blocks are logged so they remain visible for debugging.
func stripToolCalls(text string, log *logging.Logger) string {
	// Block-level elements are replaced with a paragraph break so
	// surrounding text stays visually separated. Inline tags are dropped.
	cleaned := toolCallRe.ReplaceAllString(text, "\n\n")

	xmlMatches := xmlFuncCallRe.FindAllString(cleaned, -1)
	if len(xmlMatches) > 0 && log != nil {
		for _, m := range xmlMatches {
			log.Info().Str("xml", m).Msg("stripped XML function_calls from LLM response")
		}
	}
	cleaned = xmlFuncCallRe.ReplaceAllString(cleaned, "\n\n")
	cleaned = xmlBlockLevelRe.ReplaceAllString(cleaned, "\n\n")
	cleaned = xmlInlineTagRe.ReplaceAllString(cleaned, "")

	cleaned = whitespaceLineRe.ReplaceAllString(cleaned, "")
	cleaned = blankLineCollapseRe.ReplaceAllString(cleaned, "\n\n")

	return strings.TrimSpace(cleaned)
}
