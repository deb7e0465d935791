package agent

import (
	"fmt"
	"strings"
	"time"
)

// SystemPrompt restricts answers to retrieved context.
const SystemPrompt = `You're a helpful chat assistant. You help users find answers based on documents you
receive using document_retriever tool. Your answers must contain facts solely based on
the context of this conversation. If provided context is irrelevant to user's question
reply "Sorry, I can't answer this question." and stop.`

// RefusalAnswer is the reply the prompt prescribes for unanswerable questions.
const RefusalAnswer = "Sorry, I can't answer this question."

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	Tools []ToolDef
	Now   time.Time
}

// BuildSystemPrompt constructs the system prompt for the LLM.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	b.WriteString(SystemPrompt)
	b.WriteString("\n\n")

	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&b, "Current date: %s\n", now.Format("2006-01-02"))

	// Tool definitions
	if len(cfg.Tools) > 0 {
		b.WriteString("\n## Available Tools\n\n")
		b.WriteString("You can call tools by outputting a fenced code block with the language tag `tool_call`:\n\n")
		b.WriteString("```tool_call\n{\"tool\": \"tool_name\", \"input\": {\"param\": \"value\"}}\n```\n\n")
		b.WriteString("After a tool is executed, the result will be provided. Call document_retriever before answering a question about the documents.\n\n")
		for _, t := range cfg.Tools {
			fmt.Fprintf(&b, "### %s\n%s\n", t.Name, t.Description)
			if t.InputSchema != "" {
				fmt.Fprintf(&b, "Input schema: %s\n", t.InputSchema)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}
