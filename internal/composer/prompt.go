// Package composer assembles generation requests from retrieved context,
// conversation history and the user's question.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/docrag/internal/llm"
)

// SystemPrompt is sent with every chat request.
const SystemPrompt = "You are a helpful assistant that answers questions based on the provided context. Always cite your sources."

// contextSeparator joins retrieved chunk texts.
const contextSeparator = "\n\n"

// Composer builds chat requests.
type Composer struct {
	Model     string
	MaxTokens int
}

// New creates a Composer. Empty model and zero maxTokens defer to the
// generator's defaults.
func New(model string, maxTokens int) *Composer {
	return &Composer{Model: model, MaxTokens: maxTokens}
}

// Compose maps history onto alternating user/assistant messages by position,
// starting with user, and appends a final user turn carrying the joined
// context and the question. Roles are assigned by index only.
func (c *Composer) Compose(history []string, contexts []string, query string) llm.Request {
	msgs := make([]llm.Message, 0, len(history)+1)
	for i, content := range history {
		if i%2 == 0 {
			msgs = append(msgs, llm.UserText(content))
		} else {
			msgs = append(msgs, llm.AssistantText(content))
		}
	}
	msgs = append(msgs, llm.UserText(FinalTurn(JoinContext(contexts), query)))

	return llm.Request{
		Model:     c.Model,
		System:    SystemPrompt,
		Messages:  msgs,
		MaxTokens: c.MaxTokens,
	}
}

// JoinContext joins retrieved texts with a blank line.
func JoinContext(texts []string) string {
	return strings.Join(texts, contextSeparator)
}

// FinalTurn renders the last user message.
func FinalTurn(context, query string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nPlease answer the question based on the context provided. Include relevant citations in your response.", context, query)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
