// Package llm defines the generation collaborator used for chat answers and
// image descriptions, and its Anthropic Messages API implementation.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrTimeout marks a generation call that ran past its per-call deadline
	// while the caller's context was still live.
	ErrTimeout = errors.New("generation timed out")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("no text in model response")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one piece of message content: text, or a base64-encoded image
// when MediaType is set.
type Block struct {
	Text      string
	ImageData string
	MediaType string
}

// IsImage reports whether the block carries an image.
func (b Block) IsImage() bool { return b.MediaType != "" }

type Message struct {
	Role   Role
	Blocks []Block
}

// UserText returns a user message with a single text block.
func UserText(s string) Message {
	return Message{Role: RoleUser, Blocks: []Block{{Text: s}}}
}

// AssistantText returns an assistant message with a single text block.
func AssistantText(s string) Message {
	return Message{Role: RoleAssistant, Blocks: []Block{{Text: s}}}
}

// Request is a single generation call. Zero Model and MaxTokens fall back to
// the client's configured values.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Generator produces a text completion for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
