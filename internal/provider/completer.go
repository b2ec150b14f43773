package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatCompleter adapts an eino chat model to the [Completer] contract. The
// prompt is sent as a single user message; no retries are attempted.
type ChatCompleter struct {
	model   model.BaseChatModel
	backend Backend
}

// NewChatCompleter wraps m. backend labels the run in tracing callbacks.
func NewChatCompleter(m model.BaseChatModel, backend Backend) *ChatCompleter {
	return &ChatCompleter{model: m, backend: backend}
}

// Complete sends prompt to the model and returns the trimmed response text.
// It returns [ErrEmptyCompletion] when the model produces no text.
func (c *ChatCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
		Name:      "ppta",
		Type:      string(c.backend),
		Component: components.ComponentOfChatModel,
	})

	msg, err := c.model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("provider: %s generate: %w", c.backend, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(msg.Content), nil
}
