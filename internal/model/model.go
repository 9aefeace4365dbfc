package model

import (
	"context"
	"errors"

	"github.com/stupiduntilnot/ollagram/internal/session"
)

// ErrEmptyCompletion reports a well-formed completion without any text.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Catalog lists the models installed on the inference backend.
type Catalog interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Completer runs a non-streaming chat completion.
type Completer interface {
	ChatCompletion(ctx context.Context, model string, messages []session.Turn) (CompletionResponse, error)
}

// Provider is the inference backend abstraction used by the bot.
type Provider interface {
	Catalog
	Completer
}
