// Package llm sends fully built prompts to a hosted language model and
// returns the raw completion text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEmptyCompletion = errors.New("model returned an empty completion")

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	// Provider is openai, azure or gemini.
	Provider string
	// CallShape is chat or completion; ignored for gemini.
	CallShape   string
	BaseURL     string
	APIKey      string
	APIVersion  string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func New(ctx context.Context, cfg Config) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return NewOpenAICompleter(cfg)
	case "azure":
		cfg.Provider = "azure"
		return NewOpenAICompleter(cfg)
	case "gemini":
		return NewGeminiCompleter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}

// Func adapts a plain function to Completer.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
