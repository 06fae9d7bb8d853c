// Package llm defines the LLMProvider contract used by everything that
// calls out to a language model: task decomposition, code generation, and
// HAP-adjacent classification prompts. Concrete providers live in
// pkg/llm/anthropic and pkg/llm/bedrock.
package llm

import (
	"context"
	"time"
)

// Request is a single completion request. It intentionally mirrors a
// plain chat-completion shape rather than any one provider's native
// format — each Provider implementation translates it.
type Request struct {
	SystemPrompt string
	Prompt       string
	Model        string
	Temperature  float32
	MaxTokens    int
}

// Response is a completion result plus the usage accounting the Resource
// Governor needs to reconcile its tpm window (spec §4.1's release(permit,
// actual_tokens)).
type Response struct {
	Content      string
	Model        string
	PromptTokens int
	OutputTokens int
	Latency      time.Duration
}

// Provider is the contract every LLM backend implements.
type Provider interface {
	// Name identifies the provider for governor/breaker keys, e.g.
	// "llm:anthropic" or "llm:bedrock".
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// TaskGraphAdapter adapts a Provider down to taskgraph.LLMClient's single-
// string-in, single-string-out shape used for decomposition prompts.
type TaskGraphAdapter struct {
	Provider Provider
	Model    string
}

func (a TaskGraphAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := a.Provider.Complete(ctx, Request{Prompt: prompt, Model: a.Model, MaxTokens: 4096})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
