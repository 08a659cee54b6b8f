// Package llm declares the provider-agnostic contract the turn pipeline,
// recap compactor, and structured-extraction worker call through. It owns
// no provider implementations — those are injected by cmd/loomweave after
// reading internal/config.LLMConfig, the way an external collaborator is
// wired into a system that only depends on its interface.
//
// Narrowed from hector's pkg/llms.LLMProvider: no tool-calling or
// streaming surface, since turn generation and the background extraction
// workers only ever need a single request/response round trip.
package llm

import (
	"context"
	"strings"
)

// Message is one turn of a provider-facing conversation.
type Message struct {
	Role    string
	Content string
}

// Usage records token accounting for one call, for internal/logging and
// for a future per-story usage ledger.
type Usage struct {
	Provider     string
	Model        string
	PromptTokens int
	OutputTokens int
	TotalTokens  int
}

// Response is the result of one Generate call.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the contract every LLM provider adapter implements.
type Client interface {
	// Generate runs one non-streaming completion over messages.
	Generate(ctx context.Context, messages []Message) (Response, error)
	// ModelName identifies the backing model, for logging and usage records.
	ModelName() string
}

// ErrorMarker prefixes the response text a provider adapter returns in
// place of raising a Go error, for failures the caller should treat as
// narrative content rather than a transport fault (timeout, empty
// response, auth failure surfaced mid-stream). A non-streaming caller
// that sees a response starting with this marker has a provider failure
// on its hands even though Generate returned a nil error.
const ErrorMarker = "【系統錯誤】"

// IsProviderError reports whether text is a provider-adapter error
// response rather than genuine GM narration.
func IsProviderError(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), ErrorMarker)
}

// GMError wraps a provider failure surfaced through response text instead
// of a Go error. The turn pipeline raises this after rolling back the
// user message that triggered the failed generation, so a caller driving
// unattended turns (the auto-play loop) can unwind and retry the same
// action instead of leaving an orphaned, unanswered message in the
// timeline.
type GMError struct {
	Text string
}

func (e *GMError) Error() string { return e.Text }

// Oneshot sends a single user-role prompt (optionally preceded by a system
// message) and returns the client's Response and error unchanged. The text
// is not trimmed; callers trim it and decide what an empty reply means.
func Oneshot(ctx context.Context, client Client, systemPrompt, prompt string) (Response, error) {
	var messages []Message
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})
	return client.Generate(ctx, messages)
}
