package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/httpclient"
	"github.com/loomweave/loomweave/pkg/llm"
)

// httpDoer is satisfied by both *http.Client and *httpclient.Client, so the
// provider adapters below get retry/backoff/rate-limit handling without
// depending on the concrete wrapper type.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// newLLMClient builds the concrete provider adapter cfg.LLM selects.
// pkg/llm owns only the Client contract; the adapters live here because
// they are the thing that gets "injected", the same separation hector
// draws between pkg/llms and the cmd/hector flags that pick a provider.
func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider requires an api key")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.anthropic.com"
		}
		return &anthropicClient{apiKey: cfg.APIKey, model: model, baseURL: baseURL, http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		)}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an api key")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return &openAIClient{apiKey: cfg.APIKey, model: model, baseURL: baseURL, http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		)}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// anthropicClient is a narrowed port of hector's pkg/llms.AnthropicProvider:
// one non-streaming /v1/messages round trip, no tool-calling support since
// the turn pipeline never asks for one.
type anthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	http    httpDoer
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *anthropicClient) ModelName() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	var system string
	var converted []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		converted = append(converted, anthropicMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		Messages:  converted,
		MaxTokens: 4096,
		System:    system,
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		return errorResponse("anthropic: request failed: %v", err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse("anthropic: failed to read response: %v", err), nil
	}

	if resp.StatusCode != http.StatusOK {
		return errorResponse("anthropic: request failed with status %d: %s", resp.StatusCode, string(raw)), nil
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errorResponse("anthropic: failed to decode response: %v", err), nil
	}
	if parsed.Error != nil {
		return errorResponse("anthropic: %s", parsed.Error.Message), nil
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return errorResponse("anthropic: empty response"), nil
	}

	return llm.Response{
		Text: text,
		Usage: llm.Usage{
			Provider:     "anthropic",
			Model:        c.model,
			PromptTokens: parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// openAIClient speaks the OpenAI-compatible chat-completions wire format,
// which also covers any OpenAI-compatible gateway a base-url override
// points at.
type openAIClient struct {
	apiKey  string
	model   string
	baseURL string
	http    httpDoer
}

type openAIRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) ModelName() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	converted := make([]openAIChatMessage, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, openAIChatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(openAIRequest{Model: c.model, Messages: converted})
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		return errorResponse("openai: request failed: %v", err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse("openai: failed to read response: %v", err), nil
	}

	if resp.StatusCode != http.StatusOK {
		return errorResponse("openai: request failed with status %d: %s", resp.StatusCode, string(raw)), nil
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errorResponse("openai: failed to decode response: %v", err), nil
	}
	if parsed.Error != nil {
		return errorResponse("openai: %s", parsed.Error.Message), nil
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return errorResponse("openai: empty response"), nil
	}

	return llm.Response{
		Text: parsed.Choices[0].Message.Content,
		Usage: llm.Usage{
			Provider:     "openai",
			Model:        c.model,
			PromptTokens: parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// errorResponse builds a provider-failure Response carrying llm.ErrorMarker
// instead of returning a Go error, so turn.Pipeline and pkg/autoplay's
// retry logic see it as narrative content to roll back and retry rather
// than a transport fault the caller must special-case.
func errorResponse(format string, args ...any) llm.Response {
	return llm.Response{Text: llm.ErrorMarker + " " + fmt.Sprintf(format, args...)}
}
