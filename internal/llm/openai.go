package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"tasksmith/internal/logging"
)

// OpenAIClient implements Client against the OpenAI API or any
// OpenAI-compatible endpoint via a custom base URL.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClient creates a new OpenAI client. baseURL may be empty
// for the official API.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   "gpt-4o",
		timeout: 120 * time.Second,
	}
}

// SetModel overrides the default model.
func (c *OpenAIClient) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

// SetTimeout sets the default per-request timeout.
func (c *OpenAIClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Chat sends a prompt and returns the completion.
func (c *OpenAIClient) Chat(ctx context.Context, prompt string) (string, error) {
	return c.ChatWithSystem(ctx, "", prompt)
}

// ChatWithSystem sends a prompt with a system message.
func (c *OpenAIClient) ChatWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Apply default timeout if caller hasn't set a deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	start := time.Now()
	logging.LLMDebug("openai request: model=%s prompt_len=%d", c.model, len(userPrompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(8192),
	})
	if err != nil {
		logging.LLMError("openai request failed after %v: %v", time.Since(start), err)
		logging.Audit().LLMCall("openai", 0, time.Since(start).Milliseconds(), false, err.Error())
		return "", fmt.Errorf("OpenAI request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("OpenAI returned empty response")
	}

	logging.LLM("openai response: model=%s response_len=%d duration=%v", c.model, len(content), time.Since(start))
	logging.Audit().LLMCall("openai", len(content), time.Since(start).Milliseconds(), true, "")
	return content, nil
}
