package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"tasksmith/internal/logging"
)

// GeminiClient implements Client using Google's Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:  client,
		model:   "gemini-2.5-flash",
		timeout: 120 * time.Second,
	}, nil
}

// SetModel overrides the default model.
func (c *GeminiClient) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

// SetTimeout sets the default per-request timeout.
func (c *GeminiClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Chat sends a prompt and returns the completion.
func (c *GeminiClient) Chat(ctx context.Context, prompt string) (string, error) {
	return c.ChatWithSystem(ctx, "", prompt)
}

// ChatWithSystem sends a prompt with a system instruction.
func (c *GeminiClient) ChatWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Apply default timeout if caller hasn't set a deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}

	genCfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	start := time.Now()
	logging.LLMDebug("gemini request: model=%s prompt_len=%d", c.model, len(userPrompt))

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		logging.LLMError("gemini request failed after %v: %v", time.Since(start), err)
		logging.Audit().LLMCall("gemini", 0, time.Since(start).Milliseconds(), false, err.Error())
		return "", fmt.Errorf("Gemini request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("Gemini returned empty response")
	}

	logging.LLM("gemini response: model=%s response_len=%d duration=%v", c.model, len(text), time.Since(start))
	logging.Audit().LLMCall("gemini", len(text), time.Since(start).Milliseconds(), true, "")
	return text, nil
}

// Close releases the underlying client.
func (c *GeminiClient) Close() error {
	return nil
}
