package openai_compat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"clonehost/internal/providers"
)

const defaultModel = "gpt-4o-mini"

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Client serves both language detection and translation through any
// OpenAI-compatible chat completions endpoint.
type Client struct {
	client *openai.Client
	model  string
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimSuffix(base, "/")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	oc.HTTPClient = cfg.HTTPClient

	return &Client{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
	}
}

var (
	_ providers.Detector   = (*Client)(nil)
	_ providers.Translator = (*Client)(nil)
)

func (c *Client) Detect(ctx context.Context, samples []string) (string, error) {
	reply, err := c.complete(ctx, "You identify languages.", providers.DetectionPrompt(samples), 8)
	if err != nil {
		return "", err
	}
	return providers.ExtractLanguageCode(reply)
}

func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	system := fmt.Sprintf("Translate the user's message into the language with ISO 639-1 code %q. Reply with the translation only.", target)
	reply, err := c.complete(ctx, system, text, 0)
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: chat completion: %w", providers.ErrExternalService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no response choices", providers.ErrExternalService)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", providers.ErrExternalService)
	}
	return text, nil
}
