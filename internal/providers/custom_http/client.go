package custom_http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clonehost/internal/providers"
)

type Config struct {
	URL         string
	APIKey      string
	Headers     map[string]string
	QueryParam  string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Client detects languages through a plain GET endpoint that takes the
// prompt as a query parameter and answers with free-form text or JSON.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.QueryParam == "" {
		cfg.QueryParam = "chat"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Detector = (*Client)(nil)

func (c *Client) Detect(ctx context.Context, samples []string) (string, error) {
	endpoint, err := c.buildURL(providers.DetectionPrompt(samples))
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, endpoint)
		if err == nil {
			return providers.ExtractLanguageCode(text)
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", providers.ErrExternalService, ctx.Err())
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return "", fmt.Errorf("%w: %w", providers.ErrExternalService, lastErr)
}

func (c *Client) buildURL(prompt string) (string, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", fmt.Errorf("%w: detection url is empty", providers.ErrExternalService)
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse detection url: %w", err)
	}
	q := u.Query()
	q.Set(c.cfg.QueryParam, prompt)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) callOnce(ctx context.Context, endpoint string) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("build detection request: %w", err)
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, fmt.Errorf("read detection response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("detection endpoint temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("detection endpoint status %d", resp.StatusCode)
	}
	return extractText(b), false, nil
}

// extractText unwraps common JSON envelopes and otherwise returns the raw body.
func extractText(body []byte) string {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"language", "lang", "text", "response", "answer", "result"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return strings.TrimSpace(string(body))
}
