package google_translate

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

const defaultURL = "https://translate.googleapis.com/translate_a/single"

type Config struct {
	URL         string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Client uses the public gtx translate endpoint with automatic source
// language detection.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = defaultURL
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

var _ providers.Translator = (*Client)(nil)

func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	endpoint, err := c.buildURL(text, target)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		out, retry, err := c.callOnce(ctx, endpoint)
		if err == nil {
			return out, nil
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

func (c *Client) buildURL(text, target string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse translate url: %w", err)
	}
	q := u.Query()
	q.Set("client", "gtx")
	q.Set("sl", "auto")
	q.Set("tl", target)
	q.Set("dt", "t")
	q.Set("q", text)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) callOnce(ctx context.Context, endpoint string) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("build translate request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("translate request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, fmt.Errorf("read translate response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("translate temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("translate status %d", resp.StatusCode)
	}

	text, err = parseSegments(b)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

// parseSegments joins the translated chunks of a response shaped like
// [[["hola","hello",...],...],...].
func parseSegments(body []byte) (string, error) {
	var root []any
	if err := json.Unmarshal(body, &root); err != nil {
		return "", fmt.Errorf("decode translate response: %w", err)
	}
	if len(root) == 0 {
		return "", fmt.Errorf("empty translate response")
	}
	segments, ok := root[0].([]any)
	if !ok {
		return "", fmt.Errorf("unexpected translate response shape")
	}

	var b strings.Builder
	for _, seg := range segments {
		parts, ok := seg.([]any)
		if !ok || len(parts) == 0 {
			continue
		}
		if s, ok := parts[0].(string); ok {
			b.WriteString(s)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("translate response has no text")
	}
	return b.String(), nil
}
