package registry

import (
	"fmt"
	"net/http"
	"time"

	"clonehost/internal/providers"
	"clonehost/internal/providers/custom_http"
	"clonehost/internal/providers/google_translate"
	"clonehost/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	URL         string
	APIKey      string
	Model       string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// BuildDetector returns nil without error for kind "none" or "".
func BuildDetector(opts BuildOptions) (providers.Detector, error) {
	switch opts.Kind {
	case "", "none":
		return nil, nil
	case "openai", "openai_compat", "openai-compatible":
		return openai_compat.New(openai_compat.Config{
			BaseURL:    opts.URL,
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			HTTPClient: opts.HTTPClient,
		}), nil
	case "custom_http", "custom-http":
		return custom_http.New(custom_http.Config{
			URL:         opts.URL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported detector kind %q", opts.Kind)
	}
}

// BuildTranslator returns nil without error for kind "none" or "".
func BuildTranslator(opts BuildOptions) (providers.Translator, error) {
	switch opts.Kind {
	case "", "none":
		return nil, nil
	case "google":
		return google_translate.New(google_translate.Config{
			URL:         opts.URL,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil
	case "openai", "openai_compat", "openai-compatible":
		return openai_compat.New(openai_compat.Config{
			BaseURL:    opts.URL,
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			HTTPClient: opts.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported translator kind %q", opts.Kind)
	}
}
