package providers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrExternalService marks failures of detection and translation backends.
// Callers degrade to a fallback instead of surfacing these to users.
var ErrExternalService = errors.New("external service failure")

type Detector interface {
	// Detect returns the dominant ISO 639-1 code of the samples.
	Detect(ctx context.Context, samples []string) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

func DetectionPrompt(samples []string) string {
	var b strings.Builder
	b.WriteString("Analyze these messages and identify the dominant language (ISO 639-1 code):\n")
	for _, s := range samples {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(s, "\n", " "))
		b.WriteString("\n")
	}
	b.WriteString("Respond ONLY with the 2-letter language code.")
	return b.String()
}

var (
	codeWordRe = regexp.MustCompile(`(?i)\b[a-z]{2}\b`)
	codeAnyRe  = regexp.MustCompile(`(?i)[a-z]{2}`)
)

// ExtractLanguageCode pulls a two-letter code out of a free-form model reply.
func ExtractLanguageCode(reply string) (string, error) {
	s := strings.TrimSpace(reply)
	m := codeWordRe.FindString(s)
	if m == "" {
		m = codeAnyRe.FindString(s)
	}
	if m == "" {
		return "", fmt.Errorf("%w: no language code in reply %q", ErrExternalService, truncate(s, 64))
	}
	return strings.ToLower(m), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
