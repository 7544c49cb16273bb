package registry

import (
	"testing"

	"clonehost/internal/providers/custom_http"
	"clonehost/internal/providers/google_translate"
	"clonehost/internal/providers/openai_compat"
)

func TestBuildDetector(t *testing.T) {
	d, err := BuildDetector(BuildOptions{Kind: "none"})
	if err != nil || d != nil {
		t.Fatalf("none must build nothing: %v %v", d, err)
	}
	d, err = BuildDetector(BuildOptions{Kind: "custom_http", URL: "http://x"})
	if err != nil {
		t.Fatalf("build custom_http: %v", err)
	}
	if _, ok := d.(*custom_http.Client); !ok {
		t.Fatalf("unexpected detector %T", d)
	}
	d, err = BuildDetector(BuildOptions{Kind: "openai"})
	if err != nil {
		t.Fatalf("build openai: %v", err)
	}
	if _, ok := d.(*openai_compat.Client); !ok {
		t.Fatalf("unexpected detector %T", d)
	}
	if _, err := BuildDetector(BuildOptions{Kind: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

func TestBuildTranslator(t *testing.T) {
	tr, err := BuildTranslator(BuildOptions{Kind: "google"})
	if err != nil {
		t.Fatalf("build google: %v", err)
	}
	if _, ok := tr.(*google_translate.Client); !ok {
		t.Fatalf("unexpected translator %T", tr)
	}
	if _, err := BuildTranslator(BuildOptions{Kind: "custom_http"}); err == nil {
		t.Fatalf("custom_http cannot translate")
	}
}
