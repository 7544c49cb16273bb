package google_translate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"clonehost/internal/providers"
)

func TestTranslateJoinsSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("tl") != "es" || q.Get("sl") != "auto" || q.Get("q") != "hello! how are you?" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`[[["¡hola! ","hello! ",null,null,10],["¿cómo estás?","how are you?",null,null,10]],null,"en"]`))
	}))
	defer srv.Close()

	out, err := New(Config{URL: srv.URL}).Translate(context.Background(), "hello! how are you?", "es")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "¡hola! ¿cómo estás?" {
		t.Fatalf("unexpected translation %q", out)
	}
}

func TestTranslateMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>captcha</html>`))
	}))
	defer srv.Close()

	if _, err := New(Config{URL: srv.URL}).Translate(context.Background(), "hello", "es"); !errors.Is(err, providers.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}
