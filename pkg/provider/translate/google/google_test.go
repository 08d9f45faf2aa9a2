package google_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parolfluo/parolfluo/pkg/provider/translate/google"
)

// capturedRequest holds what the fake API saw for later assertions.
type capturedRequest struct {
	Method string
	Key    string
	Body   map[string]string
}

// newFakeAPI returns a test server that answers every request with the given
// translated text and records the last request into captured.
func newFakeAPI(t *testing.T, translated string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.Key = r.URL.Query().Get("key")
		captured.Body = map[string]string{}
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"translations": []map[string]string{
					{"translatedText": translated},
				},
			},
		})
	}))
}

func TestTranslate_Success(t *testing.T) {
	var captured capturedRequest
	srv := newFakeAPI(t, "こんにちは。", &captured)
	defer srv.Close()

	tr, err := google.New("test-key", google.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := tr.Translate(context.Background(), "Bonan tagon.", "eo", "ja")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got != "こんにちは。" {
		t.Errorf("Translate() = %q, want %q", got, "こんにちは。")
	}

	if captured.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", captured.Method)
	}
	if captured.Key != "test-key" {
		t.Errorf("key query param = %q, want %q", captured.Key, "test-key")
	}
	want := map[string]string{"q": "Bonan tagon.", "source": "eo", "target": "ja", "format": "text"}
	for k, v := range want {
		if captured.Body[k] != v {
			t.Errorf("body[%q] = %q, want %q", k, captured.Body[k], v)
		}
	}
	if _, ok := captured.Body["model"]; ok {
		t.Error("body should omit model when none is configured")
	}
}

func TestTranslate_ModelForwarded(t *testing.T) {
	var captured capturedRequest
	srv := newFakeAPI(t, "hello", &captured)
	defer srv.Close()

	tr, err := google.New("test-key", google.WithEndpoint(srv.URL), google.WithModel("nmt"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := tr.Translate(context.Background(), "Saluton.", "eo", "en"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if captured.Body["model"] != "nmt" {
		t.Errorf("body[model] = %q, want %q", captured.Body["model"], "nmt")
	}
}

func TestTranslate_HTTPErrorIncludesStatusAndSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"message": "API key not valid"}}`))
	}))
	defer srv.Close()

	tr, err := google.New("bad-key", google.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = tr.Translate(context.Background(), "Saluton.", "eo", "ja")
	if err == nil {
		t.Fatal("expected error for HTTP 403, got nil")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error should include the status code, got: %v", err)
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("error should include a body snippet, got: %v", err)
	}
}

func TestTranslate_EmptyTranslationsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"translations": []}}`))
	}))
	defer srv.Close()

	tr, err := google.New("test-key", google.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := tr.Translate(context.Background(), "Saluton.", "eo", "ja"); err == nil {
		t.Fatal("expected error for empty translations, got nil")
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := google.New(""); err == nil {
		t.Fatal("expected error for empty API key, got nil")
	}
}
