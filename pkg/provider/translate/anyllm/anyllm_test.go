package anyllm

import (
	"strings"
	"testing"
)

// TestNew_MissingProviderName ensures the constructor rejects an empty
// provider name.
func TestNew_MissingProviderName(t *testing.T) {
	_, err := New("", "qwen2.5:7b")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

// TestNew_MissingModel ensures the constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("ollama", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks the error names the offending provider.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("watson", "some-model")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "watson") {
		t.Errorf("error should name the provider, got: %v", err)
	}
}

// TestNew_ProviderNameCaseInsensitive checks that provider matching folds
// case.
func TestNew_ProviderNameCaseInsensitive(t *testing.T) {
	if _, err := New("Ollama", "qwen2.5:7b"); err != nil {
		t.Fatalf("unexpected error for mixed-case provider name: %v", err)
	}
}
