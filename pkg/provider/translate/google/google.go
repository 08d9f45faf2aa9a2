// Package google provides a Translator backed by the Google Cloud
// Translation v2 REST API, authenticated with an API key.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parolfluo/parolfluo/pkg/provider/translate"
)

const defaultEndpoint = "https://translation.googleapis.com/language/translate/v2"

// Translator implements translate.Translator against the v2 REST endpoint.
type Translator struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// config holds optional configuration for the Translator.
type config struct {
	model    string
	endpoint string
	client   *http.Client
}

// Option is a functional option for Translator.
type Option func(*config)

// WithModel requests a specific translation model (e.g. "nmt").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithEndpoint overrides the default API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient substitutes the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// New constructs a Translator that authenticates with the given API key.
func New(apiKey string, opts ...Option) (*Translator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google: apiKey must not be empty")
	}

	cfg := &config{
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(cfg)
	}

	return &Translator{
		apiKey:   apiKey,
		model:    cfg.model,
		endpoint: cfg.endpoint,
		client:   cfg.client,
	}, nil
}

type requestBody struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	Model  string `json:"model,omitempty"`
}

type responseBody struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

// Translate implements translate.Translator.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	payload, err := json.Marshal(requestBody{
		Q:      text,
		Source: source,
		Target: target,
		Format: "text",
		Model:  t.model,
	})
	if err != nil {
		return "", fmt.Errorf("google: encode request: %w", err)
	}

	endpoint := t.endpoint + "?key=" + url.QueryEscape(t.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("google: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("google: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", fmt.Errorf("google: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded responseBody
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("google: decode response: %w", err)
	}
	if len(decoded.Data.Translations) == 0 {
		return "", fmt.Errorf("google: empty translations in response")
	}
	return decoded.Data.Translations[0].TranslatedText, nil
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
