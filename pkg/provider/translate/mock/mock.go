// Package mock provides a test double for the translate package interfaces.
//
// Use Translator to feed controlled translations and inspect which texts
// were requested.
//
// Example:
//
//	tr := &mock.Translator{
//	    Results: map[string]string{"ja": "こんにちは。"},
//	}
//	svc, _ := translate.NewService(tr, "mock", "eo", []string{"ja"})
package mock

import (
	"context"
	"sync"

	"github.com/parolfluo/parolfluo/pkg/provider/translate"
)

// TranslateCall records a single invocation of Translator.Translate.
type TranslateCall struct {
	// Text is the text passed to Translate.
	Text string
	// Source is the source language code.
	Source string
	// Target is the target language code.
	Target string
}

// Translator is a mock implementation of translate.Translator.
type Translator struct {
	mu sync.Mutex

	// Results maps target language codes to the text Translate returns for
	// them. Targets absent from the map echo the input text back.
	Results map[string]string

	// Errs maps target language codes to the error Translate returns for
	// them. An entry here takes precedence over Results.
	Errs map[string]error

	// Delay, if set, is how long Translate blocks before answering. When the
	// ctx expires first, Translate returns ctx.Err().
	Delay func(target string) <-chan struct{}

	// TranslateCalls records every call to Translate.
	TranslateCalls []TranslateCall
}

// Translate records the call and answers from Errs, then Results.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	t.mu.Lock()
	t.TranslateCalls = append(t.TranslateCalls, TranslateCall{Text: text, Source: source, Target: target})
	errs, results, delay := t.Errs, t.Results, t.Delay
	t.mu.Unlock()

	if delay != nil {
		select {
		case <-delay(target):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err, ok := errs[target]; ok {
		return "", err
	}
	if out, ok := results[target]; ok {
		return out, nil
	}
	return text, nil
}

// CallCount returns the number of recorded Translate calls. Thread-safe.
func (t *Translator) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranslateCalls)
}

// CallsFor returns the recorded calls for one target language. Thread-safe.
func (t *Translator) CallsFor(target string) []TranslateCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TranslateCall
	for _, c := range t.TranslateCalls {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (t *Translator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranslateCalls = nil
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
