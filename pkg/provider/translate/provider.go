// Package translate defines the Translator interface implemented by all
// translation providers and the Service that fans a final utterance out to
// every configured target language.
//
// Providers live in subpackages (google, openai, anyllm, mock) and are
// selected through the config registry at startup.
package translate

import "context"

// Translator converts text between two languages.
//
// Implementations must be safe for concurrent use: the Service issues one
// Translate call per target language in parallel. Language codes are
// ISO 639-1 ("eo", "ja", "en"). Implementations should honor ctx deadlines
// and return an error rather than partial output when a call fails.
type Translator interface {
	// Translate returns text rendered from the source language into the
	// target language.
	Translate(ctx context.Context, text, source, target string) (string, error)
}
