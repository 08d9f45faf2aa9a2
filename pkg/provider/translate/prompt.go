package translate

import (
	"fmt"
	"strings"
)

// languageNames maps ISO 639-1 codes to English language names for LLM
// prompts. Spelling the name out keeps small models from echoing the code
// back instead of translating.
var languageNames = map[string]string{
	"eo": "Esperanto",
	"en": "English",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
	"pt": "Portuguese",
	"ru": "Russian",
	"it": "Italian",
	"nl": "Dutch",
	"pl": "Polish",
	"uk": "Ukrainian",
}

// LanguageName returns the English name for a language code, or the code
// itself when unknown.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// SystemPrompt builds the instruction shared by the LLM-backed providers.
// The model must reply with the bare translation so its output can go
// straight to the caption sinks.
func SystemPrompt(source, target string) string {
	return fmt.Sprintf(
		"You are a translation engine. Translate the user's message from %s to %s. Reply with the translated text only, without explanations or quotes.",
		LanguageName(source), LanguageName(target),
	)
}
