package transcript

import "strings"

// closers are the characters that should hug the word before them.
const closers = ".,!?;:)]}"

// openers are the characters that should hug the word after them.
const openers = "([{"

// Normalize cleans up recognizer output before it reaches any sink: leading
// and trailing whitespace is trimmed, internal whitespace runs collapse to a
// single space, and stray spaces next to punctuation and brackets are
// removed ("saluton , mondo" becomes "saluton, mondo"). Returns "" for
// whitespace-only input.
func Normalize(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	runes := []rune(strings.Join(fields, " "))
	out := make([]rune, 0, len(runes))
	for i, r := range runes {
		if r == ' ' {
			if i+1 < len(runes) && strings.ContainsRune(closers, runes[i+1]) {
				continue
			}
			if len(out) > 0 && strings.ContainsRune(openers, out[len(out)-1]) {
				continue
			}
		}
		out = append(out, r)
	}
	return string(out)
}
