// Package types defines the shared types used across all parolfluo packages.
//
// These types form the lingua franca between the audio source, the recognizer
// backends, and the fan-out sinks. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import (
	"strings"
	"time"
)

// AudioFrame represents a single fixed-duration frame of audio flowing from the
// capture source to the recognizer backend. Frames are the atomic unit of audio
// transport: captured from the device callback, resampled and downmixed to the
// pipeline format, then consumed by exactly one backend.
type AudioFrame struct {
	// PCM is raw little-endian signed 16-bit audio at SampleRate/Channels.
	PCM []byte

	// SampleRate in Hz after pipeline conversion (e.g., 16000).
	SampleRate int

	// Channels after downmix. The pipeline always runs mono (1).
	Channels int

	// Index strictly monotonically increases within a capture session and
	// resets to 0 when the session restarts (device re-bind). Consumers must
	// tolerate resets but never see gaps within a session.
	Index uint64

	// CapturedAt marks when the last sample of this frame was captured.
	CapturedAt time.Time
}

// Duration returns the play length of the frame derived from its PCM size.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// EventKind distinguishes the two transcript event cases.
type EventKind int

const (
	// EventPartial is a transient hypothesis. It supersedes prior partials
	// within the same session and is never logged or posted anywhere except
	// the WebSocket broadcast.
	EventPartial EventKind = iota

	// EventFinal is a stable, punctuated utterance. Every enabled sink must
	// observe it exactly once.
	EventFinal
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	default:
		return "unknown"
	}
}

// TranscriptEvent is a single ordered event emitted by a recognizer backend.
// Within a session, events are totally ordered by utterance start time, and a
// Final is never followed by a Partial for the same utterance.
type TranscriptEvent struct {
	// Kind is EventPartial or EventFinal.
	Kind EventKind

	// Text is the transcribed speech. Finals arrive punctuated and cased by
	// the recognizer; partials are raw hypotheses.
	Text string

	// Speaker is the diarization label passed through from the recognizer.
	// Empty when the backend does not diarize.
	Speaker string

	// UtteranceID identifies the utterance a Final belongs to. Empty for
	// partials from backends that do not track utterances.
	UtteranceID string

	// SessionID identifies the recognizer connection that produced the event.
	// It changes on reconnection, not on device re-bind.
	SessionID string

	// StartedAt and EndedAt bound the utterance in audio time when the
	// backend reports them; zero otherwise.
	StartedAt time.Time
	EndedAt   time.Time
}

// EnrichedFinal is a Final event plus any translations fetched for it.
type EnrichedFinal struct {
	TranscriptEvent

	// Translations maps target language codes to translated text. Languages
	// that failed or timed out are absent keys, never empty strings.
	Translations map[string]string
}

// langLabels maps the language codes the board and webhook commonly target to
// their display headings. Unknown codes fall back to the upper-cased code.
var langLabels = map[string]string{
	"ja": "日本語",
	"ko": "한국어",
	"en": "English",
	"eo": "Esperanto",
}

// LangLabel returns the display heading for a target language code.
func LangLabel(code string) string {
	if l, ok := langLabels[strings.ToLower(code)]; ok {
		return l
	}
	return strings.ToUpper(code)
}
