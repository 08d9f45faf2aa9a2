// Package asr defines the Backend interface shared by all speech
// recognizers.
//
// A backend consumes fixed-duration PCM frames from the capture source and
// emits ordered transcript events: low-latency partials for display and
// authoritative finals for the sinks. Exactly one backend drives a pipeline
// run. Concrete implementations live in the cloud, vosk, whisper, and mock
// subpackages.
package asr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// Backend is the abstraction over any speech recognizer.
//
// Run consumes frames until the channel closes or ctx is cancelled, and
// sends transcript events in the order the recognizer produced them. Run
// never closes the events channel; the caller owns it. Run returns once all
// pending events for consumed audio have been emitted or abandoned.
//
// Transient faults (network drops, timeouts, token expiry) are handled
// inside Run with backoff and never surface to the caller. A non-nil return
// carrying a [FatalError] means the backend cannot make progress and the
// pipeline must stop.
type Backend interface {
	Run(ctx context.Context, frames <-chan types.AudioFrame, events chan<- types.TranscriptEvent) error
}

// FatalError marks a backend failure that retrying cannot fix, such as a
// permanently rejected key or a missing model file.
type FatalError struct {
	// Reason names the failing parameter or condition, e.g. "CLOUD_API_KEY"
	// or "LOCAL_MODEL_PATH". It appears in the terminating log line.
	Reason string

	// Err is the underlying failure, if any.
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "asr: fatal: " + e.Reason
	}
	return fmt.Sprintf("asr: fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a [FatalError] naming the failing parameter.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal reports whether err carries a [FatalError] anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// NewSessionID produces a random 8-byte hex identifier. Backends tag each
// connection or decode run with one so consumers can group events.
func NewSessionID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
