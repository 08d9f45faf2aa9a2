// This file is backed by the Vosk CGO bindings. The libvosk shared library
// and headers must be available at build time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

// Package vosk implements the lightweight offline recognizer.
//
// The acoustic model loads once at construction and is shared across runs;
// each Run builds a fresh recognizer at the pipeline sample rate with word
// timings enabled. Decoding is synchronous per frame: an accepted waveform
// boundary yields a Final, otherwise the interim hypothesis yields a
// Partial when it changed since the last emit. Closing the frame channel
// flushes the recognizer remainder as a last Final.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	vosklib "github.com/alphacep/vosk-api/go"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

// Backend implements asr.Backend with a local Vosk model.
type Backend struct {
	model      *vosklib.VoskModel
	sampleRate int

	mu    sync.Mutex
	freed bool
}

var _ asr.Backend = (*Backend)(nil)

// New loads the model directory at path. A missing or unreadable model is
// fatal so the pipeline reports it at startup instead of retrying.
func New(path string, sampleRate int) (*Backend, error) {
	if path == "" {
		return nil, asr.Fatal("LOCAL_MODEL_PATH", errors.New("vosk: model path must not be empty"))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("vosk: sample rate %d must be positive", sampleRate)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, asr.Fatal("LOCAL_MODEL_PATH", fmt.Errorf("vosk: model path: %w", err))
	}

	// Kaldi writes its progress chatter to stderr; silence it so it does
	// not interleave with the structured logs.
	vosklib.SetLogLevel(-1)

	model, err := vosklib.NewModel(path)
	if err != nil {
		return nil, asr.Fatal("LOCAL_MODEL_PATH", fmt.Errorf("vosk: load model %q: %w", path, err))
	}
	return &Backend{model: model, sampleRate: sampleRate}, nil
}

// Close releases the native model. Run must not be called afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.freed {
		b.freed = true
		b.model.Free()
	}
	return nil
}

// Run decodes frames until the channel closes or ctx is cancelled. See
// asr.Backend for the full contract.
func (b *Backend) Run(ctx context.Context, frames <-chan types.AudioFrame, events chan<- types.TranscriptEvent) error {
	rec, err := vosklib.NewRecognizer(b.model, float64(b.sampleRate))
	if err != nil {
		return asr.Fatal("LOCAL_MODEL_PATH", fmt.Errorf("vosk: create recognizer: %w", err))
	}
	defer rec.Free()
	rec.SetWords(1)

	id, err := asr.NewSessionID()
	if err != nil {
		return fmt.Errorf("vosk: generate session id: %w", err)
	}
	run := &decodeRun{
		events:    events,
		id:        id,
		startedAt: time.Now(),
	}
	slog.Info("vosk: recognizer ready", "session", id, "sample_rate", b.sampleRate)

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				run.handle(ctx, rec.FinalResult(), true)
				return nil
			}
			if rec.AcceptWaveform(f.PCM) != 0 {
				run.handle(ctx, rec.Result(), true)
			} else {
				run.handle(ctx, rec.PartialResult(), false)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// decodeRun holds the per-run emission state: partial deduplication and
// final numbering.
type decodeRun struct {
	events    chan<- types.TranscriptEvent
	id        string
	startedAt time.Time

	lastPartial string
	finalSeq    int
}

// result is the recognizer JSON for both full and interim outputs.
type result struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Result  []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"result"`
}

// handle parses one recognizer payload and emits the corresponding event.
// Finals with empty text are dropped. Partials are emitted only when the
// hypothesis changed; a cleared hypothesis after a non-empty one emits a
// single empty Partial so displays can drop the stale interim line.
func (r *decodeRun) handle(ctx context.Context, raw string, final bool) {
	if raw == "" {
		return
	}
	var res result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		slog.Debug("vosk: discarding malformed recognizer payload", "error", err)
		return
	}

	if final {
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return
		}
		r.lastPartial = ""
		r.finalSeq++
		ev := types.TranscriptEvent{
			Kind:        types.EventFinal,
			Text:        text,
			UtteranceID: fmt.Sprintf("%s-%d", r.id, r.finalSeq),
			SessionID:   r.id,
		}
		if n := len(res.Result); n > 0 {
			ev.StartedAt = r.startedAt.Add(secs(res.Result[0].Start))
			ev.EndedAt = r.startedAt.Add(secs(res.Result[n-1].End))
		}
		r.emit(ctx, ev)
		return
	}

	partial := strings.TrimSpace(res.Partial)
	if partial == r.lastPartial {
		return
	}
	r.lastPartial = partial
	r.emit(ctx, types.TranscriptEvent{
		Kind:      types.EventPartial,
		Text:      partial,
		SessionID: r.id,
	})
}

func (r *decodeRun) emit(ctx context.Context, ev types.TranscriptEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
