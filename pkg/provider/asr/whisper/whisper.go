// This file is backed by the whisper.cpp CGO bindings. The whisper.cpp
// static library (libwhisper.a) and headers (whisper.h) must be available
// at link time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.

// Package whisper implements the large local recognizer over whisper.cpp.
//
// Audio accumulates into fixed decode windows (six seconds by default);
// each full window runs one synchronous inference and emits at most one
// Final. There are no partials, windows never overlap, and the remainder
// is flushed as a short last window when the input ends. The model loads
// once at construction and is shared across runs; every inference uses a
// fresh whisper context.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

const (
	defaultLanguage   = "eo"
	defaultSampleRate = 16000
	defaultWindow     = 6 * time.Second
	defaultModelSize  = "medium"
)

// Backend implements asr.Backend with a local whisper.cpp model.
type Backend struct {
	model      whisperlib.Model
	language   string
	sampleRate int
	window     time.Duration
	modelSize  string
}

var _ asr.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage forces the recognition language. Defaults to "eo".
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithSampleRate sets the rate of the incoming PCM frames. Defaults to
// 16000.
func WithSampleRate(rate int) Option {
	return func(b *Backend) { b.sampleRate = rate }
}

// WithWindow sets the decode window. Defaults to six seconds.
func WithWindow(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithModelSize names the ggml-<size>.bin file to load when the model path
// is a directory. Defaults to "medium".
func WithModelSize(size string) Option {
	return func(b *Backend) { b.modelSize = size }
}

// New loads the model at modelPath, which may be a ggml file or a directory
// holding one. A missing model is fatal so the pipeline reports it at
// startup instead of retrying. The caller must Close the backend when done.
func New(modelPath string, opts ...Option) (*Backend, error) {
	b := &Backend{
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		window:     defaultWindow,
		modelSize:  defaultModelSize,
	}
	for _, o := range opts {
		o(b)
	}

	resolved, err := resolveModelPath(modelPath, b.modelSize)
	if err != nil {
		return nil, err
	}
	model, err := whisperlib.New(resolved)
	if err != nil {
		return nil, asr.Fatal("LOCAL_MODEL_PATH", fmt.Errorf("whisper: load model %q: %w", resolved, err))
	}
	b.model = model
	return b, nil
}

// Close releases the native model. Run must not be called afterwards.
func (b *Backend) Close() error {
	if b.model == nil {
		return nil
	}
	err := b.model.Close()
	b.model = nil
	return err
}

// Run decodes frames until the channel closes or ctx is cancelled. See
// asr.Backend for the full contract.
func (b *Backend) Run(ctx context.Context, frames <-chan types.AudioFrame, events chan<- types.TranscriptEvent) error {
	id, err := asr.NewSessionID()
	if err != nil {
		return fmt.Errorf("whisper: generate session id: %w", err)
	}
	run := &decodeRun{
		infer:      b.infer,
		events:     events,
		id:         id,
		sampleRate: b.sampleRate,
		startedAt:  time.Now(),
	}
	windowBytes := int(float64(b.sampleRate)*b.window.Seconds()) * 2
	slog.Info("whisper: recognizer ready", "session", id, "window", b.window, "language", b.language)

	var buf []byte
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				run.decodeWindow(ctx, buf)
				return nil
			}
			buf = append(buf, f.PCM...)
			for len(buf) >= windowBytes {
				run.decodeWindow(ctx, buf[:windowBytes])
				buf = buf[windowBytes:]
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// decodeRun holds the per-run emission state: the cumulative sample clock
// and final numbering.
type decodeRun struct {
	infer      func(samples []float32) (string, error)
	events     chan<- types.TranscriptEvent
	id         string
	sampleRate int
	startedAt  time.Time

	processed int // samples decoded so far
	finalSeq  int
}

// decodeWindow runs one inference over pcm and emits a Final when the
// window produced text. A failed decode is logged and skipped; the sample
// clock still advances so later windows keep correct bounds.
func (r *decodeRun) decodeWindow(ctx context.Context, pcm []byte) {
	samples := pcmToFloat32(pcm)
	if len(samples) == 0 {
		return
	}

	start := time.Duration(r.processed) * time.Second / time.Duration(r.sampleRate)
	end := time.Duration(r.processed+len(samples)) * time.Second / time.Duration(r.sampleRate)
	r.processed += len(samples)

	text, err := r.infer(samples)
	if err != nil {
		slog.Error("whisper: window decode failed", "error", err)
		return
	}
	if text == "" {
		return
	}

	r.finalSeq++
	ev := types.TranscriptEvent{
		Kind:        types.EventFinal,
		Text:        text,
		UtteranceID: fmt.Sprintf("%s-%d", r.id, r.finalSeq),
		SessionID:   r.id,
		StartedAt:   r.startedAt.Add(start),
		EndedAt:     r.startedAt.Add(end),
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// infer runs whisper.cpp over one window using a fresh context. Contexts
// are not thread-safe but the model is shared.
func (b *Backend) infer(samples []float32) (string, error) {
	wctx, err := b.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(b.language); err != nil {
		slog.Warn("whisper: failed to set language, using model default", "language", b.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// resolveModelPath accepts either a ggml model file or a directory holding
// one; directories resolve to ggml-<size>.bin inside them.
func resolveModelPath(path, size string) (string, error) {
	if path == "" {
		return "", asr.Fatal("LOCAL_MODEL_PATH", errors.New("whisper: model path must not be empty"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", asr.Fatal("LOCAL_MODEL_PATH", fmt.Errorf("whisper: model path: %w", err))
	}
	if !info.IsDir() {
		return path, nil
	}
	file := filepath.Join(path, "ggml-"+size+".bin")
	if _, err := os.Stat(file); err != nil {
		return "", asr.Fatal("LOCAL_MODEL_PATH", fmt.Errorf("whisper: no ggml-%s.bin under %s: %w", size, path, err))
	}
	return file, nil
}
