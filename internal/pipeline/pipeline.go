// Package pipeline wires capture, recognition, translation and the fan-out
// sinks into one run loop.
//
// The recognizer is authoritative: its event stream is consumed in order and
// never thinned. Partials go to the caption board only. Finals are
// normalized, translated, and then handed to every enabled sink in a fixed
// order; each sink owns its own queueing and delivery guarantees, so a slow
// or failing sink never holds back the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parolfluo/parolfluo/internal/observe"
	"github.com/parolfluo/parolfluo/internal/transcript"
	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

const (
	// defaultQueueSize bounds the recognizer event queue. When it fills,
	// the recognizer blocks rather than drop an event.
	defaultQueueSize = 256

	// defaultStallAfter is how long a recognizer send may block before a
	// stall is recorded.
	defaultStallAfter = 2 * time.Second

	// defaultArchiveTimeout bounds one archive insert.
	defaultArchiveTimeout = 5 * time.Second
)

// FrameSource produces capture frames. Satisfied by [*audio.Source].
type FrameSource interface {
	Start() error
	Stop()
	Frames() <-chan types.AudioFrame
}

// Translator fetches translations for one final. Satisfied by
// [*translate.Service].
type Translator interface {
	TranslateAll(ctx context.Context, text string) map[string]string
}

// CaptionSink accepts caption lines. Satisfied by [*caption.Poster].
type CaptionSink interface {
	Submit(text string)
}

// TranscriptLog appends finals to the transcript file. Satisfied by
// [*transcript.Logger].
type TranscriptLog interface {
	Append(ev types.TranscriptEvent)
}

// Archiver persists finals durably. Satisfied by [*transcript.Archive].
type Archiver interface {
	Store(ctx context.Context, ev types.TranscriptEvent) error
}

// Board publishes events to connected caption board clients. Satisfied by
// [*webui.Server].
type Board interface {
	BroadcastPartial(ev types.TranscriptEvent)
	BroadcastFinal(ev types.EnrichedFinal)
}

// BatchSink accumulates finals for batched delivery. Satisfied by
// [*webhook.Batcher].
type BatchSink interface {
	Add(ev types.EnrichedFinal)
}

// Config assembles a pipeline. Source and Backend are required; every sink
// is optional and skipped when nil.
type Config struct {
	Source  FrameSource
	Backend asr.Backend

	Translator Translator
	Caption    CaptionSink
	Log        TranscriptLog
	Archive    Archiver
	Board      Board
	Webhook    BatchSink

	// QueueSize bounds the recognizer event queue. Default 256.
	QueueSize int

	// StallAfter is the blocked-send threshold for stall reporting.
	// Default 2s.
	StallAfter time.Duration

	// ArchiveTimeout bounds one archive insert. Default 5s.
	ArchiveTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Out receives the "Final: <text>" progress lines. Default os.Stdout.
	Out io.Writer
}

// Pipeline owns the capture-to-sinks run loop.
type Pipeline struct {
	cfg     Config
	metrics *observe.Metrics
	out     io.Writer

	running   atomic.Bool
	archiveWG sync.WaitGroup
}

// New validates cfg and builds a pipeline. Call [Pipeline.Run] to start it.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: frame source is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("pipeline: recognizer backend is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Pipeline{cfg: cfg, metrics: cfg.Metrics, out: out}, nil
}

// Healthy returns nil while the recognizer loop is running.
func (p *Pipeline) Healthy() error {
	if !p.running.Load() {
		return errors.New("recognizer is not running")
	}
	return nil
}

// Run starts the recognizer and the capture source, then dispatches
// transcript events until the stream ends. It returns when ctx is cancelled
// and the recognizer has drained, or when the recognizer fails fatally.
// Events already emitted by the recognizer always reach the sinks before Run
// returns.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recognized := make(chan types.TranscriptEvent)
	events := make(chan types.TranscriptEvent, p.cfg.QueueSize)
	backendErr := make(chan error, 1)

	p.running.Store(true)
	go func() {
		err := p.cfg.Backend.Run(ctx, p.cfg.Source.Frames(), recognized)
		p.running.Store(false)
		close(recognized)
		backendErr <- err
	}()
	go p.relay(ctx, recognized, events)

	if err := p.cfg.Source.Start(); err != nil {
		cancel()
		for range events {
		}
		<-backendErr
		return err
	}

	// Stop capture as soon as the run is ending, whether by cancellation
	// or because the recognizer quit on its own. Closing the frame stream
	// is what lets the recognizer drain and return.
	stopped := make(chan struct{})
	runDone := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-runDone:
		}
		p.cfg.Source.Stop()
	}()

	for ev := range events {
		p.dispatch(ctx, ev)
	}
	close(runDone)
	<-stopped
	p.archiveWG.Wait()

	err := <-backendErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// relay forwards recognizer events into the buffered dispatch queue. The
// recognizer must never lose an event, so a full queue blocks it; blocks
// past the stall threshold are logged and counted.
func (p *Pipeline) relay(ctx context.Context, in <-chan types.TranscriptEvent, out chan<- types.TranscriptEvent) {
	defer close(out)
	for ev := range in {
		select {
		case out <- ev:
			continue
		default:
		}
		timer := time.NewTimer(p.cfg.StallAfter)
		select {
		case out <- ev:
			timer.Stop()
		case <-timer.C:
			slog.Warn("pipeline: event queue blocked, sink dispatch is stalled",
				"queued", len(out), "stall_after", p.cfg.StallAfter)
			p.metrics.PipelineStalls.Add(ctx, 1)
			out <- ev
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, ev types.TranscriptEvent) {
	ev.Text = transcript.Normalize(ev.Text)

	switch ev.Kind {
	case types.EventPartial:
		p.metrics.RecordTranscriptEvent(ctx, "partial")
		// Empty partials pass through: a recognizer that withdrew its
		// hypothesis clears the board line this way.
		if p.cfg.Board != nil {
			p.cfg.Board.BroadcastPartial(ev)
		}
	case types.EventFinal:
		p.dispatchFinal(ctx, ev)
	}
}

// dispatchFinal hands one final to every enabled sink, in a fixed order so
// all sinks observe the same sequence.
func (p *Pipeline) dispatchFinal(ctx context.Context, ev types.TranscriptEvent) {
	if ev.Text == "" {
		return
	}
	p.metrics.RecordTranscriptEvent(ctx, "final")
	fmt.Fprintf(p.out, "Final: %s\n", ev.Text)

	translations := map[string]string{}
	if p.cfg.Translator != nil {
		translations = p.cfg.Translator.TranslateAll(ctx, ev.Text)
	}
	enriched := types.EnrichedFinal{TranscriptEvent: ev, Translations: translations}

	if p.cfg.Caption != nil {
		p.cfg.Caption.Submit(ev.Text)
	}
	if p.cfg.Log != nil {
		p.cfg.Log.Append(ev)
	}
	if p.cfg.Archive != nil {
		p.archiveWG.Add(1)
		go p.store(ev)
	}
	if p.cfg.Board != nil {
		p.cfg.Board.BroadcastFinal(enriched)
	}
	if p.cfg.Webhook != nil {
		p.cfg.Webhook.Add(enriched)
	}
}

// store runs one archive insert off the dispatch loop so database latency
// never delays the realtime sinks.
func (p *Pipeline) store(ev types.TranscriptEvent) {
	defer p.archiveWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ArchiveTimeout)
	defer cancel()
	if err := p.cfg.Archive.Store(ctx, ev); err != nil {
		slog.Warn("pipeline: transcript archive write failed", "error", err)
	}
}
