// Package app wires all parolfluo subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture-to-sinks loop, and Shutdown tears
// everything down in order.
//
// For testing, inject fake implementations via functional options
// (WithFrameSource, WithCaptionSink, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/parolfluo/parolfluo/internal/caption"
	"github.com/parolfluo/parolfluo/internal/config"
	"github.com/parolfluo/parolfluo/internal/health"
	"github.com/parolfluo/parolfluo/internal/observe"
	"github.com/parolfluo/parolfluo/internal/pipeline"
	"github.com/parolfluo/parolfluo/internal/transcript"
	"github.com/parolfluo/parolfluo/internal/webhook"
	"github.com/parolfluo/parolfluo/internal/webui"
	"github.com/parolfluo/parolfluo/pkg/audio"
	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/provider/translate"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Backend    asr.Backend
	Translator translate.Translator
}

// App owns all subsystem lifetimes and orchestrates the transcription pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	translator *translate.Service
	captions   pipeline.CaptionSink
	log        pipeline.TranscriptLog
	archive    pipeline.Archiver
	hook       pipeline.BatchSink
	board      pipeline.Board
	source     pipeline.FrameSource
	web        *webui.Server
	audioSrc   *audio.Source
	pipe       *pipeline.Pipeline

	// closers are called in order during Shutdown. The order matters: the
	// webhook batch flushes before the transcript file closes, and the
	// caption worker stops last so queued lines get their grace window.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFrameSource injects a frame source instead of opening a capture device.
func WithFrameSource(s pipeline.FrameSource) Option {
	return func(a *App) { a.source = s }
}

// WithCaptionSink injects a caption sink instead of creating a poster from config.
func WithCaptionSink(s pipeline.CaptionSink) Option {
	return func(a *App) { a.captions = s }
}

// WithBatchSink injects a webhook sink instead of creating a batcher from config.
func WithBatchSink(s pipeline.BatchSink) Option {
	return func(a *App) { a.hook = s }
}

// WithBoard injects a caption board instead of creating the web server.
func WithBoard(b pipeline.Board) Option {
	return func(a *App) { a.board = b }
}

// WithArchiver injects a transcript archive instead of connecting to Postgres.
func WithArchiver(ar pipeline.Archiver) Option {
	return func(a *App) { a.archive = ar }
}

// WithMetrics injects a metrics instance instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: translator assembly, sink
// construction, the archive connection, board construction, and the capture
// source. Nothing starts producing until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.Backend == nil {
		return nil, fmt.Errorf("app: no recognizer backend provided")
	}

	// ── 1. Translator ────────────────────────────────────────────────────
	if err := a.initTranslator(); err != nil {
		return nil, fmt.Errorf("app: init translator: %w", err)
	}

	// ── 2. Delivery sinks ────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 3. Caption board ─────────────────────────────────────────────────
	a.initBoard()

	// ── 4. Capture source ────────────────────────────────────────────────
	a.initSource()

	// ── 5. Pipeline ──────────────────────────────────────────────────────
	pipe, err := pipeline.New(pipeline.Config{
		Source:     a.source,
		Backend:    providers.Backend,
		Translator: a.serviceOrNil(),
		Caption:    a.captions,
		Log:        a.log,
		Archive:    a.archive,
		Board:      a.board,
		Webhook:    a.hook,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.pipe = pipe

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTranslator builds the caching translation service around the provider.
func (a *App) initTranslator() error {
	tc := a.cfg.Translation
	if !tc.Active() {
		return nil
	}
	if a.providers.Translator == nil {
		return fmt.Errorf("translation targets configured but no translator provider")
	}

	svc, err := translate.NewService(
		a.providers.Translator,
		string(tc.Provider),
		tc.SourceLanguage,
		tc.Targets,
		translate.WithTimeout(tc.Timeout()),
	)
	if err != nil {
		return err
	}
	a.translator = svc
	slog.Info("translation enabled", "provider", tc.Provider, "targets", tc.Targets)
	return nil
}

// serviceOrNil returns the translator as a pipeline interface, avoiding a
// typed-nil interface value when translation is off.
func (a *App) serviceOrNil() pipeline.Translator {
	if a.translator == nil {
		return nil
	}
	return &metricTranslator{
		svc:     a.translator,
		name:    string(a.cfg.Translation.Provider),
		metrics: a.metrics,
	}
}

// metricTranslator counts per-target translation outcomes around the service.
// A target absent from the result map failed or timed out.
type metricTranslator struct {
	svc     *translate.Service
	name    string
	metrics *observe.Metrics
}

func (t *metricTranslator) TranslateAll(ctx context.Context, text string) map[string]string {
	out := t.svc.TranslateAll(ctx, text)
	for _, target := range t.svc.Targets() {
		status := "ok"
		if _, found := out[target]; !found {
			status = "error"
		}
		t.metrics.RecordTranslation(ctx, t.name, target, status)
	}
	return out
}

// initSinks creates the webhook batcher, transcript log, archive, and caption
// poster. Closers are appended in shutdown order.
func (a *App) initSinks(ctx context.Context) error {
	if a.hook == nil && a.cfg.Webhook.Active() {
		b, err := webhook.New(webhook.Config{
			URL:           a.cfg.Webhook.URL,
			Username:      a.cfg.Webhook.Username,
			Targets:       a.cfg.Translation.Targets,
			FlushInterval: a.cfg.Webhook.FlushInterval(),
			MaxChars:      a.cfg.Webhook.MaxChars,
			Metrics:       a.metrics,
		})
		if err != nil {
			return fmt.Errorf("webhook sink: %w", err)
		}
		a.hook = b
		a.closers = append(a.closers, func() error {
			b.Close()
			return nil
		})
	}

	if a.log == nil && a.cfg.Transcript.Active() {
		l, err := transcript.Open(a.cfg.Transcript.Path)
		if err != nil {
			return fmt.Errorf("transcript log: %w", err)
		}
		a.log = l
		a.closers = append(a.closers, l.Close)
		slog.Info("transcript log enabled", "path", a.cfg.Transcript.Path)
	}

	if a.archive == nil && a.cfg.Transcript.DBDSN != "" {
		ar, err := transcript.OpenArchive(ctx, a.cfg.Transcript.DBDSN)
		if err != nil {
			return fmt.Errorf("transcript archive: %w", err)
		}
		a.archive = ar
		a.closers = append(a.closers, func() error {
			ar.Close()
			return nil
		})
	}

	if a.captions == nil && a.cfg.Caption.Active() {
		p := caption.New(caption.Config{
			PostURL:     a.cfg.Caption.PostURL,
			MinInterval: a.cfg.Caption.Interval(),
			Metrics:     a.metrics,
		})
		a.captions = p
		a.closers = append(a.closers, func() error {
			p.Close()
			return nil
		})
	}

	return nil
}

// initBoard creates the web caption board server if enabled. The server is
// bound and started by Run, and stopped last during Shutdown so clients see
// the final captions.
func (a *App) initBoard() {
	if a.board != nil || !a.cfg.Web.Enabled {
		return
	}

	checks := health.New(
		health.Checker{Name: "audio", Check: func(context.Context) error {
			if a.audioSrc == nil {
				return nil
			}
			return a.audioSrc.Healthy()
		}},
		health.Checker{Name: "recognizer", Check: func(context.Context) error {
			if a.pipe == nil {
				return nil
			}
			return a.pipe.Healthy()
		}},
	)

	srv := webui.New(webui.Config{
		Addr:              a.cfg.Web.Addr(),
		URL:               a.cfg.Web.URL(),
		Targets:           a.cfg.Translation.Targets,
		DefaultVisibility: a.cfg.Translation.DefaultVisibility,
		OpenBrowser:       a.cfg.Web.OpenBrowser,
		Metrics:           a.metrics,
		Health:            checks,
	})
	a.web = srv
	a.board = srv
}

// initSource opens the capture source with metric hooks unless one was
// injected.
func (a *App) initSource() {
	if a.source != nil {
		return
	}

	src := audio.New(audio.Config{
		DeviceIndex:      a.cfg.Audio.DeviceIndex,
		DeviceName:       a.cfg.Audio.DeviceName,
		SampleRate:       a.cfg.Audio.SampleRate,
		DeviceSampleRate: a.cfg.Audio.DeviceSampleRate,
		Channels:         a.cfg.Audio.Channels,
		ChunkDuration:    a.cfg.Audio.ChunkDuration(),
		CheckInterval:    a.cfg.Audio.CheckInterval(),
		OnFrame: func() {
			a.metrics.FramesCaptured.Add(context.Background(), 1)
		},
		OnDrop: func(n int) {
			a.metrics.FramesDropped.Add(context.Background(), int64(n))
		},
		OnRebind: func(reason string) {
			a.metrics.AudioRebinds.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("reason", reason)))
		},
	})
	a.source = src
	a.audioSrc = src
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the caption board server and then the pipeline, which spins up
// the recognizer before opening the capture device. It blocks until ctx is
// cancelled and the recognizer has drained, or until the recognizer fails
// fatally.
func (a *App) Run(ctx context.Context) error {
	if a.web != nil {
		if err := a.web.Start(); err != nil {
			return err
		}
	}

	slog.Info("app running", "backend", a.cfg.Backend)
	return a.pipe.Run(ctx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the sinks in delivery order: the webhook batch is
// force-flushed, the transcript file and archive close, the caption worker
// stops after its grace window, and the board server disconnects clients
// last. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
//
// Call Shutdown after Run has returned; Run owns stopping capture and
// draining the recognizer.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.web != nil {
			if err := a.web.Shutdown(ctx); err != nil {
				slog.Warn("board shutdown error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
