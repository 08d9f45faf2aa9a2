// Command parolfluo captures system loopback audio, streams it through a
// speech recognizer, and fans the Esperanto transcript out to captions, the
// local web board, a transcript file, and a Discord webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parolfluo/parolfluo/internal/app"
	"github.com/parolfluo/parolfluo/internal/config"
	"github.com/parolfluo/parolfluo/internal/observe"
	"github.com/parolfluo/parolfluo/pkg/audio"
	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/provider/asr/cloud"
	asrmock "github.com/parolfluo/parolfluo/pkg/provider/asr/mock"
	"github.com/parolfluo/parolfluo/pkg/provider/asr/vosk"
	"github.com/parolfluo/parolfluo/pkg/provider/asr/whisper"
	"github.com/parolfluo/parolfluo/pkg/provider/translate"
	anyllmtr "github.com/parolfluo/parolfluo/pkg/provider/translate/anyllm"
	"github.com/parolfluo/parolfluo/pkg/provider/translate/google"
	oaitr "github.com/parolfluo/parolfluo/pkg/provider/translate/openai"
	"github.com/parolfluo/parolfluo/pkg/types"
)

// shutdownTimeout bounds the graceful teardown after the run loop returns.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", os.Getenv("PAROLFLUO_CONFIG"), "path to an optional YAML configuration file (default $PAROLFLUO_CONFIG)")
	backendFlag := flag.String("backend", "", "recognizer backend: cloud, local_offline, local_large or mock (overrides TRANSCRIPTION_BACKEND)")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	logFileFlag := flag.String("log-file", "", "append log output to this file instead of stderr (overrides LOG_FILE)")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	showConfig := flag.Bool("show-config", false, "print the effective configuration with secrets masked and exit")
	diagnoseAudio := flag.Bool("diagnose-audio", false, "capture a few seconds from the configured device, report levels, and exit")
	flag.Parse()

	if *listDevices {
		return runListDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadWithOverrides(*configPath, func(c *config.Config) {
		if *backendFlag != "" {
			c.Backend = config.Backend(strings.ToLower(*backendFlag))
		}
		if *logLevelFlag != "" {
			c.Log.Level = config.LogLevel(strings.ToLower(*logLevelFlag))
		}
		if *logFileFlag != "" {
			c.Log.File = *logFileFlag
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "parolfluo: %v\n", err)
		return 2
	}

	if *showConfig {
		if err := config.Dump(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "parolfluo: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logClose, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parolfluo: %v\n", err)
		return 2
	}
	if logClose != nil {
		defer logClose.Close()
	}
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// interrupted answers whether the run ended on Ctrl+C, for the exit code.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT)
	defer signal.Stop(interrupted)

	if *diagnoseAudio {
		return runDiagnose(ctx, cfg)
	}

	slog.Info("parolfluo starting",
		"config", *configPath,
		"backend", cfg.Backend,
		"log_level", cfg.Log.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parolfluo"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		fmt.Fprintf(os.Stderr, "parolfluo: %v\n", err)
		return 2
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("pipeline ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		if asr.IsFatal(runErr) {
			slog.Error("recognizer failed", "err", runErr)
			return 3
		}
		slog.Error("run error", "err", runErr)
		return 1
	}

	select {
	case <-interrupted:
		return 130
	default:
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with parolfluo. Used for startup logging.
var builtinProviders = map[string][]string{
	"backend":    {"cloud", "local_offline", "local_large", "mock"},
	"translator": {"google", "openai", "llm"},
}

// registerBuiltinProviders wires all built-in recognizer and translator
// factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterBackend(config.BackendCloud, func(cfg *config.Config) (asr.Backend, error) {
		return cloud.New(cloud.Config{
			APIKey:        cfg.Cloud.APIKey,
			JWT:           cfg.Cloud.JWT,
			ConnectionURL: cfg.Cloud.ConnectionURL,
			ManagementURL: cfg.Cloud.ManagementURL,
			Language:      cfg.Cloud.Language,
			SampleRate:    cfg.Audio.SampleRate,
			TokenTTL:      cfg.Cloud.JWTTTLSeconds,
			Diarization:   cfg.Cloud.Diarization,
		})
	})

	reg.RegisterBackend(config.BackendLocalOffline, func(cfg *config.Config) (asr.Backend, error) {
		return vosk.New(cfg.Local.ModelPath, cfg.Audio.SampleRate)
	})

	reg.RegisterBackend(config.BackendLocalLarge, func(cfg *config.Config) (asr.Backend, error) {
		return whisper.New(cfg.Local.ModelPath,
			whisper.WithSampleRate(cfg.Audio.SampleRate),
			whisper.WithWindow(cfg.Local.SegmentDuration()),
			whisper.WithModelSize(cfg.Local.LargeModelSize),
		)
	})

	reg.RegisterBackend(config.BackendMock, func(*config.Config) (asr.Backend, error) {
		return asrmock.New(mockScript()...), nil
	})

	// ── Translators ───────────────────────────────────────────────────────────

	reg.RegisterTranslator(config.TranslateGoogle, func(cfg *config.Config) (translate.Translator, error) {
		var opts []google.Option
		if cfg.Translation.Model != "" {
			opts = append(opts, google.WithModel(cfg.Translation.Model))
		}
		return google.New(cfg.Translation.APIKey, opts...)
	})

	reg.RegisterTranslator(config.TranslateOpenAI, func(cfg *config.Config) (translate.Translator, error) {
		return oaitr.New(cfg.Translation.APIKey, cfg.Translation.Model,
			oaitr.WithTimeout(cfg.Translation.Timeout()),
		)
	})

	reg.RegisterTranslator(config.TranslateLLM, func(cfg *config.Config) (translate.Translator, error) {
		var opts []anyllmlib.Option
		if cfg.Translation.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Translation.APIKey))
		}
		return anyllmtr.New(cfg.Translation.LLMProvider, cfg.Translation.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the recognizer and, when translation is on, the
// translator, returning them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	b, err := reg.CreateBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", cfg.Backend, err)
	}
	ps.Backend = b
	slog.Info("recognizer created", "backend", cfg.Backend)

	if cfg.Translation.Active() {
		tr, err := reg.CreateTranslator(cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s translator: %w", cfg.Translation.Provider, err)
		}
		ps.Translator = tr
		slog.Info("translator created", "provider", cfg.Translation.Provider)
	}

	return ps, nil
}

// mockScript is the playback sequence of the mock backend, enough to watch
// every sink light up once.
func mockScript() []asrmock.ScriptedEvent {
	return []asrmock.ScriptedEvent{
		{Delay: 500 * time.Millisecond, Event: types.TranscriptEvent{Kind: types.EventPartial, Text: "sal"}},
		{Delay: 400 * time.Millisecond, Event: types.TranscriptEvent{Kind: types.EventPartial, Text: "saluton al"}},
		{Delay: 400 * time.Millisecond, Event: types.TranscriptEvent{Kind: types.EventFinal, Text: "Saluton al ĉiuj.", Speaker: "S1"}},
		{Delay: time.Second, Event: types.TranscriptEvent{Kind: types.EventPartial, Text: "la dissendo"}},
		{Delay: 600 * time.Millisecond, Event: types.TranscriptEvent{Kind: types.EventFinal, Text: "La dissendo funkcias.", Speaker: "S1"}},
	}
}

// ── Utility modes ─────────────────────────────────────────────────────────────

func runListDevices() int {
	devices, err := audio.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parolfluo: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("No capture devices found.")
		return 0
	}
	fmt.Println("Capture devices:")
	for _, d := range devices {
		fmt.Println("  " + d.String())
	}
	return 0
}

func runDiagnose(ctx context.Context, cfg *config.Config) int {
	fmt.Println("Testing audio capture for 3 seconds…")
	report, err := audio.Diagnose(ctx, captureConfig(cfg), 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parolfluo: %v\n", err)
		return 1
	}

	fmt.Println("Capture devices:")
	for _, d := range report.Devices {
		fmt.Println("  " + d.String())
	}
	if report.Device == "" {
		fmt.Println("No device could be bound; check AUDIO_DEVICE_INDEX or AUDIO_DEVICE_NAME.")
		return 0
	}
	fmt.Printf("Captured from : %s\n", report.Device)
	fmt.Printf("Frames        : %d\n", report.Frames)
	fmt.Printf("Level         : avg %.1f dBFS, peak %.1f dBFS\n", report.AvgDBFS, report.PeakDBFS)
	if report.Frames == 0 {
		fmt.Println("No audio arrived. Pick the loopback/monitor device of your speakers, not a microphone.")
	}
	return 0
}

// captureConfig maps the audio config section onto a capture source config.
func captureConfig(cfg *config.Config) audio.Config {
	return audio.Config{
		DeviceIndex:      cfg.Audio.DeviceIndex,
		DeviceName:       cfg.Audio.DeviceName,
		SampleRate:       cfg.Audio.SampleRate,
		DeviceSampleRate: cfg.Audio.DeviceSampleRate,
		Channels:         cfg.Audio.Channels,
		ChunkDuration:    cfg.Audio.ChunkDuration(),
		CheckInterval:    cfg.Audio.CheckInterval(),
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      parolfluo — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", string(cfg.Backend))
	printRow("Device", deviceLabel(cfg.Audio))
	switch cfg.Backend {
	case config.BackendCloud:
		printRow("Language", cfg.Cloud.Language)
	case config.BackendLocalOffline, config.BackendLocalLarge:
		printRow("Model", cfg.Local.ModelPath)
	}
	if cfg.Translation.Active() {
		printRow("Translation", strings.Join(cfg.Translation.Targets, ", "))
	} else {
		printRow("Translation", "(disabled)")
	}
	printRow("Captions", enabledLabel(cfg.Caption.Active()))
	if cfg.Transcript.Active() {
		printRow("Transcript", cfg.Transcript.Path)
	} else {
		printRow("Transcript", "(disabled)")
	}
	if cfg.Transcript.DBDSN != "" {
		printRow("Archive", "postgres")
	}
	if cfg.Web.Enabled {
		printRow("Web board", cfg.Web.URL())
	} else {
		printRow("Web board", "(disabled)")
	}
	printRow("Webhook", enabledLabel(cfg.Webhook.Active()))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func deviceLabel(a config.AudioConfig) string {
	switch {
	case a.DeviceIndex >= 0:
		return fmt.Sprintf("#%d", a.DeviceIndex)
	case a.DeviceName != "":
		return a.DeviceName
	default:
		return "(system default)"
	}
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. With LOG_FILE set, output goes to an
// append-opened file and the returned closer is non-nil.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("LOG_FILE: open %q: %w", cfg.File, err)
		}
		w = f
		closer = f
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Level.Level()})
	return slog.New(handler), closer, nil
}
