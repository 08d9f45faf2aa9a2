package app_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parolfluo/parolfluo/internal/app"
	"github.com/parolfluo/parolfluo/internal/config"
	asrmock "github.com/parolfluo/parolfluo/pkg/provider/asr/mock"
	translatemock "github.com/parolfluo/parolfluo/pkg/provider/translate/mock"
	"github.com/parolfluo/parolfluo/pkg/types"
)

// testConfig returns a minimal config with the mock recognizer and every
// network sink disabled.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend = config.BackendMock
	cfg.Caption.Enabled = false
	cfg.Web.Enabled = false
	return cfg
}

// testProviders returns providers with a scripted mock recognizer.
func testProviders(script ...asrmock.ScriptedEvent) *app.Providers {
	return &app.Providers{Backend: asrmock.New(script...)}
}

// fakeSource satisfies pipeline.FrameSource without touching audio hardware.
type fakeSource struct {
	frames   chan types.AudioFrame
	stopOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan types.AudioFrame)}
}

func (s *fakeSource) Start() error { return nil }
func (s *fakeSource) Stop() {
	s.stopOnce.Do(func() { close(s.frames) })
}
func (s *fakeSource) Frames() <-chan types.AudioFrame { return s.frames }

type fakeCaption struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeCaption) Submit(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, text)
}

func (f *fakeCaption) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeBoard struct {
	mu       sync.Mutex
	partials []types.TranscriptEvent
	finals   []types.EnrichedFinal
}

func (f *fakeBoard) BroadcastPartial(ev types.TranscriptEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, ev)
}

func (f *fakeBoard) BroadcastFinal(ev types.EnrichedFinal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, ev)
}

func (f *fakeBoard) seenFinals() []types.EnrichedFinal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.EnrichedFinal(nil), f.finals...)
}

type fakeBatch struct {
	mu     sync.Mutex
	events []types.EnrichedFinal
}

func (f *fakeBatch) Add(ev types.EnrichedFinal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBatch) added() []types.EnrichedFinal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.EnrichedFinal(nil), f.events...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_WithFakes(t *testing.T) {
	t.Parallel()

	application, err := app.New(
		context.Background(),
		testConfig(),
		testProviders(),
		app.WithFrameSource(newFakeSource()),
		app.WithCaptionSink(&fakeCaption{}),
		app.WithBatchSink(&fakeBatch{}),
		app.WithBoard(&fakeBoard{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	t.Parallel()

	_, err := app.New(
		context.Background(),
		testConfig(),
		&app.Providers{},
		app.WithFrameSource(newFakeSource()),
	)
	if err == nil {
		t.Fatal("New() accepted a nil backend")
	}
}

func TestNew_TranslationRequiresProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Translation.Enabled = true
	cfg.Translation.Targets = []string{"en"}

	_, err := app.New(
		context.Background(),
		cfg,
		testProviders(),
		app.WithFrameSource(newFakeSource()),
	)
	if err == nil || !strings.Contains(err.Error(), "translator") {
		t.Fatalf("New() error = %v, want missing translator", err)
	}
}

func TestApp_RunDeliversToSinks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Translation.Enabled = true
	cfg.Translation.Targets = []string{"en"}

	providers := testProviders(
		asrmock.ScriptedEvent{Event: types.TranscriptEvent{Kind: types.EventPartial, Text: "bonan"}},
		asrmock.ScriptedEvent{Event: types.TranscriptEvent{Kind: types.EventFinal, Text: "Bonan tagon."}},
	)
	providers.Translator = &translatemock.Translator{
		Results: map[string]string{"en": "Good day."},
	}

	captions := &fakeCaption{}
	board := &fakeBoard{}
	batch := &fakeBatch{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithFrameSource(newFakeSource()),
		app.WithCaptionSink(captions),
		app.WithBatchSink(batch),
		app.WithBoard(board),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "webhook sink to observe the final", func() bool { return len(batch.added()) == 1 })
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := captions.submitted(); len(got) != 1 || got[0] != "Bonan tagon." {
		t.Errorf("captions = %v", got)
	}
	finals := board.seenFinals()
	if len(finals) != 1 || finals[0].Translations["en"] != "Good day." {
		t.Errorf("board finals = %v", finals)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownClosesTranscriptLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "transcript.log")
	cfg := testConfig()
	cfg.Transcript.Enabled = true
	cfg.Transcript.Path = path

	providers := testProviders(
		asrmock.ScriptedEvent{Event: types.TranscriptEvent{Kind: types.EventFinal, Text: "Saluton."}},
	)

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithFrameSource(newFakeSource()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	waitFor(t, "the final to be recorded", func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "Saluton.")
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// A second call is a no-op.
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(
		context.Background(),
		testConfig(),
		testProviders(),
		app.WithFrameSource(newFakeSource()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Run in background.
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to set up goroutines.
	time.Sleep(50 * time.Millisecond)

	// Cancel context to trigger shutdown.
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
