package vosk

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

// testModelPath returns the path to a Vosk model for integration tests. It
// reads from the VOSK_MODEL_PATH environment variable; if unset the test is
// skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("VOSK_MODEL_PATH")
	if p == "" {
		t.Skip("VOSK_MODEL_PATH not set; skipping vosk integration test")
	}
	return p
}

// ---- Constructor tests ----

func TestNew_EmptyPath_Fatal(t *testing.T) {
	_, err := New("", 16000)
	if !asr.IsFatal(err) {
		t.Fatalf("expected fatal error for empty model path, got %v", err)
	}
	var fe *asr.FatalError
	if errors.As(err, &fe) && fe.Reason != "LOCAL_MODEL_PATH" {
		t.Errorf("reason = %q; want LOCAL_MODEL_PATH", fe.Reason)
	}
}

func TestNew_MissingPath_Fatal(t *testing.T) {
	_, err := New("/nonexistent/path/to/vosk-model", 16000)
	if !asr.IsFatal(err) {
		t.Fatalf("expected fatal error for missing model path, got %v", err)
	}
}

func TestNew_BadSampleRate(t *testing.T) {
	_, err := New(t.TempDir(), 0)
	if err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if asr.IsFatal(err) {
		t.Error("a bad sample rate is a wiring mistake, not a model failure")
	}
}

// ---- Result handling tests ----

func newTestRun(buf int) (*decodeRun, chan types.TranscriptEvent) {
	ch := make(chan types.TranscriptEvent, buf)
	return &decodeRun{events: ch, id: "run1", startedAt: time.Now()}, ch
}

func drain(ch chan types.TranscriptEvent) []types.TranscriptEvent {
	var out []types.TranscriptEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHandle_FinalCarriesTextAndBounds(t *testing.T) {
	run, ch := newTestRun(4)
	raw := `{"text":"saluton mondo","result":[
		{"word":"saluton","start":0.5,"end":1.0},
		{"word":"mondo","start":1.1,"end":1.6}]}`
	run.handle(context.Background(), raw, true)

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.Kind != types.EventFinal || ev.Text != "saluton mondo" {
		t.Errorf("event = %+v; want final 'saluton mondo'", ev)
	}
	if ev.UtteranceID != "run1-1" {
		t.Errorf("utterance id = %q; want run1-1", ev.UtteranceID)
	}
	if d := ev.EndedAt.Sub(ev.StartedAt); d != 1100*time.Millisecond {
		t.Errorf("utterance spans %v; want 1.1s", d)
	}
}

func TestHandle_EmptyFinalSkipped(t *testing.T) {
	run, ch := newTestRun(4)
	run.handle(context.Background(), `{"text":""}`, true)
	run.handle(context.Background(), `{"text":"   "}`, true)
	if got := drain(ch); len(got) != 0 {
		t.Errorf("expected no events for empty finals, got %+v", got)
	}
}

func TestHandle_PartialDedup(t *testing.T) {
	run, ch := newTestRun(8)
	run.handle(context.Background(), `{"partial":"sal"}`, false)
	run.handle(context.Background(), `{"partial":"sal"}`, false)
	run.handle(context.Background(), `{"partial":"salu"}`, false)

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(got), got)
	}
	if got[0].Text != "sal" || got[1].Text != "salu" {
		t.Errorf("texts = %q, %q; want sal, salu", got[0].Text, got[1].Text)
	}
	for _, ev := range got {
		if ev.Kind != types.EventPartial {
			t.Errorf("kind = %v; want partial", ev.Kind)
		}
	}
}

func TestHandle_ClearedHypothesisEmitsOneEmptyPartial(t *testing.T) {
	run, ch := newTestRun(8)
	run.handle(context.Background(), `{"partial":"saluton"}`, false)
	run.handle(context.Background(), `{"partial":""}`, false)
	run.handle(context.Background(), `{"partial":""}`, false)

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(got), got)
	}
	if got[1].Text != "" {
		t.Errorf("second event text = %q; want empty reset", got[1].Text)
	}
}

func TestHandle_FinalResetsPartialDedup(t *testing.T) {
	run, ch := newTestRun(8)
	run.handle(context.Background(), `{"partial":"sal"}`, false)
	run.handle(context.Background(), `{"text":"sal"}`, true)
	run.handle(context.Background(), `{"partial":"sal"}`, false)

	got := drain(ch)
	if len(got) != 3 {
		t.Fatalf("expected partial, final, partial; got %d: %+v", len(got), got)
	}
	if got[2].Kind != types.EventPartial || got[2].Text != "sal" {
		t.Errorf("third event = %+v; want the partial re-emitted after the final", got[2])
	}
}

func TestHandle_FinalNumberingAdvances(t *testing.T) {
	run, ch := newTestRun(8)
	run.handle(context.Background(), `{"text":"unu"}`, true)
	run.handle(context.Background(), `{"text":"du"}`, true)

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("expected 2 finals, got %d", len(got))
	}
	if got[0].UtteranceID != "run1-1" || got[1].UtteranceID != "run1-2" {
		t.Errorf("utterance ids = %q, %q", got[0].UtteranceID, got[1].UtteranceID)
	}
}

func TestHandle_MalformedPayloadSkipped(t *testing.T) {
	run, ch := newTestRun(4)
	run.handle(context.Background(), `{not json`, true)
	run.handle(context.Background(), ``, false)
	if got := drain(ch); len(got) != 0 {
		t.Errorf("expected no events, got %+v", got)
	}
}

// ---- Integration tests (require a real model) ----

func TestRun_SilenceProducesNoFinals(t *testing.T) {
	b, err := New(testModelPath(t), 16000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	frames := make(chan types.AudioFrame, 4)
	for i := uint64(0); i < 4; i++ {
		frames <- types.AudioFrame{
			PCM:        make([]byte, 16000), // 500 ms of silence
			SampleRate: 16000,
			Channels:   1,
			Index:      i,
		}
	}
	close(frames)

	events := make(chan types.TranscriptEvent, 32)
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(context.Background(), frames, events) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	for {
		select {
		case ev := <-events:
			if ev.Kind == types.EventFinal && ev.Text != "" {
				t.Errorf("unexpected final for silence-only audio: %q", ev.Text)
			}
		default:
			return
		}
	}
}
