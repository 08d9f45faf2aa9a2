package translate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parolfluo/parolfluo/pkg/provider/translate"
	"github.com/parolfluo/parolfluo/pkg/provider/translate/mock"
)

// ── fan-out ──────────────────────────────────────────────────────────────────

func TestTranslateAll_AllTargets(t *testing.T) {
	tr := &mock.Translator{
		Results: map[string]string{
			"ja": "こんにちは。",
			"ko": "안녕하세요.",
		},
	}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja", "ko"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	got := svc.TranslateAll(context.Background(), "Bonan tagon.")
	if len(got) != 2 {
		t.Fatalf("len(translations) = %d, want 2: %v", len(got), got)
	}
	if got["ja"] != "こんにちは。" {
		t.Errorf("ja = %q, want %q", got["ja"], "こんにちは。")
	}
	if got["ko"] != "안녕하세요." {
		t.Errorf("ko = %q, want %q", got["ko"], "안녕하세요.")
	}

	// Source language must be forwarded to every provider call.
	for _, call := range tr.TranslateCalls {
		if call.Source != "eo" {
			t.Errorf("call source = %q, want %q", call.Source, "eo")
		}
		if call.Text != "Bonan tagon." {
			t.Errorf("call text = %q, want %q", call.Text, "Bonan tagon.")
		}
	}
}

// TestTranslateAll_PartialFailure verifies that a failing target is omitted
// from the map while the others still arrive.
func TestTranslateAll_PartialFailure(t *testing.T) {
	tr := &mock.Translator{
		Results: map[string]string{"ja": "こんにちは"},
		Errs:    map[string]error{"ko": errors.New("quota exceeded")},
	}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja", "ko"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	got := svc.TranslateAll(context.Background(), "Bonan tagon.")
	if len(got) != 1 {
		t.Fatalf("len(translations) = %d, want 1: %v", len(got), got)
	}
	if got["ja"] != "こんにちは" {
		t.Errorf("ja = %q, want %q", got["ja"], "こんにちは")
	}
	if _, ok := got["ko"]; ok {
		t.Error("ko should be absent, not present with any value")
	}
}

// TestTranslateAll_SlowTargetTimesOut verifies that a target that never
// answers is dropped after the per-call timeout without blocking the rest.
func TestTranslateAll_SlowTargetTimesOut(t *testing.T) {
	blocked := make(chan struct{}) // never closed
	ready := make(chan struct{})
	close(ready)

	tr := &mock.Translator{
		Results: map[string]string{"ja": "こんにちは"},
		Delay: func(target string) <-chan struct{} {
			if target == "ko" {
				return blocked
			}
			return ready
		},
	}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja", "ko"},
		translate.WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	start := time.Now()
	got := svc.TranslateAll(context.Background(), "Bonan tagon.")
	elapsed := time.Since(start)

	if got["ja"] != "こんにちは" {
		t.Errorf("ja = %q, want %q", got["ja"], "こんにちは")
	}
	if _, ok := got["ko"]; ok {
		t.Error("ko should have timed out and be absent")
	}
	if elapsed > 2*time.Second {
		t.Errorf("TranslateAll took %v, should return shortly after the timeout", elapsed)
	}
}

func TestTranslateAll_EmptyTextSkipsProvider(t *testing.T) {
	tr := &mock.Translator{}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if got := svc.TranslateAll(context.Background(), "   "); got != nil {
		t.Errorf("TranslateAll(blank) = %v, want nil", got)
	}
	if n := tr.CallCount(); n != 0 {
		t.Errorf("provider was called %d times for blank text, want 0", n)
	}
}

// TestTranslateAll_EmptyResultOmitted verifies that a provider answering
// with an empty string contributes no key rather than an empty value.
func TestTranslateAll_EmptyResultOmitted(t *testing.T) {
	tr := &mock.Translator{
		Results: map[string]string{"ja": "  "},
	}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	got := svc.TranslateAll(context.Background(), "Bonan tagon.")
	if _, ok := got["ja"]; ok {
		t.Errorf("ja should be absent for a blank provider answer, got %q", got["ja"])
	}
}

// ── caching ──────────────────────────────────────────────────────────────────

func TestTranslateAll_RepeatedTextServedFromCache(t *testing.T) {
	tr := &mock.Translator{
		Results: map[string]string{"ja": "こんにちは。", "ko": "안녕하세요."},
	}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja", "ko"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	first := svc.TranslateAll(context.Background(), "Bonan tagon.")
	second := svc.TranslateAll(context.Background(), "Bonan tagon.")

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("translations = %v then %v, want 2 entries each", first, second)
	}
	if n := tr.CallCount(); n != 2 {
		t.Errorf("provider called %d times, want 2 (one per target, second round cached)", n)
	}
}

func TestTranslateAll_FailuresAreNotCached(t *testing.T) {
	tr := &mock.Translator{
		Errs: map[string]error{"ja": errors.New("backend down")},
	}
	svc, err := translate.NewService(tr, "mock", "eo", []string{"ja"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	svc.TranslateAll(context.Background(), "Bonan tagon.")
	svc.TranslateAll(context.Background(), "Bonan tagon.")

	if n := tr.CallCount(); n != 2 {
		t.Errorf("provider called %d times, want 2 (errors must not be cached)", n)
	}
}

// ── construction ─────────────────────────────────────────────────────────────

func TestNewService_RequiresTranslator(t *testing.T) {
	if _, err := translate.NewService(nil, "mock", "eo", []string{"ja"}); err == nil {
		t.Fatal("expected error for nil translator, got nil")
	}
}

func TestNewService_RequiresTargets(t *testing.T) {
	if _, err := translate.NewService(&mock.Translator{}, "mock", "eo", nil); err == nil {
		t.Fatal("expected error for empty target set, got nil")
	}
}

func TestTargets_ReturnsCopy(t *testing.T) {
	svc, err := translate.NewService(&mock.Translator{}, "mock", "eo", []string{"ja", "en"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	got := svc.Targets()
	got[0] = "zz"
	if again := svc.Targets(); again[0] != "ja" {
		t.Errorf("Targets() = %v after caller mutation, want unchanged [ja en]", again)
	}
}
