package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// fixedClock pins the logger's timestamps for exact line assertions.
func fixedClock(l *Logger) {
	l.now = func() time.Time {
		return time.Date(2026, 8, 24, 14, 3, 7, 0, time.UTC)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestLoggerAppendsTimestampedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fixedClock(l)

	l.Append(types.TranscriptEvent{Kind: types.EventFinal, Text: "Bonan tagon.", Speaker: "S1"})
	l.Append(types.TranscriptEvent{Kind: types.EventFinal, Text: "Ĝis revido."})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := "2026-08-24T14:03:07Z [S1] Bonan tagon.\n" +
		"2026-08-24T14:03:07Z [-] Ĝis revido.\n"
	if got := readFile(t, path); got != want {
		t.Errorf("log content = %q, want %q", got, want)
	}
}

func TestLoggerAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fixedClock(first)
	first.Append(types.TranscriptEvent{Text: "unua"})
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	fixedClock(second)
	second.Append(types.TranscriptEvent{Text: "dua"})
	second.Close()

	want := "2026-08-24T14:03:07Z [-] unua\n" +
		"2026-08-24T14:03:07Z [-] dua\n"
	if got := readFile(t, path); got != want {
		t.Errorf("log content = %q, want %q", got, want)
	}
}

func TestLoggerCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "meetings", "transcript.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open with missing parents: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("transcript file not created: %v", err)
	}
}

func TestLoggerSkipsEmptyText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Append(types.TranscriptEvent{Text: ""})
	l.Close()

	if got := readFile(t, path); got != "" {
		t.Errorf("log content = %q, want empty", got)
	}
}

func TestLoggerAppendAfterCloseIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Close()
	l.Append(types.TranscriptEvent{Text: "perdita"})

	if got := readFile(t, path); got != "" {
		t.Errorf("log content = %q, want empty", got)
	}
}

func TestLoggerNilIsSafe(t *testing.T) {
	var l *Logger
	l.Append(types.TranscriptEvent{Text: "ignorata"})
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}
