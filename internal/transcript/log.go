// Package transcript persists final transcript lines: a plain-text session
// log on disk, an optional Postgres archive, and the text normalization the
// pipeline applies before any sink sees a final.
//
// The [Logger] appends one timestamped line per final and is the sink meant
// for humans reading back a meeting. The [Archive] stores the same finals
// with their utterance bounds in a transcript_entries table for later
// querying. Both are optional; a nil *Logger or *Archive is a no-op.
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// Logger appends finals to a plain-text transcript file, one line each:
//
//	2026-08-24T14:03:07+02:00 [S1] Bonan tagon al ĉiuj.
//
// The speaker column shows "-" when the recognizer did not attribute the
// utterance. Writes are serialized; errors are logged and swallowed so a
// full disk never stops the pipeline. All methods are safe on a nil
// receiver, which is how a disabled transcript log is represented.
type Logger struct {
	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

// Open creates or appends to the transcript file at path, creating parent
// directories as needed.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	slog.Info("transcript: logging finals", "path", path)
	return &Logger{f: f, path: path, now: time.Now}, nil
}

// Append writes one final to the log.
func (l *Logger) Append(ev types.TranscriptEvent) {
	if l == nil || ev.Text == "" {
		return
	}
	speaker := ev.Speaker
	if speaker == "" {
		speaker = "-"
	}
	line := l.now().Format(time.RFC3339) + " [" + speaker + "] " + ev.Text + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.WriteString(line); err != nil {
		slog.Error("transcript: write failed", "path", l.path, "error", err)
	}
}

// Close closes the transcript file. Further Appends become no-ops.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("transcript: close %s: %w", l.path, err)
	}
	return nil
}
