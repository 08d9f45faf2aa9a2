// Package mock provides a scripted test double for the asr package.
//
// Backend plays back a fixed script of transcript events with per-event
// delays while consuming (and counting) whatever audio it is fed. Pipeline
// tests use it to drive the fan-out deterministically; it is also reachable
// at runtime for wiring checks.
//
// Example:
//
//	b := mock.New(
//	    mock.ScriptedEvent{Event: types.TranscriptEvent{Kind: types.EventPartial, Text: "sal"}},
//	    mock.ScriptedEvent{Delay: 50 * time.Millisecond, Event: types.TranscriptEvent{Kind: types.EventFinal, Text: "Saluton."}},
//	)
//	go b.Run(ctx, frames, events)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

// ScriptedEvent is one step of a mock playback script.
type ScriptedEvent struct {
	// Delay is how long to wait before emitting Event.
	Delay time.Duration

	// Event is delivered verbatim on the events channel.
	Event types.TranscriptEvent
}

// Backend is a mock implementation of asr.Backend.
type Backend struct {
	mu sync.Mutex

	// Script is the sequence of events Run plays back in order.
	Script []ScriptedEvent

	// RunErr, if non-nil, is returned by Run immediately after the script
	// finishes, without waiting for the frame channel to close.
	RunErr error

	// RunCalls counts invocations of Run.
	RunCalls int

	frames    int
	delivered int
}

// New returns a Backend that plays back script.
func New(script ...ScriptedEvent) *Backend {
	return &Backend{Script: script}
}

// Run plays back the script, then blocks until the frame channel closes or
// ctx is cancelled. Frames are consumed and counted throughout, so a
// producer never blocks on the mock.
func (b *Backend) Run(ctx context.Context, frames <-chan types.AudioFrame, events chan<- types.TranscriptEvent) error {
	b.mu.Lock()
	b.RunCalls++
	script := append([]ScriptedEvent(nil), b.Script...)
	b.mu.Unlock()

	framesDone := make(chan struct{})
	go func() {
		defer close(framesDone)
		for range frames {
			b.mu.Lock()
			b.frames++
			b.mu.Unlock()
		}
	}()

	for _, step := range script {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}
		select {
		case events <- step.Event:
			b.mu.Lock()
			b.delivered++
			b.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}

	b.mu.Lock()
	err := b.RunErr
	b.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-framesDone:
	case <-ctx.Done():
	}
	return nil
}

// FramesConsumed returns the number of frames Run has drained. Thread-safe.
func (b *Backend) FramesConsumed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// EventsDelivered returns the number of script events sent so far.
// Thread-safe.
func (b *Backend) EventsDelivered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered
}

// Reset clears all recorded state. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RunCalls = 0
	b.frames = 0
	b.delivered = 0
}

// Ensure Backend implements asr.Backend at compile time.
var _ asr.Backend = (*Backend)(nil)
