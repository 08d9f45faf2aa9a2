package audio

import (
	"testing"
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// collectFrames returns an assembler whose emitted frames land in the
// returned slice pointer.
func collectFrames(native, target Format, chunk time.Duration) (*frameAssembler, *[]types.AudioFrame) {
	var got []types.AudioFrame
	a := newFrameAssembler(native, target, chunk, func(f types.AudioFrame) {
		got = append(got, f)
	})
	return a, &got
}

func TestFrameAssembler_SlicesFixedFrames(t *testing.T) {
	mono16k := Format{SampleRate: 16000, Channels: 1}
	a, got := collectFrames(mono16k, mono16k, 100*time.Millisecond)
	if a.frameBytes != 3200 {
		t.Fatalf("frameBytes: got %d, want 3200", a.frameBytes)
	}

	// 2.5 frames worth of bytes: two frames out, the rest buffered.
	a.Write(make([]byte, 8000))
	if len(*got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(*got))
	}
	for i, f := range *got {
		if len(f.PCM) != 3200 {
			t.Errorf("frame %d: %d bytes, want 3200", i, len(f.PCM))
		}
		if f.Index != uint64(i) {
			t.Errorf("frame %d: index %d", i, f.Index)
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d: format %dHz %dch", i, f.SampleRate, f.Channels)
		}
	}
	if len(a.buf) != 1600 {
		t.Errorf("remainder: got %d bytes, want 1600", len(a.buf))
	}
}

func TestFrameAssembler_RemainderCarriesOver(t *testing.T) {
	mono16k := Format{SampleRate: 16000, Channels: 1}
	a, got := collectFrames(mono16k, mono16k, 100*time.Millisecond)

	first := make([]byte, 2000)
	for i := range first {
		first[i] = 0xAA
	}
	second := make([]byte, 1500)
	for i := range second {
		second[i] = 0xBB
	}

	a.Write(first)
	if len(*got) != 0 {
		t.Fatalf("frame emitted before a full chunk accumulated")
	}
	a.Write(second)
	if len(*got) != 1 {
		t.Fatalf("expected 1 frame after 3500 bytes, got %d", len(*got))
	}

	frame := (*got)[0]
	if frame.PCM[1999] != 0xAA || frame.PCM[2000] != 0xBB {
		t.Error("frame does not splice the two writes in order")
	}
	if len(a.buf) != 300 {
		t.Errorf("remainder: got %d bytes, want 300", len(a.buf))
	}
}

func TestFrameAssembler_ConvertsToTarget(t *testing.T) {
	native := Format{SampleRate: 48000, Channels: 2}
	target := Format{SampleRate: 16000, Channels: 1}
	a, got := collectFrames(native, target, 100*time.Millisecond)

	// 100ms at 48kHz stereo is 19200 bytes.
	if a.frameBytes != 19200 {
		t.Fatalf("frameBytes: got %d, want 19200", a.frameBytes)
	}
	a.Write(make([]byte, 19200))
	if len(*got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(*got))
	}

	frame := (*got)[0]
	if frame.SampleRate != 16000 || frame.Channels != 1 {
		t.Errorf("format: %dHz %dch, want 16000Hz mono", frame.SampleRate, frame.Channels)
	}
	// 100ms at 16kHz mono is 3200 bytes.
	if len(frame.PCM) != 3200 {
		t.Errorf("converted frame: %d bytes, want 3200", len(frame.PCM))
	}
	if frame.Duration() != 100*time.Millisecond {
		t.Errorf("duration: got %v", frame.Duration())
	}
}

func TestFrameAssembler_IndexMonotonic(t *testing.T) {
	mono16k := Format{SampleRate: 16000, Channels: 1}
	a, got := collectFrames(mono16k, mono16k, 100*time.Millisecond)

	for range 3 {
		a.Write(make([]byte, 3200))
	}
	if len(*got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(*got))
	}
	for i, f := range *got {
		if f.Index != uint64(i) {
			t.Errorf("frame %d: index %d", i, f.Index)
		}
	}
}

func TestFrameAssembler_AlignsToSampleBoundary(t *testing.T) {
	// 33ms at 44100Hz stereo is 5821.2 bytes; the assembler must round down
	// to a whole sample frame.
	a, _ := collectFrames(Format{SampleRate: 44100, Channels: 2}, Format{SampleRate: 16000, Channels: 1}, 33*time.Millisecond)
	if a.frameBytes <= 0 || a.frameBytes%4 != 0 {
		t.Errorf("frameBytes %d not aligned to 4-byte stereo samples", a.frameBytes)
	}
}
