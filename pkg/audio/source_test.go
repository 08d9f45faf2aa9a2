package audio

import (
	"os"
	"testing"
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// ---- Queue tests ----

func TestPushFrame_DeliversWhenRoom(t *testing.T) {
	ch := make(chan types.AudioFrame, 2)
	if dropped := pushFrame(ch, types.AudioFrame{Index: 1}); dropped != 0 {
		t.Fatalf("dropped %d frames pushing into an empty queue", dropped)
	}
	if len(ch) != 1 {
		t.Fatalf("queue length %d, want 1", len(ch))
	}
}

func TestPushFrame_DropsOldest(t *testing.T) {
	ch := make(chan types.AudioFrame, 2)
	pushFrame(ch, types.AudioFrame{Index: 1})
	pushFrame(ch, types.AudioFrame{Index: 2})
	if dropped := pushFrame(ch, types.AudioFrame{Index: 3}); dropped != 1 {
		t.Fatalf("dropped %d frames, want 1", dropped)
	}
	first := <-ch
	second := <-ch
	if first.Index != 2 || second.Index != 3 {
		t.Errorf("queue after drop: %d, %d; want 2, 3", first.Index, second.Index)
	}
}

// ---- Config tests ----

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DeviceIndex: -1}.withDefaults()
	if cfg.SampleRate != 16000 {
		t.Errorf("SampleRate: %d", cfg.SampleRate)
	}
	if cfg.Channels != 1 {
		t.Errorf("Channels: %d", cfg.Channels)
	}
	if cfg.ChunkDuration != 500*time.Millisecond {
		t.Errorf("ChunkDuration: %v", cfg.ChunkDuration)
	}
	if cfg.CheckInterval != 2*time.Second {
		t.Errorf("CheckInterval: %v", cfg.CheckInterval)
	}
	if cfg.QueueSize != 32 {
		t.Errorf("QueueSize: %d", cfg.QueueSize)
	}
	if cfg.nativeRate() != 16000 {
		t.Errorf("nativeRate: %d", cfg.nativeRate())
	}
}

func TestConfigExplicitValuesKept(t *testing.T) {
	cfg := Config{
		DeviceIndex:      3,
		SampleRate:       8000,
		DeviceSampleRate: 48000,
		Channels:         2,
		ChunkDuration:    time.Second,
		CheckInterval:    5 * time.Second,
		QueueSize:        8,
	}.withDefaults()
	if cfg.DeviceIndex != 3 || cfg.SampleRate != 8000 || cfg.Channels != 2 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
	if cfg.ChunkDuration != time.Second || cfg.CheckInterval != 5*time.Second || cfg.QueueSize != 8 {
		t.Errorf("explicit durations overwritten: %+v", cfg)
	}
	if cfg.nativeRate() != 48000 {
		t.Errorf("nativeRate: %d, want the device rate", cfg.nativeRate())
	}
}

// ---- Lifecycle tests ----

func TestStopBeforeStart(t *testing.T) {
	src := New(Config{DeviceIndex: -1})
	done := make(chan struct{})
	go func() {
		src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked although the source never started")
	}
}

func TestStopIsIdempotentBeforeStart(t *testing.T) {
	src := New(Config{DeviceIndex: -1})
	src.Stop()
	src.Stop()
}

// ---- Integration tests ----

// testDeviceGate skips unless real capture hardware is opted in via
// PAROLFLUO_AUDIO_DEVICE_TEST=1.
func testDeviceGate(t *testing.T) {
	t.Helper()
	if os.Getenv("PAROLFLUO_AUDIO_DEVICE_TEST") == "" {
		t.Skip("set PAROLFLUO_AUDIO_DEVICE_TEST=1 to run capture hardware tests")
	}
}

func TestSourceCaptures(t *testing.T) {
	testDeviceGate(t)

	src := New(Config{DeviceIndex: -1, ChunkDuration: 100 * time.Millisecond})
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var frames int
	timeout := time.After(10 * time.Second)
loop:
	for frames < 5 {
		select {
		case f := <-src.Frames():
			if f.SampleRate != 16000 || f.Channels != 1 {
				t.Errorf("frame format %dHz %dch, want 16000Hz mono", f.SampleRate, f.Channels)
			}
			frames++
		case <-timeout:
			break loop
		}
	}
	src.Stop()
	if frames == 0 {
		t.Fatal("no frames captured from the default device")
	}

	// The frame channel closes once the capture goroutine exits.
	for range src.Frames() {
	}
}

func TestSourceStartTwice(t *testing.T) {
	testDeviceGate(t)

	src := New(Config{DeviceIndex: -1})
	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()
	if err := src.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
}
