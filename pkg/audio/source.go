// Package audio captures microphone or loopback input and turns it into the
// fixed-duration mono frames the recognizer backends consume.
//
// The central type is [Source]: it owns one active capture stream at a time,
// opened through the miniaudio bindings, and emits [types.AudioFrame] values
// on a bounded channel. A supervisor goroutine watches the bound device and
// transparently re-binds when the preferred device changes, the stream goes
// dead, or the device reports an error; consumers only ever see the frame
// channel. [Devices] enumerates capture devices for --list-devices and
// [Diagnose] runs a short test capture for --diagnose-audio.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// Timing constants for the capture supervisor.
const (
	deadStreamTimeout = 5 * time.Second
	bindGrace         = 1500 * time.Millisecond
	openBackoffMin    = 500 * time.Millisecond
	openBackoffMax    = 5 * time.Second
)

// Config controls a capture [Source]. Set DeviceIndex to -1 to follow the
// platform default device; the zero value 0 is a valid device index. The
// remaining fields fall back to the defaults noted per field when left zero.
type Config struct {
	// DeviceIndex pins capture to a fixed enumeration index. -1 follows
	// the platform default device.
	DeviceIndex int

	// DeviceName pins capture to the first device whose name contains this
	// substring, case-insensitively. Consulted only when DeviceIndex is -1.
	DeviceName string

	// SampleRate is the rate frames are emitted at. Default 16000.
	SampleRate int

	// DeviceSampleRate is the native rate the device is opened at; 0 opens
	// it at SampleRate.
	DeviceSampleRate int

	// Channels is the channel count the device is opened with; emitted
	// frames are downmixed to mono regardless. Default 1.
	Channels int

	// ChunkDuration is the duration of one emitted frame. Default 500ms.
	ChunkDuration time.Duration

	// CheckInterval is how often the supervisor re-evaluates the bound
	// device. Default 2s.
	CheckInterval time.Duration

	// QueueSize bounds the emitted frame channel; when the queue is full
	// the oldest frame is discarded. Default 32.
	QueueSize int

	// OnFrame, when set, is invoked from the capture callback for every
	// frame queued.
	OnFrame func()

	// OnDrop, when set, is invoked from the capture callback with the
	// number of frames discarded from the full queue.
	OnDrop func(n int)

	// OnRebind, when set, is invoked each time the supervisor tears down
	// the bound device to re-bind, with the reason that triggered it.
	OnRebind func(reason string)
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 500 * time.Millisecond
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	return c
}

// nativeRate returns the rate the device is opened at.
func (c Config) nativeRate() int {
	if c.DeviceSampleRate > 0 {
		return c.DeviceSampleRate
	}
	return c.SampleRate
}

// Source owns a single active capture stream and emits pipeline frames.
//
// [Source.Start] begins capture, [Source.Frames] yields frames in order, and
// [Source.Stop] releases the device and terminates the frame stream. Open
// failures and device loss are retried internally and never surface as
// errors; a source that cannot bind keeps trying with backoff until Stop.
type Source struct {
	cfg   Config
	level *LevelMonitor

	frames chan types.AudioFrame
	stop   chan struct{}
	done   chan struct{}

	mu       sync.Mutex // guards bind/unbind and the fields below
	started  bool
	mCtx     *malgo.AllocatedContext
	device   *malgo.Device
	bound    Device
	boundAt  time.Time
	lastName string

	lastData  atomic.Int64 // unix nanos of the last non-empty data callback
	deviceErr atomic.Bool  // stream reported an error; supervisor re-binds
	closing   atomic.Bool  // suppresses the stop callback during our own teardown

	stopOnce sync.Once
}

// New creates a Source with the given configuration. Call [Source.Start] to
// begin capture.
func New(cfg Config) *Source {
	cfg = cfg.withDefaults()
	return &Source{
		cfg:    cfg,
		level:  NewLevelMonitor(),
		frames: make(chan types.AudioFrame, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Frames returns the channel capture frames are emitted on. It is closed
// when the capture goroutine exits after [Source.Stop].
func (s *Source) Frames() <-chan types.AudioFrame {
	return s.frames
}

// Start initialises the platform audio context and begins capturing in the
// background. Binding the first device may still be in progress when Start
// returns; open failures are retried with backoff until [Source.Stop].
// Start may be called at most once.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("audio: source already started")
	}
	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("audio: miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return fmt.Errorf("audio: init capture context: %w", err)
	}
	s.mCtx = mCtx
	s.started = true
	go s.run()
	return nil
}

// Stop releases the device and terminates the frame stream. It blocks until
// the capture goroutine has exited. Safe to call multiple times and before
// Start.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// run is the bind and supervision loop: it keeps at most one capture stream
// bound, retries opens with backoff, and re-binds on supervisor triggers.
func (s *Source) run() {
	defer close(s.done)
	defer func() {
		s.unbind()
		_ = s.mCtx.Uninit()
		s.mCtx.Free()
		close(s.frames)
	}()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	backoff := openBackoffMin

	for {
		if !s.isBound() {
			if s.bind() {
				backoff = openBackoffMin
			} else {
				select {
				case <-s.stop:
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, openBackoffMax)
				continue
			}
		}
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			reason := s.checkHealth()
			if reason == "" {
				continue
			}
			slog.Info("audio: re-binding capture device",
				"reason", reason, "device", s.boundName())
			if s.cfg.OnRebind != nil {
				s.cfg.OnRebind(reason)
			}
			s.unbind()
		}
	}
}

func (s *Source) isBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil
}

func (s *Source) boundName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound.Name
}

// Healthy returns nil while a capture device is bound and the stream has
// produced data recently. The error names the condition, for readiness
// reporting.
func (s *Source) Healthy() error {
	s.mu.Lock()
	bound := s.device != nil
	name := s.bound.Name
	boundAt := s.boundAt
	s.mu.Unlock()

	if !bound {
		return errors.New("no capture device bound")
	}
	if time.Since(boundAt) >= bindGrace {
		last := time.Unix(0, s.lastData.Load())
		if since := time.Since(last); since >= deadStreamTimeout {
			return fmt.Errorf("device %q has produced no data for %s", name, since.Round(time.Second))
		}
	}
	return nil
}

// bind enumerates capture devices and opens the first candidate that works.
func (s *Source) bind() bool {
	devices, err := listDevices(s.mCtx)
	if err != nil {
		slog.Warn("audio: device enumeration failed", "error", err)
	}
	s.mu.Lock()
	current := s.lastName
	s.mu.Unlock()

	for _, cand := range bindCandidates(devices, s.cfg.DeviceIndex, s.cfg.DeviceName, current) {
		if err := s.open(cand); err != nil {
			slog.Warn("audio: could not open capture device",
				"device", cand.Name, "error", err)
			continue
		}
		slog.Info("audio: capture device bound",
			"device", cand.Name,
			"native_rate", s.cfg.nativeRate(),
			"channels", s.cfg.Channels,
			"chunk", s.cfg.ChunkDuration,
		)
		return true
	}
	return false
}

// open initialises and starts one capture device. The data callback copies
// the device buffer and feeds the per-bind frame assembler; both callbacks
// run on miniaudio's own threads.
func (s *Source) open(cand Device) error {
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(s.cfg.Channels)
	devCfg.SampleRate = uint32(s.cfg.nativeRate())
	devCfg.Alsa.NoMMap = 1

	native := Format{SampleRate: s.cfg.nativeRate(), Channels: s.cfg.Channels}
	target := Format{SampleRate: s.cfg.SampleRate, Channels: 1}
	asm := newFrameAssembler(native, target, s.cfg.ChunkDuration, s.emit)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			if len(pInput) == 0 {
				return
			}
			s.lastData.Store(time.Now().UnixNano())
			pcm := make([]byte, len(pInput))
			copy(pcm, pInput)
			asm.Write(pcm)
		},
		Stop: func() {
			if !s.closing.Load() {
				s.deviceErr.Store(true)
			}
		},
	}

	// Pin the device id for the cgo call; a zero id lets the platform pick.
	var pinner runtime.Pinner
	defer pinner.Unpin()
	if cand.id != (malgo.DeviceID{}) {
		id := cand.id
		pinner.Pin(&id)
		devCfg.Capture.DeviceID = unsafe.Pointer(&id)
	}

	s.closing.Store(false)
	s.deviceErr.Store(false)
	device, err := malgo.InitDevice(s.mCtx.Context, devCfg, callbacks)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return err
	}

	now := time.Now()
	s.lastData.Store(now.UnixNano())
	s.mu.Lock()
	s.device = device
	s.bound = cand
	s.boundAt = now
	s.lastName = cand.Name
	s.mu.Unlock()
	return nil
}

// unbind stops and releases the bound device, if any. The closing flag keeps
// the device's stop callback from reading our own teardown as a failure.
func (s *Source) unbind() {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.mu.Unlock()
	if device == nil {
		return
	}
	s.closing.Store(true)
	device.Uninit()
}

// checkHealth returns a non-empty re-bind reason when the supervisor should
// tear down the bound stream.
func (s *Source) checkHealth() string {
	if s.deviceErr.Load() {
		return "device error"
	}

	s.mu.Lock()
	boundAt := s.boundAt
	bound := s.bound
	s.mu.Unlock()

	// Dead stream: no data callback for too long, once the bind is past its
	// grace period.
	if time.Since(boundAt) >= bindGrace {
		last := time.Unix(0, s.lastData.Load())
		if time.Since(last) >= deadStreamTimeout {
			return "dead stream"
		}
	}

	// Preferred device drift, only when not pinned to an explicit index.
	if s.cfg.DeviceIndex < 0 {
		devices, err := listDevices(s.mCtx)
		if err != nil {
			return ""
		}
		if want, err := ResolveDevice(devices, s.cfg.DeviceIndex, s.cfg.DeviceName); err == nil && want.id != bound.id {
			return "preferred device changed"
		}
	}
	return ""
}

// emit is the assembler sink: it level-checks the frame and queues it,
// discarding the oldest frames when the queue is full.
func (s *Source) emit(frame types.AudioFrame) {
	s.level.Observe(frame)
	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame()
	}
	if n := pushFrame(s.frames, frame); n > 0 {
		slog.Debug("audio: frame queue full, dropped oldest",
			"dropped", n, "index", frame.Index)
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(n)
		}
	}
}

// pushFrame delivers frame on ch, dropping the oldest queued frames until
// there is room. Single producer; returns the number of frames dropped.
func pushFrame(ch chan types.AudioFrame, frame types.AudioFrame) (dropped int) {
	for {
		select {
		case ch <- frame:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped++
		default:
		}
	}
}
