package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// Input level thresholds. Sustained silence usually means the wrong device is
// bound or the meeting source is muted; clipping means the capture gain is
// too hot for the recognizer.
const (
	noiseFloorDBFS       = -96.0
	silenceThresholdDBFS = -60.0
	clipThresholdDBFS    = -1.0
	silenceWindow        = 10 * time.Second
	levelWarnCooldown    = 15 * time.Second
)

// RMSdBFS returns the root-mean-square level of little-endian int16 PCM in
// dBFS, where 0 is full scale. Empty or all-zero input returns the 16-bit
// noise floor of -96 dBFS.
func RMSdBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return noiseFloorDBFS
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return noiseFloorDBFS
	}
	db := 20 * math.Log10(rms)
	if db < noiseFloorDBFS {
		return noiseFloorDBFS
	}
	return db
}

// LevelMonitor watches per-frame capture levels and warns once per cooldown
// window about a silent or clipping input device. It also accumulates the
// frame count and average/peak level for the diagnose report.
// Feed it from a single goroutine.
type LevelMonitor struct {
	now func() time.Time

	frames        int
	sum           float64
	peak          float64
	lastLoud      time.Time
	warnedSilence time.Time
	warnedClip    time.Time
}

// NewLevelMonitor returns a monitor ready to observe frames.
func NewLevelMonitor() *LevelMonitor {
	return &LevelMonitor{now: time.Now, peak: noiseFloorDBFS}
}

// Observe records one frame's level and emits silence or clipping warnings
// when their thresholds have held long enough.
func (m *LevelMonitor) Observe(frame types.AudioFrame) {
	db := RMSdBFS(frame.PCM)
	now := m.now()

	m.frames++
	m.sum += db
	if db > m.peak {
		m.peak = db
	}
	if m.lastLoud.IsZero() {
		m.lastLoud = now
	}

	if db >= clipThresholdDBFS && now.Sub(m.warnedClip) >= levelWarnCooldown {
		slog.Warn("audio: input is clipping, reduce the capture gain",
			"level_dbfs", round1(db))
		m.warnedClip = now
	}

	if db > silenceThresholdDBFS {
		m.lastLoud = now
		return
	}
	if now.Sub(m.lastLoud) >= silenceWindow && now.Sub(m.warnedSilence) >= levelWarnCooldown {
		slog.Warn("audio: sustained silence on the capture device, check the input source",
			"level_dbfs", round1(db),
			"silent_for", now.Sub(m.lastLoud).Round(time.Second))
		m.warnedSilence = now
	}
}

// Frames returns the number of frames observed.
func (m *LevelMonitor) Frames() int {
	return m.frames
}

// Average returns the mean frame level in dBFS, or the noise floor when no
// frames were observed.
func (m *LevelMonitor) Average() float64 {
	if m.frames == 0 {
		return noiseFloorDBFS
	}
	return m.sum / float64(m.frames)
}

// Peak returns the loudest frame level observed in dBFS.
func (m *LevelMonitor) Peak() float64 {
	return m.peak
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
