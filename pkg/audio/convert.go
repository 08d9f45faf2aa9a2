package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable rendering, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts captured frames to the pipeline format. The
// pipeline runs mono, so the converter downmixes multi-channel input by
// averaging before the resampler runs; Target.Channels is expected to be 1
// and upmixing is not supported. It logs a warning on the first format
// mismatch and validates PCM data alignment.
// Create one per capture stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format, preserving Index and
// CapturedAt. If the source format already matches the target, the frame is
// returned unchanged (zero allocation). Frames whose PCM is not aligned to
// whole int16 samples come back with empty PCM and the target format.
func (c *FormatConverter) Convert(frame types.AudioFrame) types.AudioFrame {
	// Validate: odd byte count for int16 PCM.
	if len(frame.PCM)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.PCM),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		frame.PCM = nil
		frame.SampleRate = c.Target.SampleRate
		frame.Channels = c.Target.Channels
		return frame
	}

	// Fast path: source matches target.
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	// Log warning on first mismatch.
	c.warnedMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.PCM

	// Step 1: downmix first so the resampler only ever sees mono.
	if frame.Channels > 1 {
		pcm = DownmixMono(pcm, frame.Channels)
	}

	// Step 2: resample.
	if frame.SampleRate != c.Target.SampleRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
	}

	frame.PCM = pcm
	frame.SampleRate = c.Target.SampleRate
	frame.Channels = c.Target.Channels
	return frame
}

// DownmixMono averages the interleaved channels of each sample frame to
// produce mono output. Input must be little-endian int16 PCM. Uses int32
// arithmetic to prevent overflow and clamps to int16 range. Input with one
// channel (or fewer) is returned unchanged.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
