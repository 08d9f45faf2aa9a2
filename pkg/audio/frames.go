package audio

import (
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// frameAssembler turns the raw byte stream delivered by the capture callback
// into fixed-duration pipeline frames. Bytes accumulate in the native device
// format; every complete chunk is converted to the target format and handed
// to emit with the next frame index. A fresh assembler is created per bind so
// that indices restart at 0 with each capture session.
type frameAssembler struct {
	conv       FormatConverter
	native     Format
	frameBytes int
	buf        []byte
	index      uint64
	emit       func(types.AudioFrame)
	now        func() time.Time
}

func newFrameAssembler(native, target Format, chunk time.Duration, emit func(types.AudioFrame)) *frameAssembler {
	bytesPerSecond := native.SampleRate * native.Channels * 2
	frameBytes := int(float64(bytesPerSecond) * chunk.Seconds())

	// Align to whole sample frames.
	sampleBytes := native.Channels * 2
	frameBytes -= frameBytes % sampleBytes
	if frameBytes < sampleBytes {
		frameBytes = sampleBytes
	}

	return &frameAssembler{
		conv:       FormatConverter{Target: target},
		native:     native,
		frameBytes: frameBytes,
		emit:       emit,
		now:        time.Now,
	}
}

// Write appends raw native-format bytes and emits every complete frame.
// The caller must hand over a copy it no longer touches.
func (a *frameAssembler) Write(p []byte) {
	a.buf = append(a.buf, p...)
	for len(a.buf) >= a.frameBytes {
		chunk := make([]byte, a.frameBytes)
		copy(chunk, a.buf)
		rest := copy(a.buf, a.buf[a.frameBytes:])
		a.buf = a.buf[:rest]

		frame := a.conv.Convert(types.AudioFrame{
			PCM:        chunk,
			SampleRate: a.native.SampleRate,
			Channels:   a.native.Channels,
			Index:      a.index,
			CapturedAt: a.now(),
		})
		if len(frame.PCM) == 0 {
			// Corrupt chunk dropped by the converter; the index is not
			// consumed, so consumers never see a gap.
			continue
		}
		a.index++
		a.emit(frame)
	}
}
