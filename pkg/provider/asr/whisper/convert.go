package whisper

import "encoding/binary"

// pcmToFloat32 converts little-endian 16-bit mono PCM to float32 samples
// in [-1, 1), the format whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(sample) / 32768.0
	}
	return out
}
