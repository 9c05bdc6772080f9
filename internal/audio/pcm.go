package audio

import (
	"encoding/binary"
	"math"
)

const (
	// CaptureSampleRate is the rate the agent expects for microphone audio.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the fixed rate of agent speech.
	PlaybackSampleRate = 24000
	// ChunkBytes is 100ms of 16 kHz PCM16.
	ChunkBytes = 3200
)

// ResampleNearest maps output index i to source index round(i*src/dst),
// clamped to the input. It is an approximation suitable for speech only.
func ResampleNearest(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := int(math.Round(float64(len(in)) * float64(dstRate) / float64(srcRate)))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(in) - 1
	for i := range out {
		j := int(math.Round(float64(i) * ratio))
		if j > last {
			j = last
		}
		out[i] = in[j]
	}
	return out
}

// Float32ToPCM16 converts samples in [-1,1] to little-endian signed 16-bit bytes
// using clamp(round(x*32767), -32768, 32767).
func Float32ToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		v := math.Round(float64(s) * 32767)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat32 converts little-endian PCM16 bytes to floats via sample/32768.
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}
