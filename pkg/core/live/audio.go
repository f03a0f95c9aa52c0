package live

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
)

const pcm16Scale = 32767.0

// EncodedChunk is a transport-ready block of base64-encoded 16-bit
// little-endian PCM.
type EncodedChunk struct {
	Data       string `json:"data_b64"`
	SampleRate int    `json:"sample_rate_hz"`
	Channels   int    `json:"channels"`
}

// MIMEType returns the media type understood by the remote service.
func (c EncodedChunk) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.SampleRate)
}

// AudioBuffer is decoded, playback-ready audio. Samples are interleaved.
type AudioBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample-frames in the buffer.
func (b *AudioBuffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *AudioBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// EncodeFrame converts float samples in [-1, 1] to base64 int16 LE PCM.
// Out-of-range values are clamped and NaN encodes as silence.
func EncodeFrame(samples []float32, sampleRate int) EncodedChunk {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(floatToPCM16(s)))
	}
	return EncodedChunk{
		Data:       base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// DecodeChunk reinterprets chunk as int16 LE PCM with the given channel
// count and resamples it to targetSampleRate.
func DecodeChunk(chunk EncodedChunk, targetSampleRate, channels int) (*AudioBuffer, error) {
	if channels <= 0 {
		return nil, core.NewDecodeError(fmt.Sprintf("invalid channel count %d", channels), nil)
	}
	if targetSampleRate <= 0 {
		return nil, core.NewDecodeError(fmt.Sprintf("invalid target sample rate %d", targetSampleRate), nil)
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return nil, core.NewDecodeError("invalid base64 audio", err)
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, core.NewDecodeError(fmt.Sprintf("audio length %d is not a multiple of %d", len(pcm), frameBytes), nil)
	}

	samples := PCM16ToFloat(pcm)
	srcRate := chunk.SampleRate
	if srcRate <= 0 {
		srcRate = targetSampleRate
	}
	if srcRate != targetSampleRate {
		samples = Resample(samples, channels, srcRate, targetSampleRate)
	}
	return &AudioBuffer{
		Samples:    samples,
		SampleRate: targetSampleRate,
		Channels:   channels,
	}, nil
}

// PCM16ToFloat converts int16 LE PCM to floats in [-1, 1]. A trailing odd
// byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcm16Scale
		if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}

// FloatToPCM16 converts floats to int16 LE PCM using the same rounding as
// EncodeFrame.
func FloatToPCM16(samples []float32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(floatToPCM16(s)))
	}
	return pcm
}

func floatToPCM16(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Round(float64(s) * pcm16Scale)
	if v > pcm16Scale {
		v = pcm16Scale
	}
	if v < -pcm16Scale-1 {
		v = -pcm16Scale - 1
	}
	return int16(v)
}

// Resample converts interleaved samples between rates with linear
// interpolation.
func Resample(samples []float32, channels, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 || channels <= 0 {
		return samples
	}
	inFrames := len(samples) / channels
	outFrames := int(int64(inFrames) * int64(toRate) / int64(fromRate))
	if outFrames == 0 {
		return nil
	}
	out := make([]float32, outFrames*channels)
	step := float64(fromRate) / float64(toRate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := samples[idx*channels+ch]
			b := samples[next*channels+ch]
			out[i*channels+ch] = a + (b-a)*frac
		}
	}
	return out
}

// FrameLevel returns the RMS energy and peak amplitude of a frame, both in
// [0, 1].
func FrameLevel(samples []float32) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak > 1 {
		peak = 1
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}
