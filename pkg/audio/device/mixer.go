package device

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
)

type voice struct {
	start   int64
	samples []float32
}

func (v voice) end(channels int) int64 {
	return v.start + int64(len(v.samples)/channels)
}

// Mixer is a sample-accurate timeline. The audio backend pulls float32 LE
// frames through Read; scheduled buffers are summed at their start frame.
// Position advances only as frames are read, so Now tracks the backend.
type Mixer struct {
	rate     int
	channels int

	mu     sync.Mutex
	pos    int64
	voices []voice
	closed bool
}

// NewMixer returns a mixer producing interleaved float32 at rate.
func NewMixer(rate, channels int) *Mixer {
	if channels <= 0 {
		channels = 1
	}
	return &Mixer{rate: rate, channels: channels}
}

// Read implements io.Reader. It never blocks; silence fills gaps.
func (m *Mixer) Read(p []byte) (int, error) {
	frameBytes := 4 * m.channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < frames; i++ {
		t := m.pos + int64(i)
		for ch := 0; ch < m.channels; ch++ {
			var sum float32
			for _, v := range m.voices {
				if t < v.start || t >= v.end(m.channels) {
					continue
				}
				sum += v.samples[int(t-v.start)*m.channels+ch]
			}
			if sum > 1 {
				sum = 1
			} else if sum < -1 {
				sum = -1
			}
			binary.LittleEndian.PutUint32(p[(i*m.channels+ch)*4:], math.Float32bits(sum))
		}
	}
	m.pos += int64(frames)

	remaining := m.voices[:0]
	for _, v := range m.voices {
		if v.end(m.channels) > m.pos {
			remaining = append(remaining, v)
		}
	}
	m.voices = remaining

	return frames * frameBytes, nil
}

// Now returns the position of the next frame to be read.
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.pos)
}

// Schedule places buf at offset at. A start already in the past plays from
// the current position.
func (m *Mixer) Schedule(buf *live.AudioBuffer, at time.Duration) error {
	if buf == nil || len(buf.Samples) == 0 {
		return nil
	}
	samples := m.conform(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return live.ErrClockClosed
	}
	start := int64(at) * int64(m.rate) / int64(time.Second)
	if start < m.pos {
		start = m.pos
	}
	m.voices = append(m.voices, voice{start: start, samples: samples})
	return nil
}

// StopAll silences everything scheduled, including the voice in progress.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices = nil
}

// Active reports how many scheduled buffers have not finished.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Close makes further Schedule calls fail with live.ErrClockClosed.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.voices = nil
	return nil
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	if m.rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(m.rate))
}

// conform resamples buf to the mixer rate and maps its channel layout.
func (m *Mixer) conform(buf *live.AudioBuffer) []float32 {
	channels := buf.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != m.rate {
		samples = live.Resample(samples, channels, buf.SampleRate, m.rate)
	}
	if channels == m.channels {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	frames := len(samples) / channels
	out := make([]float32, frames*m.channels)
	for f := 0; f < frames; f++ {
		var mono float32
		for ch := 0; ch < channels; ch++ {
			mono += samples[f*channels+ch]
		}
		mono /= float32(channels)
		for ch := 0; ch < m.channels; ch++ {
			out[f*m.channels+ch] = mono
		}
	}
	return out
}
