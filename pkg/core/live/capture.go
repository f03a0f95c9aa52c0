package live

import (
	"context"
	"encoding/binary"
	"sync"
)

// AudioFrame is a fixed-size block of mono microphone samples in [-1, 1].
type AudioFrame struct {
	Seq        int64
	Samples    []float32
	SampleRate int
}

// CaptureSource opens the microphone.
//
// Open fails with a core.ErrPermission error when access is denied and a
// core.ErrDevice error when no input device is available.
type CaptureSource interface {
	Open(ctx context.Context) (FrameStream, error)
}

// FrameStream is an open microphone. Frames is closed after Close returns.
type FrameStream interface {
	Frames() <-chan AudioFrame
	Close() error
}

// Framer accumulates arbitrary-size input into fixed-size frames.
type Framer struct {
	size    int
	rate    int
	buf     []float32
	seq     int64
	oddByte []byte
}

// NewFramer returns a framer producing frames of size samples at rate Hz.
func NewFramer(size, rate int) *Framer {
	if size <= 0 {
		size = DefaultAudioConfig().FrameSamples
	}
	return &Framer{size: size, rate: rate, buf: make([]float32, 0, size)}
}

// Push appends samples and returns any frames completed by them.
func (f *Framer) Push(samples []float32) []AudioFrame {
	var out []AudioFrame
	for len(samples) > 0 {
		n := f.size - len(f.buf)
		if n > len(samples) {
			n = len(samples)
		}
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			frame := AudioFrame{
				Seq:        f.seq,
				Samples:    f.buf,
				SampleRate: f.rate,
			}
			f.seq++
			out = append(out, frame)
			f.buf = make([]float32, 0, f.size)
		}
	}
	return out
}

// PushPCM16 appends int16 LE PCM. A trailing odd byte is held until the
// next call.
func (f *Framer) PushPCM16(pcm []byte) []AudioFrame {
	if len(f.oddByte) > 0 {
		pcm = append(append([]byte(nil), f.oddByte...), pcm...)
		f.oddByte = nil
	}
	if len(pcm)%2 == 1 {
		f.oddByte = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcm16Scale
	}
	return f.Push(samples)
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// FramePipe is a FrameStream fed by a capture callback. Frames that arrive
// while the consumer is behind are dropped.
type FramePipe struct {
	mu      sync.Mutex
	frames  chan AudioFrame
	closed  bool
	dropped int64
	release func() error
	once    sync.Once
	err     error
}

// NewFramePipe returns a pipe with the given channel buffer. release is
// called once on Close before the channel is closed.
func NewFramePipe(buffer int, release func() error) *FramePipe {
	if buffer <= 0 {
		buffer = 8
	}
	return &FramePipe{frames: make(chan AudioFrame, buffer), release: release}
}

// Deliver hands a frame to the consumer without blocking. It reports false
// when the frame was dropped.
func (p *FramePipe) Deliver(frame AudioFrame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.frames <- frame:
		return true
	default:
		p.dropped++
		return false
	}
}

// Dropped returns how many frames were discarded.
func (p *FramePipe) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Frames implements FrameStream.
func (p *FramePipe) Frames() <-chan AudioFrame {
	return p.frames
}

// Close implements FrameStream. It is safe to call more than once.
func (p *FramePipe) Close() error {
	p.once.Do(func() {
		if p.release != nil {
			p.err = p.release()
		}
		p.mu.Lock()
		p.closed = true
		close(p.frames)
		p.mu.Unlock()
	})
	return p.err
}
