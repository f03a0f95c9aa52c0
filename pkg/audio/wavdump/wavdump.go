// Package wavdump records the assistant audio handed to an output clock into
// a WAV file per session.
package wavdump

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/vango-go/vai-live/pkg/core/live"
)

// Device wraps an output device so every opened clock also writes what it
// schedules to <dir>/live-<timestamp>.wav.
type Device struct {
	inner  live.OutputDevice
	dir    string
	rate   int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the recorder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithNow overrides the clock used to name files.
func WithNow(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// Wrap returns inner decorated with a recorder writing mono PCM16 at rate.
func Wrap(inner live.OutputDevice, dir string, rate int, opts ...Option) *Device {
	d := &Device{
		inner:  inner,
		dir:    dir,
		rate:   rate,
		now:    time.Now,
		logger: slog.Default(),
	}
	if d.rate <= 0 {
		d.rate = live.DefaultAudioConfig().OutputSampleRate
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open implements live.OutputDevice.
func (d *Device) Open(ctx context.Context) (live.OutputClock, error) {
	clock, err := d.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		_ = clock.Close()
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	path := filepath.Join(d.dir, fmt.Sprintf("live-%s.wav", d.now().UTC().Format("20060102-150405.000")))
	file, err := os.Create(path)
	if err != nil {
		_ = clock.Close()
		return nil, fmt.Errorf("create dump file: %w", err)
	}
	d.logger.Debug("recording session audio", "path", path)
	return &recorder{
		OutputClock: clock,
		path:        path,
		file:        file,
		enc:         wav.NewEncoder(file, d.rate, 16, 1, 1),
		rate:        d.rate,
		logger:      d.logger,
	}, nil
}

type recorder struct {
	live.OutputClock
	path   string
	file   *os.File
	enc    *wav.Encoder
	rate   int
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	written   int
	closeOnce sync.Once
	closeErr  error
}

// Schedule forwards to the wrapped clock and records buf when it was
// accepted.
func (r *recorder) Schedule(buf *live.AudioBuffer, at time.Duration) error {
	if err := r.OutputClock.Schedule(buf, at); err != nil {
		return err
	}
	if buf == nil || len(buf.Samples) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	data := toPCM16(buf, r.rate)
	err := r.enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		r.logger.Warn("wav dump write failed", "path", r.path, "error", err)
		return nil
	}
	r.written += len(data)
	return nil
}

func (r *recorder) Close() error {
	r.closeOnce.Do(func() {
		clockErr := r.OutputClock.Close()

		r.mu.Lock()
		r.closed = true
		encErr := r.enc.Close()
		fileErr := r.file.Close()
		written := r.written
		r.mu.Unlock()

		r.logger.Debug("session audio recorded", "path", r.path, "samples", written)
		switch {
		case clockErr != nil:
			r.closeErr = clockErr
		case encErr != nil:
			r.closeErr = fmt.Errorf("finalize wav: %w", encErr)
		case fileErr != nil:
			r.closeErr = fileErr
		}
	})
	return r.closeErr
}

// toPCM16 downmixes buf to mono at rate and scales it to int16 range.
func toPCM16(buf *live.AudioBuffer, rate int) []int {
	channels := buf.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := len(buf.Samples) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += buf.Samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	if buf.SampleRate > 0 && buf.SampleRate != rate {
		mono = live.Resample(mono, 1, buf.SampleRate, rate)
	}

	pcm := live.FloatToPCM16(mono)
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return out
}
