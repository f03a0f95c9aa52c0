package wavdump

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/vango-go/vai-live/pkg/core/live"
)

type stubClock struct {
	scheduled int
	closed    bool
	err       error
}

func (c *stubClock) Now() time.Duration { return 0 }

func (c *stubClock) Schedule(*live.AudioBuffer, time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.scheduled++
	return nil
}

func (c *stubClock) StopAll() {}

func (c *stubClock) Close() error {
	c.closed = true
	return nil
}

type stubDevice struct{ clock *stubClock }

func (d stubDevice) Open(context.Context) (live.OutputClock, error) { return d.clock, nil }

func TestRecorder_WritesScheduledAudio(t *testing.T) {
	dir := t.TempDir()
	inner := &stubClock{}
	dev := Wrap(stubDevice{clock: inner}, dir, 24000, WithNow(func() time.Time { return time.Unix(0, 0) }))

	clock, err := dev.Open(context.Background())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	half := make([]float32, 2400)
	for i := range half {
		half[i] = 0.5
	}
	if err := clock.Schedule(&live.AudioBuffer{Samples: half, SampleRate: 24000, Channels: 1}, 0); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	// 12 kHz input is resampled to the file rate.
	if err := clock.Schedule(&live.AudioBuffer{Samples: half[:1200], SampleRate: 12000, Channels: 1}, 100*time.Millisecond); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := clock.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if inner.scheduled != 2 || !inner.closed {
		t.Fatalf("inner clock scheduled=%d closed=%v", inner.scheduled, inner.closed)
	}

	f, err := os.Open(filepath.Join(dir, "live-19700101-000000.000.wav"))
	if err != nil {
		t.Fatalf("open dump: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode dump: %v", err)
	}
	if dec.SampleRate != 24000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("format = %d Hz x%d %d-bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != 4800 {
		t.Fatalf("samples = %d, want 4800", len(buf.Data))
	}
	if buf.Data[0] != 16384 && buf.Data[0] != 16383 {
		t.Fatalf("first sample = %d, want ~16384", buf.Data[0])
	}
}

func TestRecorder_SkipsRejectedAudio(t *testing.T) {
	dir := t.TempDir()
	inner := &stubClock{err: live.ErrClockClosed}
	clock, err := Wrap(stubDevice{clock: inner}, dir, 24000).Open(context.Background())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	err = clock.Schedule(&live.AudioBuffer{Samples: make([]float32, 10), SampleRate: 24000, Channels: 1}, 0)
	if !errors.Is(err, live.ErrClockClosed) {
		t.Fatalf("Schedule error = %v, want ErrClockClosed", err)
	}
	_ = clock.Close()
	_ = clock.Close()
}
