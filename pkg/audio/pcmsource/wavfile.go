package pcmsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

// WAVFile replays a WAV file as microphone input, one frame per frame
// duration. The file is downmixed to mono and resampled to the input rate.
type WAVFile struct {
	path         string
	sampleRate   int
	frameSamples int
	pace         bool
	opts         options
}

// NewWAVFile returns a file-backed capture source. When pace is false the
// frames are delivered as fast as the consumer accepts them.
func NewWAVFile(path string, cfg live.AudioConfig, pace bool, opts ...Option) *WAVFile {
	def := live.DefaultAudioConfig()
	f := &WAVFile{
		path:         path,
		sampleRate:   cfg.InputSampleRate,
		frameSamples: cfg.FrameSamples,
		pace:         pace,
		opts:         defaultOptions(),
	}
	if f.sampleRate <= 0 {
		f.sampleRate = def.InputSampleRate
	}
	if f.frameSamples <= 0 {
		f.frameSamples = def.FrameSamples
	}
	for _, opt := range opts {
		opt(&f.opts)
	}
	return f
}

// Open implements live.CaptureSource.
func (f *WAVFile) Open(ctx context.Context) (live.FrameStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples, err := readMonoWAV(f.path, f.sampleRate)
	if err != nil {
		return nil, err
	}

	framer := live.NewFramer(f.frameSamples, f.sampleRate)
	frames := framer.Push(samples)
	if rest := framer.Buffered(); rest > 0 {
		frames = append(frames, framer.Push(make([]float32, f.frameSamples-rest))...)
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	pipe := live.NewFramePipe(f.opts.buffer, func() error {
		stopOnce.Do(func() { close(stop) })
		return nil
	})

	frameDur := time.Duration(f.frameSamples) * time.Second / time.Duration(f.sampleRate)
	go func() {
		var tick <-chan time.Time
		if f.pace {
			ticker := time.NewTicker(frameDur)
			defer ticker.Stop()
			tick = ticker.C
		}
		for _, frame := range frames {
			if tick != nil {
				select {
				case <-stop:
					return
				case <-tick:
				}
				pipe.Deliver(frame)
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			for !pipe.Deliver(frame) {
				select {
				case <-stop:
					return
				case <-time.After(time.Millisecond):
				}
			}
		}
		f.opts.logger.Debug("wav capture finished", "path", f.path, "frames", len(frames))
	}()
	return pipe, nil
}

// readMonoWAV decodes path into mono float samples at rate.
func readMonoWAV(path string, rate int) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, core.NewPermissionError(fmt.Sprintf("open %s", path), err)
		}
		return nil, core.NewDeviceError(fmt.Sprintf("open %s", path), err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, core.NewDeviceError(fmt.Sprintf("%s is not a valid wav file", path), dec.Err())
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, core.NewDeviceError(fmt.Sprintf("decode %s", path), err)
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return live.Resample(mono, 1, int(dec.SampleRate), rate), nil
}
