// Package device binds the live session to the host's audio hardware:
// a malgo capture device for the microphone and an oto player for output.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

// Microphone captures the default input device as mono PCM16 and cuts it
// into fixed-size frames.
type Microphone struct {
	sampleRate   int
	frameSamples int
	buffer       int
	logger       *slog.Logger
}

// MicrophoneOption configures a Microphone.
type MicrophoneOption func(*Microphone)

// WithMicrophoneLogger sets the microphone logger.
func WithMicrophoneLogger(logger *slog.Logger) MicrophoneOption {
	return func(m *Microphone) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFrameBuffer sets how many frames may queue before capture drops them.
func WithFrameBuffer(n int) MicrophoneOption {
	return func(m *Microphone) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewMicrophone returns a capture source using the input side of cfg.
func NewMicrophone(cfg live.AudioConfig, opts ...MicrophoneOption) *Microphone {
	def := live.DefaultAudioConfig()
	m := &Microphone{
		sampleRate:   cfg.InputSampleRate,
		frameSamples: cfg.FrameSamples,
		buffer:       8,
		logger:       slog.Default(),
	}
	if m.sampleRate <= 0 {
		m.sampleRate = def.InputSampleRate
	}
	if m.frameSamples <= 0 {
		m.frameSamples = def.FrameSamples
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open implements live.CaptureSource. The returned stream owns the device;
// closing it stops capture and releases the audio context.
func (m *Microphone) Open(ctx context.Context) (live.FrameStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, classifyOpenError("init audio context", err)
	}
	releaseContext := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	if infos, err := mctx.Context.Devices(malgo.Capture); err == nil && len(infos) == 0 {
		releaseContext()
		return nil, core.NewDeviceError("no audio input device found", nil)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	framer := live.NewFramer(m.frameSamples, m.sampleRate)
	var (
		pipe    *live.FramePipe
		framerM sync.Mutex
	)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			framerM.Lock()
			frames := framer.PushPCM16(input)
			framerM.Unlock()
			for _, frame := range frames {
				pipe.Deliver(frame)
			}
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		releaseContext()
		return nil, classifyOpenError("open microphone", err)
	}

	pipe = live.NewFramePipe(m.buffer, func() error {
		stopErr := dev.Stop()
		dev.Uninit()
		releaseContext()
		if dropped := pipe.Dropped(); dropped > 0 {
			m.logger.Debug("microphone dropped frames", "count", dropped)
		}
		return stopErr
	})

	if err := dev.Start(); err != nil {
		_ = pipe.Close()
		return nil, classifyOpenError("start microphone", err)
	}
	m.logger.Debug("microphone started", "sample_rate", m.sampleRate, "frame_samples", m.frameSamples)
	return pipe, nil
}

// classifyOpenError separates a refused microphone from a missing or broken one.
func classifyOpenError(op string, err error) *core.Error {
	msg := fmt.Sprintf("%s: %v", op, err)
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "access denied"),
		strings.Contains(lower, "permission"),
		strings.Contains(lower, "not allowed"):
		return core.NewPermissionError(msg, err)
	default:
		return core.NewDeviceError(msg, err)
	}
}
