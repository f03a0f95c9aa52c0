package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

// oto allows a single context per process.
var (
	otoOnce    sync.Once
	otoCtx     *oto.Context
	otoErr     error
	otoRate    int
	otoChannel int
)

func sharedContext(rate, channels int, bufferSize time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx, otoRate, otoChannel = ctx, rate, channels
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != rate || otoChannel != channels {
		return nil, fmt.Errorf("audio output already running at %d Hz x%d", otoRate, otoChannel)
	}
	return otoCtx, nil
}

// Speaker plays session audio through the default output device.
type Speaker struct {
	sampleRate int
	channels   int
	bufferSize time.Duration
	logger     *slog.Logger
}

// SpeakerOption configures a Speaker.
type SpeakerOption func(*Speaker)

// WithSpeakerLogger sets the speaker logger.
func WithSpeakerLogger(logger *slog.Logger) SpeakerOption {
	return func(s *Speaker) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOutputBuffer sets the backend buffer. Smaller is lower latency but
// risks underruns.
func WithOutputBuffer(d time.Duration) SpeakerOption {
	return func(s *Speaker) {
		if d > 0 {
			s.bufferSize = d
		}
	}
}

// NewSpeaker returns an output device using the output side of cfg.
func NewSpeaker(cfg live.AudioConfig, opts ...SpeakerOption) *Speaker {
	def := live.DefaultAudioConfig()
	s := &Speaker{
		sampleRate: cfg.OutputSampleRate,
		channels:   cfg.OutputChannels,
		bufferSize: 50 * time.Millisecond,
		logger:     slog.Default(),
	}
	if s.sampleRate <= 0 {
		s.sampleRate = def.OutputSampleRate
	}
	if s.channels <= 0 {
		s.channels = def.OutputChannels
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open implements live.OutputDevice. Each session gets its own player and
// timeline on the shared backend.
func (s *Speaker) Open(ctx context.Context) (live.OutputClock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	otoContext, err := sharedContext(s.sampleRate, s.channels, s.bufferSize)
	if err != nil {
		return nil, core.NewDeviceError(fmt.Sprintf("open audio output: %v", err), err)
	}

	mixer := NewMixer(s.sampleRate, s.channels)
	player := otoContext.NewPlayer(mixer)
	player.Play()
	s.logger.Debug("speaker opened", "sample_rate", s.sampleRate, "buffer", s.bufferSize)
	return &speakerClock{Mixer: mixer, player: player}, nil
}

type speakerClock struct {
	*Mixer
	player    *oto.Player
	closeOnce sync.Once
	closeErr  error
}

func (c *speakerClock) Close() error {
	c.closeOnce.Do(func() {
		_ = c.Mixer.Close()
		c.player.Pause()
		c.closeErr = c.player.Close()
	})
	return c.closeErr
}
