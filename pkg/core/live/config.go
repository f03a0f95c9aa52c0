package live

import (
	"time"
)

// SessionState represents the lifecycle state of a conversation session.
type SessionState int

const (
	// StateIdle is the initial state; no resources are held.
	StateIdle SessionState = iota
	// StateConnecting is acquiring devices and dialing the remote service.
	StateConnecting
	// StateLive is streaming microphone audio to the remote service.
	StateLive
	// StatePaused keeps the session open but stops sending audio.
	StatePaused
	// StateClosing is tearing down resources.
	StateClosing
	// StateClosed has released all resources.
	StateClosed
	// StateError holds a failed session until it is acknowledged.
	StateError
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateLive:
		return "LIVE"
	case StatePaused:
		return "PAUSED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the state holds an open session.
func (s SessionState) Active() bool {
	return s == StateLive || s == StatePaused
}

// Speaker identifies who a transcript fragment belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// InputSampleRate is the microphone capture rate in Hz. Default: 16000.
	InputSampleRate int `json:"input_sample_rate" yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz. Default: 24000.
	OutputSampleRate int `json:"output_sample_rate" yaml:"output_sample_rate"`

	// FrameSamples is the number of samples per captured frame. Default: 4096.
	FrameSamples int `json:"frame_samples" yaml:"frame_samples"`

	// OutputChannels is the channel count of model audio. Default: 1.
	OutputChannels int `json:"output_channels" yaml:"output_channels"`
}

// DefaultAudioConfig returns the standard audio configuration.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		FrameSamples:     4096,
		OutputChannels:   1,
	}
}

func (c AudioConfig) withDefaults() AudioConfig {
	def := DefaultAudioConfig()
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = def.InputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = def.OutputSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = def.FrameSamples
	}
	if c.OutputChannels <= 0 {
		c.OutputChannels = def.OutputChannels
	}
	return c
}

// FrameDuration returns the length of one captured frame.
func (c AudioConfig) FrameDuration() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.InputSampleRate)
}

// ConnectConfig is passed to the transport when a session is opened.
type ConnectConfig struct {
	Model             string
	Voice             string
	Language          string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
}
