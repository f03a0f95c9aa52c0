// Package config loads vai-live settings: built-in defaults, then an
// optional YAML file, then VAI_LIVE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
	"gopkg.in/yaml.v3"
)

type TransportKind string

const (
	TransportGemini  TransportKind = "gemini"
	TransportGateway TransportKind = "gateway"
)

type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type GatewayConfig struct {
	URL              string        `yaml:"url"`
	APIKey           string        `yaml:"api_key"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type SessionConfig struct {
	Model             string        `yaml:"model"`
	Voice             string        `yaml:"voice"`
	Language          string        `yaml:"language"`
	SystemInstruction string        `yaml:"system_instruction"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	OutboundQueue     int           `yaml:"outbound_queue"`
}

type CaptureConfig struct {
	// Command, when set, replaces the microphone with a program writing
	// mono PCM16 at the input rate to stdout.
	Command string `yaml:"command"`
	// File, when set, replays a WAV file as microphone input.
	File string `yaml:"file"`
}

type OutputConfig struct {
	Speaker bool          `yaml:"speaker"`
	Buffer  time.Duration `yaml:"buffer"`
	DumpDir string        `yaml:"dump_dir"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Profile string `yaml:"profile"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TelemetryConfig struct {
	Tracing      bool   `yaml:"tracing"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type BusConfig struct {
	NATSURL       string   `yaml:"nats_url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Config struct {
	Transport TransportKind    `yaml:"transport"`
	Gemini    GeminiConfig     `yaml:"gemini"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Session   SessionConfig    `yaml:"session"`
	Audio     live.AudioConfig `yaml:"audio"`
	Capture   CaptureConfig    `yaml:"capture"`
	Output    OutputConfig     `yaml:"output"`
	History   HistoryConfig    `yaml:"history"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Bus       BusConfig        `yaml:"bus"`
	Log       LogConfig        `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Transport: TransportGemini,
		Gateway: GatewayConfig{
			HandshakeTimeout: 15 * time.Second,
		},
		Session: SessionConfig{
			Model:             "gemini-2.5-flash-native-audio-preview-09-2025",
			Voice:             "Zephyr",
			SystemInstruction: "You are a friendly conversational AI. Be concise.",
			ConnectTimeout:    15 * time.Second,
			OutboundQueue:     32,
		},
		Audio: live.DefaultAudioConfig(),
		Output: OutputConfig{
			Speaker: true,
			Buffer:  50 * time.Millisecond,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    defaultHistoryPath(),
			Profile: "default",
		},
		Bus: BusConfig{
			SubjectPrefix: "vai.live",
			KafkaTopic:    "vai-live-events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. An empty path skips the file; a missing
// file named explicitly is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := envOr("VAI_LIVE_TRANSPORT", ""); v != "" {
		cfg.Transport = TransportKind(strings.ToLower(v))
	}
	cfg.Gemini.APIKey = envOr("VAI_LIVE_GEMINI_API_KEY", envOr("GEMINI_API_KEY", envOr("API_KEY", cfg.Gemini.APIKey)))
	cfg.Gemini.BaseURL = envOr("VAI_LIVE_GEMINI_BASE_URL", cfg.Gemini.BaseURL)

	cfg.Gateway.URL = envOr("VAI_LIVE_GATEWAY_URL", cfg.Gateway.URL)
	cfg.Gateway.APIKey = envOr("VAI_LIVE_GATEWAY_API_KEY", cfg.Gateway.APIKey)
	cfg.Gateway.HandshakeTimeout = envDurationOr("VAI_LIVE_GATEWAY_HANDSHAKE_TIMEOUT", cfg.Gateway.HandshakeTimeout)

	cfg.Session.Model = envOr("VAI_LIVE_MODEL", cfg.Session.Model)
	cfg.Session.Voice = envOr("VAI_LIVE_VOICE", cfg.Session.Voice)
	cfg.Session.Language = envOr("VAI_LIVE_LANGUAGE", cfg.Session.Language)
	cfg.Session.SystemInstruction = envOr("VAI_LIVE_SYSTEM_INSTRUCTION", cfg.Session.SystemInstruction)
	cfg.Session.ConnectTimeout = envDurationOr("VAI_LIVE_CONNECT_TIMEOUT", cfg.Session.ConnectTimeout)
	cfg.Session.OutboundQueue = envIntOr("VAI_LIVE_OUTBOUND_QUEUE", cfg.Session.OutboundQueue)

	cfg.Audio.InputSampleRate = envIntOr("VAI_LIVE_INPUT_SAMPLE_RATE", cfg.Audio.InputSampleRate)
	cfg.Audio.OutputSampleRate = envIntOr("VAI_LIVE_OUTPUT_SAMPLE_RATE", cfg.Audio.OutputSampleRate)
	cfg.Audio.FrameSamples = envIntOr("VAI_LIVE_FRAME_SAMPLES", cfg.Audio.FrameSamples)

	cfg.Capture.Command = envOr("VAI_LIVE_CAPTURE_COMMAND", cfg.Capture.Command)
	cfg.Capture.File = envOr("VAI_LIVE_CAPTURE_FILE", cfg.Capture.File)

	cfg.Output.Speaker = envBoolOr("VAI_LIVE_SPEAKER", cfg.Output.Speaker)
	cfg.Output.Buffer = envDurationOr("VAI_LIVE_OUTPUT_BUFFER", cfg.Output.Buffer)
	cfg.Output.DumpDir = envOr("VAI_LIVE_DUMP_DIR", cfg.Output.DumpDir)

	cfg.History.Enabled = envBoolOr("VAI_LIVE_HISTORY", cfg.History.Enabled)
	cfg.History.Path = envOr("VAI_LIVE_HISTORY_PATH", cfg.History.Path)
	cfg.History.Profile = envOr("VAI_LIVE_PROFILE", cfg.History.Profile)

	cfg.Metrics.Addr = envOr("VAI_LIVE_METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Telemetry.Tracing = envBoolOr("VAI_LIVE_TRACING", cfg.Telemetry.Tracing)
	cfg.Telemetry.OTLPEndpoint = envOr("VAI_LIVE_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.OTLPInsecure = envBoolOr("VAI_LIVE_OTLP_INSECURE", cfg.Telemetry.OTLPInsecure)

	cfg.Bus.NATSURL = envOr("VAI_LIVE_NATS_URL", cfg.Bus.NATSURL)
	cfg.Bus.SubjectPrefix = envOr("VAI_LIVE_NATS_SUBJECT_PREFIX", cfg.Bus.SubjectPrefix)
	if brokers := splitCSV(os.Getenv("VAI_LIVE_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Bus.KafkaBrokers = brokers
	}
	cfg.Bus.KafkaTopic = envOr("VAI_LIVE_KAFKA_TOPIC", cfg.Bus.KafkaTopic)

	cfg.Log.Level = envOr("VAI_LIVE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("VAI_LIVE_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = envOr("VAI_LIVE_LOG_FILE", cfg.Log.File)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportGemini:
	case TransportGateway:
		if strings.TrimSpace(c.Gateway.URL) == "" {
			return fmt.Errorf("gateway.url (VAI_LIVE_GATEWAY_URL) is required for the gateway transport")
		}
		if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
			return fmt.Errorf("gateway.url must be a ws:// or wss:// URL")
		}
	default:
		return fmt.Errorf("transport must be one of gemini|gateway, got %q", c.Transport)
	}

	if c.Audio.InputSampleRate <= 0 {
		return fmt.Errorf("audio.input_sample_rate must be > 0")
	}
	if c.Audio.OutputSampleRate <= 0 {
		return fmt.Errorf("audio.output_sample_rate must be > 0")
	}
	if c.Audio.FrameSamples <= 0 {
		return fmt.Errorf("audio.frame_samples must be > 0")
	}
	if c.Audio.OutputChannels <= 0 {
		return fmt.Errorf("audio.output_channels must be > 0")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.OutboundQueue <= 0 {
		return fmt.Errorf("session.outbound_queue must be > 0")
	}
	if c.Capture.Command != "" && c.Capture.File != "" {
		return fmt.Errorf("capture.command and capture.file are mutually exclusive")
	}
	if c.History.Enabled {
		if strings.TrimSpace(c.History.Path) == "" {
			return fmt.Errorf("history.path must be set when history is enabled")
		}
		if strings.TrimSpace(c.History.Profile) == "" {
			return fmt.Errorf("history.profile must not be empty")
		}
	}
	if len(c.Bus.KafkaBrokers) > 0 && strings.TrimSpace(c.Bus.KafkaTopic) == "" {
		return fmt.Errorf("bus.kafka_topic must be set when kafka brokers are configured")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of text|json")
	}
	return nil
}

// ConnectConfig returns the per-session connect parameters.
func (c Config) ConnectConfig() live.ConnectConfig {
	return live.ConnectConfig{
		Model:             c.Session.Model,
		Voice:             c.Session.Voice,
		Language:          c.Session.Language,
		SystemInstruction: c.Session.SystemInstruction,
		InputSampleRate:   c.Audio.InputSampleRate,
		OutputSampleRate:  c.Audio.OutputSampleRate,
	}
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "vai-live.db"
	}
	return filepath.Join(dir, "vai-live", "history.db")
}
