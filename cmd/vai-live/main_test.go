package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live/pkg/audio/device"
	"github.com/vango-go/vai-live/pkg/audio/pcmsource"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/core/live"
	"github.com/vango-go/vai-live/pkg/history"
	"github.com/vango-go/vai-live/pkg/tui"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	opts, err := parseFlags([]string{"-transport", "gateway", "-voice", "Puck", "-no-speaker", "-headless", "-debug"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if opts.transport != "gateway" || opts.voice != "Puck" || !opts.noSpeaker || !opts.headless || !opts.debug {
		t.Fatalf("opts = %+v", opts)
	}
	if _, err := parseFlags([]string{"-nope"}, io.Discard); err == nil {
		t.Fatalf("unknown flag should fail")
	}
	if _, err := parseFlags([]string{"extra"}, io.Discard); err == nil {
		t.Fatalf("positional argument should fail")
	}
}

func TestApplyFlags_OverridesConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Capture.Command = "arecord"
	applyFlags(&cfg, cliOptions{
		transport: "GATEWAY",
		model:     "m2",
		language:  "de-DE",
		noSpeaker: true,
		micFile:   "in.wav",
		dumpDir:   "/tmp/dump",
		profile:   "ana",
		debug:     true,
	})
	if cfg.Transport != config.TransportGateway || cfg.Session.Model != "m2" || cfg.Session.Language != "de-DE" {
		t.Fatalf("session = %+v transport=%s", cfg.Session, cfg.Transport)
	}
	if cfg.Output.Speaker || cfg.Output.DumpDir != "/tmp/dump" {
		t.Fatalf("output = %+v", cfg.Output)
	}
	if cfg.Capture.File != "in.wav" || cfg.Capture.Command != "" {
		t.Fatalf("capture = %+v", cfg.Capture)
	}
	if cfg.History.Profile != "ana" || cfg.Log.Level != "debug" {
		t.Fatalf("history=%+v log=%+v", cfg.History, cfg.Log)
	}
	if cfg.Session.Voice != config.Default().Session.Voice {
		t.Fatalf("unset flag changed voice to %q", cfg.Session.Voice)
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"-bogus"}, exitUsage},
		{"invalid transport", []string{"-transport", "carrier-pigeon", "-headless"}, exitUsage},
		{"missing config file", []string{"-config", "/does/not/exist.yaml"}, exitUsage},
		{"help", []string{"-h"}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			deps := appDeps{runUI: func(context.Context, tea.Model) error {
				t.Fatalf("UI should not run")
				return nil
			}}
			if got := runMain(context.Background(), tt.args, &stderr, deps); got != tt.want {
				t.Fatalf("exit = %d, want %d (stderr: %s)", got, tt.want, stderr.String())
			}
		})
	}
}

func TestBuildOutput(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Output.Speaker = false
	out := buildOutput(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock, err := out.Open(context.Background())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	_ = clock.Close()

	cfg.Output.DumpDir = t.TempDir()
	if _, ok := buildOutput(cfg, slog.Default()).(*device.NullOutput); ok {
		t.Fatalf("dump dir should wrap the output device")
	}
}

func TestBuildCapture_SelectsSource(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Capture.Command = `arecord -f S16_LE "unterminated`
	if _, err := buildCapture(cfg, slog.Default()); err == nil {
		t.Fatalf("unbalanced quote should fail")
	}

	cfg.Capture.Command = "arecord -q -t raw -f S16_LE -r 16000 -c 1"
	src, err := buildCapture(cfg, slog.Default())
	if err != nil {
		t.Fatalf("buildCapture error: %v", err)
	}
	if _, ok := src.(*pcmsource.Command); !ok {
		t.Fatalf("capture = %T, want *pcmsource.Command", src)
	}

	cfg.Capture.Command = ""
	src, err = buildCapture(cfg, slog.Default())
	if err != nil {
		t.Fatalf("buildCapture error: %v", err)
	}
	if _, ok := src.(*device.Microphone); !ok {
		t.Fatalf("capture = %T, want *device.Microphone", src)
	}
}

func writeTestWAV(t *testing.T, path string, samples int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func clearLiveEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "VAI_LIVE_") || key == "GEMINI_API_KEY" || key == "API_KEY" {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestRunMain_HeadlessGatewaySession(t *testing.T) {
	clearLiveEnv(t)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var hello map[string]any
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":       "hello_ack",
			"session_id": "gw_1",
			"audio_out":  map[string]any{"encoding": "pcm_s16le", "sample_rate_hz": 24000, "channels": 1},
		})
		_ = conn.WriteJSON(map[string]any{"type": "transcript_delta", "speaker": "user", "delta": "hello there"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript_delta", "speaker": "model", "delta": "hi!"})
		_ = conn.WriteJSON(map[string]any{"type": "turn_complete"})
		time.Sleep(50 * time.Millisecond)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer server.Close()

	dir := t.TempDir()
	wavPath := filepath.Join(dir, "in.wav")
	writeTestWAV(t, wavPath, 8000)
	dbPath := filepath.Join(dir, "history.db")

	t.Setenv("VAI_LIVE_GATEWAY_URL", "ws"+strings.TrimPrefix(server.URL, "http"))
	t.Setenv("VAI_LIVE_HISTORY_PATH", dbPath)

	prevLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevLogger) })

	var stderr syncBuffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := runMain(ctx, []string{
		"-transport", "gateway",
		"-headless",
		"-no-speaker",
		"-mic-file", wavPath,
		"-profile", "tester",
	}, &stderr, defaultAppDeps())
	if code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "hello there") {
		t.Fatalf("turn not logged:\n%s", stderr.String())
	}

	store, err := history.Open(context.Background(), dbPath, nil)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	tr, err := store.LatestTranscript(context.Background(), "tester")
	if err != nil || tr == nil {
		t.Fatalf("LatestTranscript = %+v, %v", tr, err)
	}
	if len(tr.Turns) != 2 || tr.Turns[0].Text != "hello there" || tr.Turns[1].Speaker != live.SpeakerModel {
		t.Fatalf("turns = %+v", tr.Turns)
	}
	if tr.Session.EndedAt == nil {
		t.Fatalf("session not closed in history: %+v", tr.Session)
	}
}

func TestRunApp_RunsUIWithController(t *testing.T) {
	clearLiveEnv(t)

	cfg := config.Default()
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.Output.Speaker = false

	var got tea.Model
	deps := defaultAppDeps()
	deps.runUI = func(_ context.Context, m tea.Model) error {
		got = m
		return nil
	}
	if err := runApp(context.Background(), cfg, false, slog.New(slog.NewTextHandler(io.Discard, nil)), deps); err != nil {
		t.Fatalf("runApp error: %v", err)
	}
	if _, ok := got.(tui.Model); !ok {
		t.Fatalf("UI model = %T", got)
	}
}
