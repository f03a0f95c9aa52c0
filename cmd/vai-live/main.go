// Command vai-live holds a spoken conversation with a live model from the
// terminal: microphone in, speaker out, transcript on screen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vango-go/vai-live/internal/dotenv"
	"github.com/vango-go/vai-live/pkg/audio/device"
	"github.com/vango-go/vai-live/pkg/audio/pcmsource"
	"github.com/vango-go/vai-live/pkg/audio/wavdump"
	"github.com/vango-go/vai-live/pkg/bus"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/core/live"
	"github.com/vango-go/vai-live/pkg/core/providers/gemini"
	"github.com/vango-go/vai-live/pkg/core/providers/wslive"
	"github.com/vango-go/vai-live/pkg/history"
	"github.com/vango-go/vai-live/pkg/metrics"
	"github.com/vango-go/vai-live/pkg/telemetry"
	"github.com/vango-go/vai-live/pkg/tui"
)

const version = "0.1.0"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type cliOptions struct {
	configPath string
	transport  string
	model      string
	voice      string
	language   string
	noSpeaker  bool
	micCommand string
	micFile    string
	dumpDir    string
	profile    string
	headless   bool
	debug      bool
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("vai-live", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.transport, "transport", "", "transport: gemini or gateway")
	fs.StringVar(&opts.model, "model", "", "live model name")
	fs.StringVar(&opts.voice, "voice", "", "prebuilt voice name")
	fs.StringVar(&opts.language, "lang", "", "conversation language (BCP-47, e.g. en-US)")
	fs.BoolVar(&opts.noSpeaker, "no-speaker", false, "do not play model audio")
	fs.StringVar(&opts.micCommand, "mic-cmd", "", "command writing mono PCM16 to stdout, used instead of the microphone")
	fs.StringVar(&opts.micFile, "mic-file", "", "WAV file replayed instead of the microphone")
	fs.StringVar(&opts.dumpDir, "dump-wav", "", "directory to record model audio into")
	fs.StringVar(&opts.profile, "profile", "", "history profile")
	fs.BoolVar(&opts.headless, "headless", false, "run without the terminal UI and log turns")
	fs.BoolVar(&opts.debug, "debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// applyFlags overrides cfg with the flags that were set.
func applyFlags(cfg *config.Config, opts cliOptions) {
	if opts.transport != "" {
		cfg.Transport = config.TransportKind(strings.ToLower(opts.transport))
	}
	if opts.model != "" {
		cfg.Session.Model = opts.model
	}
	if opts.voice != "" {
		cfg.Session.Voice = opts.voice
	}
	if opts.language != "" {
		cfg.Session.Language = opts.language
	}
	if opts.noSpeaker {
		cfg.Output.Speaker = false
	}
	if opts.micCommand != "" {
		cfg.Capture.Command = opts.micCommand
		cfg.Capture.File = ""
	}
	if opts.micFile != "" {
		cfg.Capture.File = opts.micFile
		cfg.Capture.Command = ""
	}
	if opts.dumpDir != "" {
		cfg.Output.DumpDir = opts.dumpDir
	}
	if opts.profile != "" {
		cfg.History.Profile = opts.profile
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// appDeps are the pieces runApp builds from config. Tests replace them.
type appDeps struct {
	newTransport func(config.Config, *slog.Logger) (live.Transport, error)
	newCapture   func(config.Config, *slog.Logger) (live.CaptureSource, error)
	newOutput    func(config.Config, *slog.Logger) live.OutputDevice
	runUI        func(ctx context.Context, m tea.Model) error
}

func defaultAppDeps() appDeps {
	return appDeps{
		newTransport: buildTransport,
		newCapture:   buildCapture,
		newOutput:    buildOutput,
		runUI: func(ctx context.Context, m tea.Model) error {
			_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func buildTransport(cfg config.Config, logger *slog.Logger) (live.Transport, error) {
	var transport live.Transport
	switch cfg.Transport {
	case config.TransportGemini:
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		transport = gemini.New(cfg.Gemini.APIKey, opts...)
	case config.TransportGateway:
		transport = wslive.New(cfg.Gateway.URL, cfg.Gateway.APIKey,
			wslive.WithHandshakeTimeout(cfg.Gateway.HandshakeTimeout),
			wslive.WithLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Telemetry.Tracing {
		transport = telemetry.TraceTransport(transport, string(cfg.Transport), nil)
	}
	return transport, nil
}

func buildCapture(cfg config.Config, logger *slog.Logger) (live.CaptureSource, error) {
	switch {
	case cfg.Capture.Command != "":
		return pcmsource.NewCommand(cfg.Capture.Command, cfg.Audio, pcmsource.WithLogger(logger))
	case cfg.Capture.File != "":
		return pcmsource.NewWAVFile(cfg.Capture.File, cfg.Audio, true, pcmsource.WithLogger(logger)), nil
	}
	return device.NewMicrophone(cfg.Audio, device.WithMicrophoneLogger(logger)), nil
}

func buildOutput(cfg config.Config, logger *slog.Logger) live.OutputDevice {
	var out live.OutputDevice
	if cfg.Output.Speaker {
		out = device.NewSpeaker(cfg.Audio,
			device.WithSpeakerLogger(logger),
			device.WithOutputBuffer(cfg.Output.Buffer),
		)
	} else {
		out = device.NewNullOutput(nil)
	}
	if cfg.Output.DumpDir != "" {
		out = wavdump.Wrap(out, cfg.Output.DumpDir, cfg.Audio.OutputSampleRate, wavdump.WithLogger(logger))
	}
	return out
}

func buildSinks(cfg config.Config, logger *slog.Logger) ([]bus.Sink, error) {
	var sinks []bus.Sink
	if cfg.Bus.NATSURL != "" {
		sink, err := bus.ConnectNATS(cfg.Bus.NATSURL, cfg.Bus.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(cfg.Bus.KafkaBrokers) > 0 {
		sink, err := bus.NewKafkaSink(cfg.Bus.KafkaBrokers, cfg.Bus.KafkaTopic, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

func runApp(ctx context.Context, cfg config.Config, headless bool, logger *slog.Logger, deps appDeps) error {
	transport, err := deps.newTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	capture, err := deps.newCapture(cfg, logger)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	output := deps.newOutput(cfg, logger)

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName:  "vai-live",
			Version:      version,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, m, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	controller := live.NewController(live.Deps{
		Capture:   capture,
		Output:    output,
		Transport: transport,
	},
		live.WithLogger(logger),
		live.WithMetrics(m),
		live.WithAudioConfig(cfg.Audio),
		live.WithConnectConfig(cfg.ConnectConfig()),
		live.WithSessionConnectTimeout(cfg.Session.ConnectTimeout),
		live.WithOutboundQueue(cfg.Session.OutboundQueue),
	)
	// Consumers drain their subscription after the controller has stopped;
	// their stores and sinks close after that.
	var (
		consumers []func()
		closers   []func() error
	)
	startConsumer := func(run func(context.Context, <-chan live.Event)) {
		events, unsubscribe := controller.Subscribe(256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			run(context.Background(), events)
		}()
		consumers = append(consumers, func() {
			unsubscribe()
			<-done
		})
	}
	defer func() {
		controller.Stop()
		for _, wait := range consumers {
			wait()
		}
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("shutdown", "error", err)
			}
		}
	}()

	var previous *history.Transcript
	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Path, logger)
		if err != nil {
			logger.Warn("history disabled", "path", cfg.History.Path, "error", err)
		} else {
			closers = append(closers, store.Close)
			if previous, err = store.LatestTranscript(ctx, cfg.History.Profile); err != nil {
				logger.Warn("load previous session", "error", err)
			}
			rec := history.NewRecorder(store, cfg.History.Profile, cfg.Session.Model, cfg.Session.Voice, logger)
			startConsumer(rec.Run)
		}
	}

	sinks, err := buildSinks(cfg, logger)
	if err != nil {
		logger.Warn("event bus disabled", "error", err)
	} else if len(sinks) > 0 {
		pub := bus.NewPublisher(sinks, bus.WithMetrics(m), bus.WithLogger(logger))
		closers = append(closers, pub.Close)
		startConsumer(pub.Run)
	}

	if headless {
		return runHeadless(ctx, controller, logger)
	}

	events, unsubscribe := controller.Subscribe(256)
	defer unsubscribe()
	model := tui.New(controller, events, tui.Info{
		Transport: string(cfg.Transport),
		Model:     cfg.Session.Model,
		Voice:     cfg.Session.Voice,
		Language:  cfg.Session.Language,
		Profile:   cfg.History.Profile,
	}, previous)
	return deps.runUI(ctx, model)
}

// runHeadless starts one session and logs it until ctx is done or the
// session ends.
func runHeadless(ctx context.Context, controller *live.Controller, logger *slog.Logger) error {
	events, unsubscribe := controller.Subscribe(256)
	defer unsubscribe()

	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("session live; press Ctrl+C to stop", "session_id", controller.Snapshot().SessionID)

	for {
		select {
		case <-ctx.Done():
			controller.Stop()
			logger.Info("session stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *live.TurnFinalizedEvent:
				for _, turn := range e.Turns {
					logger.Info("turn", "speaker", string(turn.Speaker), "text", turn.Text)
				}
			case *live.InterruptedEvent:
				logger.Debug("playback interrupted", "dropped_segments", e.DroppedSegments)
			case *live.ErrorEvent:
				if !e.Fatal && e.Err != nil {
					logger.Warn("session error", "type", string(e.Err.Type), "error", e.Err.Message)
				}
			case *live.SessionClosedEvent:
				logger.Info("session closed", "session_id", e.SessionID, "reason", e.Reason)
				if err := controller.LastError(); err != nil {
					return err
				}
				return nil
			}
		}
	}
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "vai-live: %v\n", err)
		return exitUsage
	}

	if _, err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "vai-live: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load(opts.configPath)
	if err == nil {
		applyFlags(&cfg, opts)
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "vai-live: %v\n", err)
		return exitUsage
	}

	logOut := stderr
	if !opts.headless {
		path := cfg.Log.File
		if path == "" {
			path = filepath.Join(os.TempDir(), "vai-live.log")
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(stderr, "vai-live: open log file: %v\n", err)
			return exitFailure
		}
		defer file.Close()
		logOut = file
	}
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	if err := runApp(ctx, cfg, opts.headless, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-live: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stderr, defaultAppDeps())
	stop()
	os.Exit(code)
}
