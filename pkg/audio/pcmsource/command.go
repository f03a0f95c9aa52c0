// Package pcmsource provides capture sources that do not need a sound card:
// an external command streaming raw PCM16 on stdout, and a WAV file played
// back at real-time pace.
package pcmsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

// Option configures a source.
type Option func(*options)

type options struct {
	buffer int
	logger *slog.Logger
}

func defaultOptions() options {
	return options{buffer: 8, logger: slog.Default()}
}

// WithLogger sets the source logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFrameBuffer sets how many frames may queue before frames are dropped.
func WithFrameBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Command runs a program that writes mono little-endian PCM16 at the input
// rate to stdout, for example
// "arecord -q -f S16_LE -r 16000 -c 1 -t raw".
type Command struct {
	args         []string
	sampleRate   int
	frameSamples int
	opts         options
}

// NewCommand parses cmdline with shell quoting rules.
func NewCommand(cmdline string, cfg live.AudioConfig, opts ...Option) (*Command, error) {
	args, err := shellwords.NewParser().Parse(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	c := &Command{
		args:         args,
		sampleRate:   cfg.InputSampleRate,
		frameSamples: cfg.FrameSamples,
		opts:         defaultOptions(),
	}
	def := live.DefaultAudioConfig()
	if c.sampleRate <= 0 {
		c.sampleRate = def.InputSampleRate
	}
	if c.frameSamples <= 0 {
		c.frameSamples = def.FrameSamples
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c, nil
}

// Args returns the parsed command line.
func (c *Command) Args() []string {
	return append([]string(nil), c.args...)
}

// Open implements live.CaptureSource. The process lives until the returned
// stream is closed.
func (c *Command) Open(ctx context.Context) (live.FrameStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.args[0], c.args[1:]...)
	cmd.Stderr = io.Discard
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.NewDeviceError("capture command stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyExecError(c.args[0], err)
	}

	var waitOnce sync.Once
	var waitErr error
	wait := func() error {
		waitOnce.Do(func() { waitErr = cmd.Wait() })
		return waitErr
	}

	pipe := live.NewFramePipe(c.opts.buffer, func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = wait()
		return nil
	})

	go func() {
		n := pump(stdout, live.NewFramer(c.frameSamples, c.sampleRate), pipe)
		c.opts.logger.Debug("capture command output ended", "command", c.args[0], "frames", n, "dropped", pipe.Dropped())
	}()

	c.opts.logger.Debug("capture command started", "command", c.args[0], "pid", cmd.Process.Pid)
	return pipe, nil
}

// pump reads PCM16 from r until EOF, delivering whole frames. It returns the
// number of frames produced.
func pump(r io.Reader, framer *live.Framer, pipe *live.FramePipe) int {
	buf := make([]byte, 4096)
	produced := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range framer.PushPCM16(buf[:n]) {
				pipe.Deliver(frame)
				produced++
			}
		}
		if err != nil {
			return produced
		}
	}
}

func classifyExecError(name string, err error) *core.Error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return core.NewDeviceError(fmt.Sprintf("capture command %q not found", name), err)
	case errors.Is(err, os.ErrPermission):
		return core.NewPermissionError(fmt.Sprintf("capture command %q is not executable", name), err)
	default:
		return core.NewDeviceError(fmt.Sprintf("start capture command %q: %v", name, err), err)
	}
}
